package server

import "github.com/coreipc/qb/api"

// ServiceOption customizes a Service's Config before Serve is called.
type ServiceOption func(*Service)

// WithMaxMsgSize overrides the server-enforced message size ceiling.
func WithMaxMsgSize(n uint32) ServiceOption {
	return func(s *Service) { s.cfg.MaxMsgSize = n }
}

// WithPriority sets the loop priority new connections' request fds are
// registered at.
func WithPriority(p api.Priority) ServiceOption {
	return func(s *Service) { s.cfg.Priority = p }
}

// WithRuntimeDir overrides where connection ring files live; the
// filesystem rendezvous socket path comes from transport.RuntimeDir.
func WithRuntimeDir(dir string) ServiceOption {
	return func(s *Service) { s.cfg.Rings.Dir = dir }
}
