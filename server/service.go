package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coreipc/qb/api"
	"github.com/coreipc/qb/internal/qblog"
	"github.com/coreipc/qb/loop"
	"github.com/coreipc/qb/transport"
	"github.com/coreipc/qb/wire"
)

// Handlers is the callback table a Service dispatches connection
// lifecycle and message events to. Message is never called for a
// connection until Authenticate has returned true for it.
type Handlers struct {
	// Authenticate decides whether to accept a newly connected peer
	// based on the credentials captured via SO_PEERCRED. A nil
	// Authenticate accepts every peer.
	Authenticate func(creds transport.Credentials) bool
	// Created runs once a connection's rings are established.
	Created func(conn *transport.Conn)
	// Message handles one request and returns the response payload and
	// result code to send back.
	Message func(conn *transport.Conn, req wire.Request, payload []byte) (respPayload []byte, errCode int32)
	// Destroyed runs once after a connection is torn down.
	Destroyed func(conn *transport.Conn)
}

// Service is an IPC server bound to one Main Loop. Multiple Services may
// share a Loop.
type Service struct {
	cfg      *Config
	handlers Handlers
	loop     *loop.Loop
	listener *transport.Listener

	mu    sync.Mutex
	conns map[string]*transport.Conn

	log *qblog.Logger
}

// New creates a Service. Call Serve to start accepting connections.
func New(cfg *Config, handlers Handlers, l *loop.Loop, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:      cfg,
		handlers: handlers,
		loop:     l,
		conns:    make(map[string]*transport.Conn),
		log:      qblog.Default,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve opens the rendezvous listener and registers it on the Main Loop
// at medium priority; it returns once the listener is ready to accept,
// not when the service stops (call Shutdown to stop it).
func (s *Service) Serve() error {
	l, err := transport.Listen(s.cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.listener = l
	// The rendezvous listener itself always registers at medium priority,
	// independent of Config.Priority (which governs per-connection
	// request fds).
	return s.loop.PollAdd(l.FD(), api.PriorityMed, func(loop.PollEvent) { s.onAcceptable() })
}

func (s *Service) onAcceptable() {
	conn, err := transport.Accept(s.listener, transport.AcceptOptions{
		ServiceName:  s.cfg.ServiceName,
		MaxMsgSize:   s.cfg.MaxMsgSize,
		Rings:        s.cfg.Rings,
		Authenticate: s.handlers.Authenticate,
	})
	if err != nil {
		if errors.Is(err, api.ErrAuthFailed) {
			s.log.Warnf("authentication refused for new connection")
		} else {
			s.log.Warnf("accept failed: %v", err)
		}
		return
	}

	s.mu.Lock()
	s.conns[conn.Name()] = conn
	s.mu.Unlock()

	if s.handlers.Created != nil {
		s.handlers.Created(conn)
	}

	if err := s.loop.PollAdd(conn.RequestFD(), s.cfg.Priority, func(loop.PollEvent) { s.onRequestReadable(conn) }); err != nil {
		s.log.Errorf("register request fd for %s: %v", conn.Name(), err)
		s.removeConn(conn)
	}
}

func (s *Service) onRequestReadable(conn *transport.Conn) {
	for {
		req, payload, err := conn.RecvRequest(0)
		if err != nil {
			s.log.Warnf("recv request on %s: %v", conn.Name(), err)
			s.disconnect(conn)
			return
		}
		if payload == nil {
			return // nothing pending
		}
		if req.ID == wire.IDDisconnect {
			s.disconnect(conn)
			return
		}
		respPayload, errCode := []byte(nil), int32(0)
		if s.handlers.Message != nil {
			respPayload, errCode = s.handlers.Message(conn, req, payload)
		}
		if err := conn.SendResponse(req.ID, errCode, respPayload); err != nil {
			s.log.Warnf("send response on %s: %v", conn.Name(), err)
			s.disconnect(conn)
			return
		}
		conn.ApplyFlowWatermark(s.cfg.Flow)
	}
}

func (s *Service) disconnect(conn *transport.Conn) {
	s.loop.PollDel(conn.RequestFD())
	conn.Disconnect()
	s.removeConn(conn)
}

func (s *Service) removeConn(conn *transport.Conn) {
	s.mu.Lock()
	delete(s.conns, conn.Name())
	s.mu.Unlock()
	if s.handlers.Destroyed != nil {
		s.handlers.Destroyed(conn)
	}
}

// Broadcast sends payload as an event to every currently connected peer.
func (s *Service) Broadcast(payload []byte) {
	s.mu.Lock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.SendEvent(payload); err != nil {
			s.log.Warnf("broadcast to %s: %v", c.Name(), err)
		}
	}
}

// Shutdown disconnects every connection and closes the listener.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.disconnect(c)
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
