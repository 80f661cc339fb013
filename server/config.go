// File: server/config.go
// Package server implements the accepting half of an IPC service: a
// rendezvous listener whose connections are driven by a shared Main
// Loop rather than one goroutine per connection.
//
// Author: coreipc
// License: Apache-2.0
package server

import (
	"github.com/coreipc/qb/api"
	"github.com/coreipc/qb/transport"
)

// Config holds the parameters of one IPC service.
type Config struct {
	ServiceName string // rendezvous socket / ring-buffer name prefix
	MaxMsgSize  uint32 // ceiling enforced regardless of what a client requests
	Rings       transport.RingOptions
	Flow        transport.FlowWatermark
	Priority    api.Priority // priority connection request-ring fds are registered at
}

// DefaultConfig returns sane defaults for name, overridable via ServiceOption.
func DefaultConfig(name string) *Config {
	return &Config{
		ServiceName: name,
		MaxMsgSize:  1 << 20,
		Rings: transport.RingOptions{
			Dir:          transport.RuntimeDir,
			ReqBytes:     64 * 1024,
			RespBytes:    64 * 1024,
			EvtBytes:     64 * 1024,
			EvtOverwrite: true,
		},
		Flow:     transport.DefaultFlowWatermark,
		Priority: api.PriorityMed,
	}
}
