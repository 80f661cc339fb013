// File: client/client.go
//
// Package client implements the connecting half of an IPC channel: a
// thin wrapper over a transport.Conn offering the synchronous
// request/response and asynchronous event operations a caller needs,
// configured via functional options.
//
// Author: coreipc
// License: Apache-2.0
package client

import (
	"time"

	"github.com/coreipc/qb/transport"
	"github.com/coreipc/qb/wire"
)

// Config defines the parameters used to connect to a named service.
type Config struct {
	ServiceName  string
	RequestedMax uint32
	Rings        transport.RingOptions
	RecvTimeout  time.Duration // default timeout for Recv/SendvRecv
}

// DefaultConfig returns sane defaults for connecting to serviceName.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:  serviceName,
		RequestedMax: 64 * 1024,
		Rings: transport.RingOptions{
			Dir: transport.RuntimeDir,
		},
		RecvTimeout: 5 * time.Second,
	}
}

// Option customizes a Config before Connect is called.
type Option func(*Config)

// WithRequestedMax sets the maximum message size this client asks the
// server to honor; the server may still enforce a smaller ceiling.
func WithRequestedMax(n uint32) Option {
	return func(c *Config) { c.RequestedMax = n }
}

// WithRuntimeDir overrides where the connection's ring files live; the
// filesystem rendezvous socket path comes from transport.RuntimeDir.
func WithRuntimeDir(dir string) Option {
	return func(c *Config) { c.Rings.Dir = dir }
}

// WithRecvTimeout overrides the default blocking timeout used by Recv
// and SendvRecv.
func WithRecvTimeout(d time.Duration) Option {
	return func(c *Config) { c.RecvTimeout = d }
}

// Client is a connected IPC client.
type Client struct {
	cfg  *Config
	conn *transport.Conn
}

// Connect dials serviceName's rendezvous socket, completes the
// handshake and returns a ready Client.
func Connect(serviceName string, opts ...Option) (*Client, error) {
	cfg := DefaultConfig(serviceName)
	for _, o := range opts {
		o(cfg)
	}
	conn, err := transport.Connect(transport.ConnectOptions{
		ServiceName:  cfg.ServiceName,
		RequestedMax: cfg.RequestedMax,
		Rings:        cfg.Rings,
	})
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Disconnect tears down the connection; safe to call more than once.
func (c *Client) Disconnect() error { return c.conn.Disconnect() }

// FDGet returns the client's event-ring file descriptor for registering
// with an external poll loop.
func (c *Client) FDGet() int { return c.conn.EventFD() }

// BufferSize re-queries the negotiated maximum message size, which a
// server may have lowered below what was requested.
func (c *Client) BufferSize() uint32 { return c.conn.MaxMsgSize() }

// Send submits a request without waiting for its response.
func (c *Client) Send(id int32, payload []byte) error {
	return c.conn.SendRequest(id, payload)
}

// Sendv is an alias of Send kept for parity with libqb's vector naming;
// payload is sent as a single contiguous buffer since Go callers
// typically already hold one.
func (c *Client) Sendv(id int32, payload []byte) error { return c.Send(id, payload) }

// Recv blocks for the next response up to the client's configured
// timeout.
func (c *Client) Recv() (wire.Response, []byte, error) {
	return c.conn.RecvResponse(int(c.cfg.RecvTimeout / time.Millisecond))
}

// SendvRecv sends a request and blocks for its response.
func (c *Client) SendvRecv(id int32, payload []byte) (wire.Response, []byte, error) {
	return c.conn.SendvRecv(id, payload, int(c.cfg.RecvTimeout/time.Millisecond))
}

// EventRecv blocks for the next server-pushed event up to timeout,
// returning its sequence number for gap detection.
func (c *Client) EventRecv(timeout time.Duration) (seq uint64, payload []byte, err error) {
	return c.conn.RecvEvent(int(timeout / time.Millisecond))
}

// FCEnableMaxSet is not meaningful on the client side: flow control is
// always raised by the server against its own request ring. Kept as a
// no-op for interface parity with server-side callers that share a
// common Sender interface.
func (c *Client) FCEnableMaxSet(bool) {}
