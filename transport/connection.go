package transport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coreipc/qb/api"
	"github.com/coreipc/qb/ring"
	"github.com/coreipc/qb/wire"
	"golang.org/x/sys/unix"
)

// State is the per-connection state machine:
// INIT -> AUTHENTICATING -> ESTABLISHED -> {DISCONNECTING -> CLOSED}.
type State int32

const (
	StateInit State = iota
	StateAuthenticating
	StateEstablished
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn holds a transport connection's three ring buffers (there is no
// socket-based variant), the negotiated
// maximum message size, credentials captured at accept, the
// flow-control flag and a per-connection user-data slot.
type Conn struct {
	name       string
	sockFD     int
	req        *ring.Ring // client writes, server reads
	resp       *ring.Ring // server writes, client reads
	evt        *ring.Ring // server writes, client reads (may be overwrite mode)
	maxMsgSize uint32
	creds      Credentials

	state atomic.Int32
	flow  atomic.Int32
	seq   atomic.Uint64

	userData atomic.Value
	closeOnce sync.Once
}

// Name is the connection's unique rendezvous name, also the prefix of
// its three ring-buffer backing files.
func (c *Conn) Name() string { return c.name }

// Credentials returns the peer identity captured at accept.
func (c *Conn) Credentials() Credentials { return c.creds }

// State returns the current connection state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// MaxMsgSize returns the negotiated maximum message size: the smaller of
// what the client requested and the server's ceiling, so it may be less
// than requested but never more; Client.BufferSize re-queries this value
// rather than assuming the requested size held.
func (c *Conn) MaxMsgSize() uint32 { return c.maxMsgSize }

// UserData / SetUserData hold a single opaque per-connection pointer
// a single opaque per-connection pointer.
func (c *Conn) UserData() any        { return c.userData.Load() }
func (c *Conn) SetUserData(v any)    { c.userData.Store(v) }

// EnableFlowControl raises the backpressure flag on this Conn value;
// while it is raised, SendRequest on the same Conn fails fast with Again.
// The flag is not carried through the rings, so raising it on the
// server's Conn does not affect the client's Conn.
func (c *Conn) EnableFlowControl()  { c.flow.Store(1) }
func (c *Conn) DisableFlowControl() { c.flow.Store(0) }
func (c *Conn) FlowControlled() bool { return c.flow.Load() != 0 }

func (c *Conn) requireEstablished() error {
	if c.State() != StateEstablished {
		return api.ErrNotConnected
	}
	return nil
}

// SendRequest is the client-side half of the synchronous request/
// response channel.
func (c *Conn) SendRequest(id int32, payload []byte) error {
	if err := c.requireEstablished(); err != nil {
		return err
	}
	if c.FlowControlled() {
		return api.ErrAgain
	}
	frame := wire.EncodeRequest(id, payload)
	if uint32(len(frame)) > c.maxMsgSize {
		return api.ErrTooBig
	}
	_, err := c.req.ChunkWrite(frame)
	return translateRingErr(err)
}

// RecvRequest is the server-side read of the request ring.
func (c *Conn) RecvRequest(msTimeout int) (wire.Request, []byte, error) {
	if err := c.requireEstablished(); err != nil {
		return wire.Request{}, nil, err
	}
	chunk, err := c.req.ChunkPeek(msTimeout)
	if err != nil {
		return wire.Request{}, nil, translateRingErr(err)
	}
	if chunk == nil {
		return wire.Request{}, nil, nil
	}
	req, payload, err := wire.DecodeRequest(chunk)
	c.req.ChunkReclaim()
	if err != nil {
		return wire.Request{}, nil, err
	}
	return req, payload, nil
}

// SendResponse is produced at most once per request.
func (c *Conn) SendResponse(id int32, errCode int32, payload []byte) error {
	if err := c.requireEstablished(); err != nil {
		return err
	}
	frame := wire.EncodeResponse(id, errCode, payload)
	if uint32(len(frame)) > c.maxMsgSize {
		return api.ErrTooBig
	}
	_, err := c.resp.ChunkWrite(frame)
	return translateRingErr(err)
}

// RecvResponse is the client-side blocking read for a response; it MUST
// be atomic against disconnect: if the connection transitions to a
// non-established state while blocked, this returns Disconnected.
func (c *Conn) RecvResponse(msTimeout int) (wire.Response, []byte, error) {
	if err := c.requireEstablished(); err != nil {
		return wire.Response{}, nil, api.ErrDisconnected
	}
	chunk, err := c.resp.ChunkPeek(msTimeout)
	if err != nil {
		return wire.Response{}, nil, translateRingErr(err)
	}
	if c.State() != StateEstablished {
		return wire.Response{}, nil, api.ErrDisconnected
	}
	if chunk == nil {
		return wire.Response{}, nil, nil
	}
	resp, payload, err := wire.DecodeResponse(chunk)
	c.resp.ChunkReclaim()
	if err != nil {
		return wire.Response{}, nil, err
	}
	return resp, payload, nil
}

// SendvRecv performs SendRequest followed by RecvResponse, the common
// combined operation offered by the client runtime.
func (c *Conn) SendvRecv(id int32, payload []byte, msTimeout int) (wire.Response, []byte, error) {
	if err := c.SendRequest(id, payload); err != nil {
		return wire.Response{}, nil, err
	}
	return c.RecvResponse(msTimeout)
}

// eventSeqLen is the monotonically increasing sequence prefix on every
// event, letting a client detect an overwrite-mode drop as a gap.
const eventSeqLen = 8

// SendEvent publishes one event, independent of any request.
func (c *Conn) SendEvent(payload []byte) error {
	if err := c.requireEstablished(); err != nil {
		return err
	}
	seq := c.seq.Add(1)
	buf := make([]byte, eventSeqLen+len(payload))
	binary.LittleEndian.PutUint64(buf[:eventSeqLen], seq)
	copy(buf[eventSeqLen:], payload)
	_, err := c.evt.ChunkWrite(buf)
	return translateRingErr(err)
}

// RecvEvent reads the next event and its sequence number, letting the
// caller detect dropped events as a gap.
func (c *Conn) RecvEvent(msTimeout int) (seq uint64, payload []byte, err error) {
	if err := c.requireEstablished(); err != nil {
		return 0, nil, err
	}
	chunk, err := c.evt.ChunkPeek(msTimeout)
	if err != nil {
		return 0, nil, translateRingErr(err)
	}
	if chunk == nil {
		return 0, nil, nil
	}
	if len(chunk) < eventSeqLen {
		c.evt.ChunkReclaim()
		return 0, nil, api.ErrInvalid
	}
	seq = binary.LittleEndian.Uint64(chunk[:eventSeqLen])
	payload = append([]byte(nil), chunk[eventSeqLen:]...)
	c.evt.ChunkReclaim()
	return seq, payload, nil
}

// EventFD returns the pollable descriptor tied to the event ring's
// notifier, for external event-loop integration: a client polls this fd
// tied to the event ring's notifier rather than busy-waiting.
func (c *Conn) EventFD() int {
	type pollable interface{ AttachPollFD() (int, error) }
	if p, ok := c.evt.Notifier().(pollable); ok {
		fd, err := p.AttachPollFD()
		if err == nil {
			return fd
		}
	}
	return c.evt.Notifier().FD()
}

// RequestFD is the server-side descriptor the Main Loop registers to
// learn when a client has written a new request.
func (c *Conn) RequestFD() int {
	type pollable interface{ AttachPollFD() (int, error) }
	if p, ok := c.req.Notifier().(pollable); ok {
		fd, err := p.AttachPollFD()
		if err == nil {
			return fd
		}
	}
	return c.req.Notifier().FD()
}

// Disconnect is idempotent: it closes the rendezvous socket and all
// three rings exactly once, regardless of how many times or from which
// side it is called.
func (c *Conn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateDisconnecting)
		if c.sockFD >= 0 {
			unix.Close(c.sockFD)
		}
		if c.req != nil {
			c.req.Close()
		}
		if c.resp != nil {
			c.resp.Close()
		}
		if c.evt != nil {
			c.evt.Close()
		}
		c.setState(StateClosed)
	})
	return err
}

func translateRingErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case err == api.ErrNoSpace, err == api.ErrTooBig:
		return err
	default:
		return fmt.Errorf("transport: %w", err)
	}
}
