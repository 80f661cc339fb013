package transport

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/coreipc/qb/ring"
	"github.com/coreipc/qb/wire"
	"golang.org/x/sys/unix"
)

// RingOptions configures the three rings backing every connection.
type RingOptions struct {
	Dir         string
	ReqBytes    int
	RespBytes   int
	EvtBytes    int
	EvtOverwrite bool // events ring reclaims oldest instead of failing the producer's write with NoSpace
}

var connCounter uint64

func nextConnName(serviceName string) string {
	n := atomic.AddUint64(&connCounter, 1)
	return fmt.Sprintf("%s-%d-%d", serviceName, os.Getpid(), n)
}

// authRefusedCode is the response error code sent when Authenticate
// refuses a peer; any nonzero value maps the client's Connect to
// errAuthFailed, so the specific value only matters for wire debugging.
const authRefusedCode int32 = -1

// AcceptOptions configures how a server negotiates a new connection.
type AcceptOptions struct {
	ServiceName string
	MaxMsgSize  uint32 // server-enforced ceiling; may be less than the client requested
	Rings       RingOptions
	// Authenticate, if non-nil, is consulted with the peer's SO_PEERCRED
	// credentials before any ring buffer is allocated. Returning false
	// sends an error response and closes the connection without ever
	// creating rings or returning a *Conn.
	Authenticate func(Credentials) bool
}

// Accept completes the control-plane handshake for one pending
// connection: it captures SO_PEERCRED credentials at accept time, runs
// opt.Authenticate against them, and only then creates the connection's
// three rings and replies with their names. A refused peer never gets a
// ring allocated for it.
func Accept(l *Listener, opt AcceptOptions) (*Conn, error) {
	fd, creds, err := l.Accept()
	if err != nil {
		return nil, err
	}

	var hdr [wire.RequestHeaderSize]byte
	if err := readFull(fd, hdr[:]); err != nil {
		unix.Close(fd)
		return nil, err
	}
	req, _, err := wire.DecodeRequest(hdr[:])
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if req.ID != wire.IDAuthenticate {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: %w: expected AUTHENTICATE, got id=%d", errInvalid, req.ID)
	}
	payload := make([]byte, int(req.Size)-wire.RequestHeaderSize)
	if err := readFull(fd, payload); err != nil {
		unix.Close(fd)
		return nil, err
	}
	requestedMax, err := decodeAuthRequestPayload(payload)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if opt.Authenticate != nil && !opt.Authenticate(creds) {
		_ = writeAll(fd, wire.EncodeResponse(wire.IDAuthenticate, authRefusedCode, nil))
		unix.Close(fd)
		return nil, errAuthFailed
	}

	maxMsgSize := opt.MaxMsgSize
	if maxMsgSize == 0 || requestedMax < maxMsgSize {
		maxMsgSize = requestedMax
	}

	name := nextConnName(opt.ServiceName)
	flags := ring.FlagSharedProcess
	reqRing, err := ring.Open(name+"-req", ring.Options{Dir: opt.Rings.Dir, DataBytes: opt.Rings.ReqBytes, Flags: flags, Create: true})
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: open request ring: %w", err)
	}
	respRing, err := ring.Open(name+"-resp", ring.Options{Dir: opt.Rings.Dir, DataBytes: opt.Rings.RespBytes, Flags: flags, Create: true})
	if err != nil {
		reqRing.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("transport: open response ring: %w", err)
	}
	evtFlags := flags
	if opt.Rings.EvtOverwrite {
		evtFlags |= ring.FlagOverwrite
	}
	evtRing, err := ring.Open(name+"-evt", ring.Options{Dir: opt.Rings.Dir, DataBytes: opt.Rings.EvtBytes, Flags: evtFlags, Create: true})
	if err != nil {
		reqRing.Close()
		respRing.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("transport: open event ring: %w", err)
	}

	reply := encodeHandshakeReply(handshakeReply{
		Name:       name,
		MaxMsgSize: maxMsgSize,
		ReqBytes:   uint32(opt.Rings.ReqBytes),
		RespBytes:  uint32(opt.Rings.RespBytes),
		EvtBytes:   uint32(opt.Rings.EvtBytes),
	})
	ackFrame := wire.EncodeResponse(wire.IDAuthenticate, 0, reply)
	if err := writeAll(fd, ackFrame); err != nil {
		reqRing.Close()
		respRing.Close()
		evtRing.Close()
		unix.Close(fd)
		return nil, err
	}

	c := &Conn{
		name:       name,
		sockFD:     fd,
		req:        reqRing,
		resp:       respRing,
		evt:        evtRing,
		maxMsgSize: maxMsgSize,
		creds:      creds,
	}
	c.setState(StateEstablished)
	return c, nil
}

// ConnectOptions configures a client's handshake.
type ConnectOptions struct {
	ServiceName  string
	RequestedMax uint32
	Rings        RingOptions
}

// Connect performs the client-side handshake against ServiceName's
// rendezvous socket and opens the three rings the server created.
func Connect(opt ConnectOptions) (*Conn, error) {
	fd, err := Dial(opt.ServiceName)
	if err != nil {
		return nil, err
	}

	if err := writeAll(fd, encodeAuthRequest(opt.RequestedMax)); err != nil {
		unix.Close(fd)
		return nil, err
	}

	var hdr [wire.ResponseHeaderSize]byte
	if err := readFull(fd, hdr[:]); err != nil {
		unix.Close(fd)
		return nil, err
	}
	resp, _, err := wire.DecodeResponse(hdr[:])
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if resp.Error != 0 {
		unix.Close(fd)
		return nil, errAuthFailed
	}
	payload := make([]byte, int(resp.Size)-wire.ResponseHeaderSize)
	if err := readFull(fd, payload); err != nil {
		unix.Close(fd)
		return nil, err
	}
	reply, err := decodeHandshakeReply(payload)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	reqRing, err := ring.Open(reply.Name+"-req", ring.Options{Dir: opt.Rings.Dir})
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: open request ring: %w", err)
	}
	respRing, err := ring.Open(reply.Name+"-resp", ring.Options{Dir: opt.Rings.Dir})
	if err != nil {
		reqRing.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("transport: open response ring: %w", err)
	}
	evtRing, err := ring.Open(reply.Name+"-evt", ring.Options{Dir: opt.Rings.Dir})
	if err != nil {
		reqRing.Close()
		respRing.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("transport: open event ring: %w", err)
	}

	c := &Conn{
		name:       reply.Name,
		sockFD:     fd,
		req:        reqRing,
		resp:       respRing,
		evt:        evtRing,
		maxMsgSize: reply.MaxMsgSize,
	}
	c.setState(StateEstablished)
	return c, nil
}
