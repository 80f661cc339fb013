package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/coreipc/qb/wire"
)

const nameFieldLen = 64

// handshakeReply is the control-plane payload sent over the rendezvous
// socket once authentication succeeds: the three ring-buffer names and
// the negotiated maximum message size (possibly lowered to the server's
// ceiling). See DESIGN.md for why a client re-queries this value rather
// than assuming its requested size was honored.
type handshakeReply struct {
	Name       string
	MaxMsgSize uint32
	ReqBytes   uint32
	RespBytes  uint32
	EvtBytes   uint32
}

func encodeHandshakeReply(h handshakeReply) []byte {
	buf := make([]byte, nameFieldLen+4*4)
	copy(buf[:nameFieldLen], h.Name)
	binary.LittleEndian.PutUint32(buf[nameFieldLen:], h.MaxMsgSize)
	binary.LittleEndian.PutUint32(buf[nameFieldLen+4:], h.ReqBytes)
	binary.LittleEndian.PutUint32(buf[nameFieldLen+8:], h.RespBytes)
	binary.LittleEndian.PutUint32(buf[nameFieldLen+12:], h.EvtBytes)
	return buf
}

func decodeHandshakeReply(buf []byte) (handshakeReply, error) {
	if len(buf) < nameFieldLen+16 {
		return handshakeReply{}, fmt.Errorf("transport: %w: short handshake reply", errInvalid)
	}
	nameEnd := 0
	for nameEnd < nameFieldLen && buf[nameEnd] != 0 {
		nameEnd++
	}
	return handshakeReply{
		Name:       string(buf[:nameEnd]),
		MaxMsgSize: binary.LittleEndian.Uint32(buf[nameFieldLen:]),
		ReqBytes:   binary.LittleEndian.Uint32(buf[nameFieldLen+4:]),
		RespBytes:  binary.LittleEndian.Uint32(buf[nameFieldLen+8:]),
		EvtBytes:   binary.LittleEndian.Uint32(buf[nameFieldLen+12:]),
	}, nil
}

// encodeAuthRequest is the client's IDAuthenticate request: its
// requested maximum message size as a 4-byte payload.
func encodeAuthRequest(requestedMax uint32) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, requestedMax)
	return wire.EncodeRequest(wire.IDAuthenticate, payload)
}

func decodeAuthRequestPayload(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("transport: %w: short auth request", errInvalid)
	}
	return binary.LittleEndian.Uint32(payload), nil
}
