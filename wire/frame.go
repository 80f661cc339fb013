// Package wire implements the request/response/event header framing:
// two little-endian 32-bit fields (id, size) common to every message,
// 8-byte aligned; responses add a third 32-bit error field. Reserved id
// values (AUTHENTICATE=-1, NEW_EVENT_SOCK=-2, DISCONNECT=-3) are control
// messages; ids >= 0 are user-defined.
//
// Author: coreipc
// License: Apache-2.0
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/coreipc/qb/api"
)

// Reserved request ids.
const (
	IDAuthenticate  int32 = -1
	IDNewEventSock  int32 = -2
	IDDisconnect    int32 = -3
)

// RequestHeaderSize is the 8-byte-aligned {id,size} prefix.
const RequestHeaderSize = 8

// ResponseHeaderSize is the 8-byte-aligned {id,size,error} prefix,
// padded to the next 8-byte boundary.
const ResponseHeaderSize = 16

// Request is the common prefix of every client->server message.
type Request struct {
	ID   int32
	Size uint32 // header + payload, in bytes
}

// Response adds the server's result code to a Request.
type Response struct {
	Request
	Error int32 // 0 = success; negative = errno-like code
}

// EncodeRequest writes header+payload into a freshly allocated buffer.
func EncodeRequest(id int32, payload []byte) []byte {
	size := RequestHeaderSize + len(payload)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	copy(buf[RequestHeaderSize:], payload)
	return buf
}

// DecodeRequest parses a request frame previously produced by
// EncodeRequest (or received from a ring buffer chunk / socket read).
func DecodeRequest(buf []byte) (Request, []byte, error) {
	if len(buf) < RequestHeaderSize {
		return Request{}, nil, fmt.Errorf("wire: %w: request shorter than header", errInvalid)
	}
	id := int32(binary.LittleEndian.Uint32(buf[0:4]))
	size := binary.LittleEndian.Uint32(buf[4:8])
	if int(size) > len(buf) {
		return Request{}, nil, fmt.Errorf("wire: %w: declared size %d exceeds frame length %d", errInvalid, size, len(buf))
	}
	return Request{ID: id, Size: size}, buf[RequestHeaderSize:size], nil
}

// EncodeResponse writes header+payload+error into a freshly allocated buffer.
func EncodeResponse(id int32, errCode int32, payload []byte) []byte {
	size := ResponseHeaderSize + len(payload)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(errCode))
	// bytes [12:16] are padding, left zero.
	copy(buf[ResponseHeaderSize:], payload)
	return buf
}

// DecodeResponse parses a response frame.
func DecodeResponse(buf []byte) (Response, []byte, error) {
	if len(buf) < ResponseHeaderSize {
		return Response{}, nil, fmt.Errorf("wire: %w: response shorter than header", errInvalid)
	}
	id := int32(binary.LittleEndian.Uint32(buf[0:4]))
	size := binary.LittleEndian.Uint32(buf[4:8])
	errCode := int32(binary.LittleEndian.Uint32(buf[8:12]))
	if int(size) > len(buf) {
		return Response{}, nil, fmt.Errorf("wire: %w: declared size %d exceeds frame length %d", errInvalid, size, len(buf))
	}
	return Response{Request: Request{ID: id, Size: size}, Error: errCode}, buf[ResponseHeaderSize:size], nil
}

var errInvalid = api.ErrInvalid
