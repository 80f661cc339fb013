package wire

import (
	"bytes"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	payload := []byte("request payload")
	frame := EncodeRequest(42, payload)

	req, got, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.ID != 42 {
		t.Fatalf("ID = %d, want 42", req.ID)
	}
	if int(req.Size) != len(frame) {
		t.Fatalf("Size = %d, want %d", req.Size, len(frame))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	payload := []byte("response payload")
	frame := EncodeResponse(7, -5, payload)

	resp, got, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.ID != 7 || resp.Error != -5 {
		t.Fatalf("got ID=%d Error=%d, want ID=7 Error=-5", resp.ID, resp.Error)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestDecodeRequestShortHeader(t *testing.T) {
	if _, _, err := DecodeRequest([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding a header shorter than RequestHeaderSize")
	}
}

func TestDecodeRequestDeclaredSizeExceedsFrame(t *testing.T) {
	frame := EncodeRequest(1, []byte("ok"))
	truncated := frame[:len(frame)-1]
	if _, _, err := DecodeRequest(truncated); err == nil {
		t.Fatal("expected error when declared size exceeds the actual frame length")
	}
}

func TestEncodeResponsePaddingIsZero(t *testing.T) {
	frame := EncodeResponse(1, 0, nil)
	if len(frame) != ResponseHeaderSize {
		t.Fatalf("len = %d, want %d", len(frame), ResponseHeaderSize)
	}
	if frame[12] != 0 || frame[13] != 0 || frame[14] != 0 || frame[15] != 0 {
		t.Fatalf("expected zero padding bytes, got %v", frame[12:16])
	}
}
