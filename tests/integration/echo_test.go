// Package integration exercises transport, server and client together
// across a real rendezvous socket and shared-memory rings, rather than
// mocking any layer.
package integration

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/coreipc/qb/transport"
)

func ringDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return dir
}

func testRingOptions(dir string) transport.RingOptions {
	return transport.RingOptions{
		Dir:          dir,
		ReqBytes:     16 * 1024,
		RespBytes:    16 * 1024,
		EvtBytes:     16 * 1024,
		EvtOverwrite: true,
	}
}

func uniqueServiceName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("qb-test-%d-%d", os.Getpid(), time.Now().UnixNano())
}

// TestRequestResponseRoundTrip exercises scenario 1: a client sends one
// request and receives the server's echoed response.
func TestRequestResponseRoundTrip(t *testing.T) {
	name := uniqueServiceName(t)
	dir := ringDir(t)
	transport.RuntimeDir = dir

	l, err := transport.Listen(name)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := transport.Accept(l, transport.AcceptOptions{
			ServiceName: name,
			MaxMsgSize:  1 << 16,
			Rings:       testRingOptions(dir),
		})
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Disconnect()

		req, payload, err := conn.RecvRequest(2000)
		if err != nil {
			serverDone <- err
			return
		}
		if err := conn.SendResponse(req.ID, 0, payload); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	client, err := transport.Connect(transport.ConnectOptions{
		ServiceName:  name,
		RequestedMax: 1 << 16,
		Rings:        testRingOptions(dir),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	resp, payload, err := client.SendvRecv(7, []byte("ping"), 2000)
	if err != nil {
		t.Fatalf("SendvRecv: %v", err)
	}
	if resp.ID != 7 || resp.Error != 0 {
		t.Fatalf("unexpected response header: %+v", resp)
	}
	if string(payload) != "ping" {
		t.Fatalf("payload = %q, want %q", payload, "ping")
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}

// TestEventDelivery exercises scenario: the server pushes an event
// independent of any request, and the client receives it with a
// monotonically increasing sequence number.
func TestEventDelivery(t *testing.T) {
	name := uniqueServiceName(t)
	dir := ringDir(t)
	transport.RuntimeDir = dir

	l, err := transport.Listen(name)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	serverReady := make(chan *transport.Conn, 1)
	serverDone := make(chan error, 1)
	go func() {
		conn, err := transport.Accept(l, transport.AcceptOptions{
			ServiceName: name,
			MaxMsgSize:  1 << 16,
			Rings:       testRingOptions(dir),
		})
		if err != nil {
			serverDone <- err
			return
		}
		serverReady <- conn
		for i := 0; i < 3; i++ {
			if err := conn.SendEvent([]byte(fmt.Sprintf("evt-%d", i))); err != nil {
				serverDone <- err
				return
			}
		}
		serverDone <- nil
	}()

	client, err := transport.Connect(transport.ConnectOptions{
		ServiceName:  name,
		RequestedMax: 1 << 16,
		Rings:        testRingOptions(dir),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	conn := <-serverReady
	defer conn.Disconnect()

	var lastSeq uint64
	for i := 0; i < 3; i++ {
		seq, payload, err := client.RecvEvent(2000)
		if err != nil {
			t.Fatalf("RecvEvent: %v", err)
		}
		if payload == nil {
			t.Fatalf("RecvEvent timed out waiting for event %d", i)
		}
		if seq <= lastSeq {
			t.Fatalf("sequence did not increase: got %d after %d", seq, lastSeq)
		}
		lastSeq = seq
		want := fmt.Sprintf("evt-%d", i)
		if string(payload) != want {
			t.Fatalf("payload = %q, want %q", payload, want)
		}
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}

// TestDisconnectIsIdempotent exercises calling Disconnect twice on both
// ends of a connection, which must be a safe no-op the second time.
func TestDisconnectIsIdempotent(t *testing.T) {
	name := uniqueServiceName(t)
	dir := ringDir(t)
	transport.RuntimeDir = dir

	l, err := transport.Listen(name)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	clientConnected := make(chan struct{})
	serverDone := make(chan error, 1)
	go func() {
		conn, err := transport.Accept(l, transport.AcceptOptions{
			ServiceName: name,
			MaxMsgSize:  1 << 16,
			Rings:       testRingOptions(dir),
		})
		if err != nil {
			serverDone <- err
			return
		}
		// Disconnecting before the client has opened the rings would
		// unlink their files out from under its Connect.
		<-clientConnected
		conn.Disconnect()
		conn.Disconnect() // idempotent: must not panic or double-close
		serverDone <- nil
	}()

	client, err := transport.Connect(transport.ConnectOptions{
		ServiceName:  name,
		RequestedMax: 1 << 16,
		Rings:        testRingOptions(dir),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	close(clientConnected)
	client.Disconnect()
	client.Disconnect()

	if err := <-serverDone; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}
