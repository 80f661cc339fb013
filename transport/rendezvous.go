// Package transport implements a named IPC channel: a rendezvous Unix
// socket used only for connect/authenticate/disconnect control messages,
// backing three shared-memory ring buffers (request, response, event)
// negotiated at accept time.
//
// Author: coreipc
// License: Apache-2.0
package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SentinelPath, if it exists, forces rendezvous sockets onto a filesystem
// path instead of the Linux abstract namespace. It is checked each time a
// rendezvous address is computed (Listen, Dial, Listener.Close), not
// once at process start.
var SentinelPath = "/etc/qb/force-fs-sockets"

// RuntimeDir is where filesystem-path rendezvous sockets and ring buffer
// backing files are created.
var RuntimeDir = "/var/run/qb"

func useAbstractNamespace() bool {
	if _, err := os.Stat(SentinelPath); err == nil {
		return false
	}
	return true
}

func socketAddr(serviceName string) unix.Sockaddr {
	if useAbstractNamespace() {
		return &unix.SockaddrUnix{Name: "\x00qb-" + serviceName}
	}
	return &unix.SockaddrUnix{Name: fmt.Sprintf("%s/qb-%s", RuntimeDir, serviceName)}
}

// Listener is the server-side rendezvous socket.
type Listener struct {
	fd          int
	serviceName string
}

// Listen creates the rendezvous socket for serviceName.
func Listen(serviceName string) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}
	addr := socketAddr(serviceName)
	if su, ok := addr.(*unix.SockaddrUnix); ok && len(su.Name) > 0 && su.Name[0] != 0 {
		os.MkdirAll(RuntimeDir, 0o755)
		os.Remove(su.Name)
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind: %w", err)
	}
	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &Listener{fd: fd, serviceName: serviceName}, nil
}

// FD exposes the listening descriptor for Main Loop registration; the
// service registers it with the loop at medium priority.
func (l *Listener) FD() int { return l.fd }

// Credentials captures the caller's identity at accept time via
// SO_PEERCRED, never trusting a payload-declared identity.
type Credentials struct {
	UID uint32
	GID uint32
	PID int32
}

// Accept accepts one pending connection and reads its peer credentials.
func (l *Listener) Accept() (fd int, creds Credentials, err error) {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, Credentials{}, fmt.Errorf("transport: accept: %w", err)
	}
	ucred, err := unix.GetsockoptUcred(nfd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		unix.Close(nfd)
		return -1, Credentials{}, fmt.Errorf("transport: SO_PEERCRED: %w", err)
	}
	return nfd, Credentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}

// Close closes the rendezvous socket and, for filesystem-path sockets,
// unlinks the path.
func (l *Listener) Close() error {
	addr := socketAddr(l.serviceName)
	if su, ok := addr.(*unix.SockaddrUnix); ok && len(su.Name) > 0 && su.Name[0] != 0 {
		defer os.Remove(su.Name)
	}
	return unix.Close(l.fd)
}

// Dial connects to serviceName's rendezvous socket (client side).
func Dial(serviceName string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("transport: socket: %w", err)
	}
	if err := unix.Connect(fd, socketAddr(serviceName)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: connect: %w", err)
	}
	return fd, nil
}
