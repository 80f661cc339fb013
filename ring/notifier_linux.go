//go:build linux

// Notifier backends for the ring buffer's wakeup primitive.
//
// The notifier handle in the ring header is, on Linux, an inline futex
// word living inside the shared header itself. A futex wait/wake on a
// shared-memory address works identically whether the two ends are
// threads in one process or two processes that mmap the same file, so
// FlagSharedThread and FlagSharedProcess share this one implementation;
// only FlagNoSemaphore changes behavior to a pure busy-poll counter that
// must be driven externally.
//
// Author: coreipc
// License: Apache-2.0
package ring

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// futexNotifier posts/waits on a *uint32 living in shared memory.
type futexNotifier struct {
	word *uint32 // shared futex word (inside the ring header)
	aux  int     // auxiliary eventfd for poll() integration, -1 if unused
}

func newFutexNotifier(word *uint32) *futexNotifier {
	return &futexNotifier{word: word, aux: -1}
}

// Post increments the futex word and wakes one waiter, plus signals the
// auxiliary eventfd if one has been attached for poll-set integration.
func (n *futexNotifier) Post() error {
	atomic.AddUint32(n.word, 1)
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(n.word)),
		uintptr(unix.FUTEX_WAKE), 1, 0, 0, 0)
	if errno != 0 && errno != unix.EAGAIN {
		return errno
	}
	if n.aux >= 0 {
		var buf [8]byte
		buf[0] = 1
		unix.Write(n.aux, buf[:])
	}
	return nil
}

// Wait blocks until Post() is called or ms milliseconds elapse.
// ms < 0 blocks indefinitely; ms == 0 polls once without blocking.
func (n *futexNotifier) Wait(ms int) (bool, error) {
	start := atomic.LoadUint32(n.word)
	if ms == 0 {
		return false, nil
	}
	var ts *unix.Timespec
	if ms > 0 {
		d := time.Duration(ms) * time.Millisecond
		t := unix.NsecToTimespec(d.Nanoseconds())
		ts = &t
	}
	for {
		cur := atomic.LoadUint32(n.word)
		if cur != start {
			return true, nil
		}
		var tsPtr uintptr
		if ts != nil {
			tsPtr = uintptr(unsafe.Pointer(ts))
		}
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(n.word)),
			uintptr(unix.FUTEX_WAIT), uintptr(cur), tsPtr, 0, 0)
		if errno == unix.ETIMEDOUT {
			return false, nil
		}
		if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
			return false, errno
		}
		after := atomic.LoadUint32(n.word)
		if after != start {
			return true, nil
		}
		if ms > 0 {
			// futex honored the absolute wait once; a spurious EAGAIN/EINTR
			// with no change in the word and a relative timeout means we
			// must not block again indefinitely — report timeout.
			return false, nil
		}
	}
}

// AttachPollFD lazily creates an eventfd so this notifier's Post() also
// becomes visible to an epoll-based Loop.
func (n *futexNotifier) AttachPollFD() (int, error) {
	if n.aux >= 0 {
		return n.aux, nil
	}
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	n.aux = fd
	return fd, nil
}

func (n *futexNotifier) FD() int { return n.aux }

func (n *futexNotifier) Close() error {
	if n.aux >= 0 {
		return unix.Close(n.aux)
	}
	return nil
}

// noWaitNotifier implements FlagNoSemaphore: Post is a pure counter bump,
// Wait never blocks and must be driven by an external poll loop.
type noWaitNotifier struct{ word *uint32 }

func newNoWaitNotifier(word *uint32) *noWaitNotifier { return &noWaitNotifier{word: word} }

func (n *noWaitNotifier) Post() error                  { atomic.AddUint32(n.word, 1); return nil }
func (n *noWaitNotifier) Wait(ms int) (bool, error)    { return false, nil }
func (n *noWaitNotifier) FD() int                      { return -1 }
func (n *noWaitNotifier) Close() error                 { return nil }
