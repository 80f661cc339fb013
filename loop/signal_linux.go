//go:build linux

package loop

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/coreipc/qb/api"
	"golang.org/x/sys/unix"
)

// signalTable delivers OS signals into the loop via a self-pipe: a
// goroutine parked on signal.Notify writes the signal number to a pipe
// whose read end is registered with the poll set, so handlers run on the loop
// goroutine instead of on Go's internal signal-delivery goroutine.
type signalTable struct {
	mu       sync.Mutex
	pipeR    int
	pipeW    int
	handlers map[int]func()
	pending  chan os.Signal
	done     chan struct{}
}

func newSignalTable(ps *pollSet) (*signalTable, error) {
	fds, err := unixPipe2()
	if err != nil {
		return nil, fmt.Errorf("loop: signal self-pipe: %w", err)
	}
	st := &signalTable{
		pipeR:    fds[0],
		pipeW:    fds[1],
		handlers: make(map[int]func()),
		pending:  make(chan os.Signal, 16),
		done:     make(chan struct{}),
	}
	go st.relay()
	if err := ps.add(st.pipeR, api.PriorityHigh, st.onReadable); err != nil {
		st.close()
		return nil, err
	}
	return st, nil
}

func unixPipe2() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fds, err
	}
	return fds, nil
}

// relay forwards signal.Notify deliveries into the self-pipe; it is the
// only goroutine that writes to the pipe (add calls signal.Notify from
// the caller's goroutine).
func (st *signalTable) relay() {
	for {
		select {
		case sig := <-st.pending:
			var buf [1]byte
			buf[0] = byte(signalNumber(sig))
			unix.Write(st.pipeW, buf[:])
		case <-st.done:
			return
		}
	}
}

func (st *signalTable) onReadable(PollEvent) {
	var buf [64]byte
	n, err := unix.Read(st.pipeR, buf[:])
	if err != nil || n == 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := 0; i < n; i++ {
		if cb, ok := st.handlers[int(buf[i])]; ok {
			cb()
		}
	}
}

// add registers cb to run whenever signum is delivered. p is not used:
// every signal callback runs from the dispatch of the self-pipe fd,
// which is registered at api.PriorityHigh.
func (st *signalTable) add(signum int, p api.Priority, cb func()) error {
	st.mu.Lock()
	_, already := st.handlers[signum]
	st.handlers[signum] = cb
	st.mu.Unlock()
	if !already {
		signal.Notify(st.pending, syscall.Signal(signum))
	}
	return nil
}

// mod replaces the callback registered for signum without touching its
// OS-level signal.Notify registration; signum must already be registered.
func (st *signalTable) mod(signum int, p api.Priority, cb func()) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.handlers[signum]; !ok {
		return fmt.Errorf("loop: signal %d not registered", signum)
	}
	st.handlers[signum] = cb
	return nil
}

func (st *signalTable) del(signum int) error {
	st.mu.Lock()
	delete(st.handlers, signum)
	st.mu.Unlock()
	signal.Reset(syscall.Signal(signum))
	return nil
}

func (st *signalTable) close() {
	select {
	case <-st.done:
	default:
		close(st.done)
	}
	unix.Close(st.pipeR)
	unix.Close(st.pipeW)
}

func signalNumber(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 0
}
