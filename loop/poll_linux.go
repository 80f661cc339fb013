//go:build linux

package loop

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreipc/qb/api"
	"golang.org/x/sys/unix"
)

// PollEvent mirrors the readiness bits a registered callback can act on.
type PollEvent uint32

const (
	PollIn  PollEvent = 1 << iota
	PollOut
	PollErr
	PollHup
)

const maxPollEvents = 128

// lowFDWatermark is the poll-set capacity the low-fds check measures
// against: available slots are lowFDWatermark minus the number of
// registered descriptors, and the low-fds callback fires when that falls
// below the threshold given to SetLowFDsCallback.
const lowFDWatermark = 32

type pollReg struct {
	priority api.Priority
	cb       func(PollEvent)
}

// pollSet wraps one epoll instance plus a private eventfd used only to
// interrupt a blocked epoll_wait when a job, timer or registration
// change needs the loop's attention before its current timeout expires.
type pollSet struct {
	epfd    int
	wakeFD  int
	mu      sync.Mutex
	regs    map[int]*pollReg
	loop    *Loop
}

func newPollSet() (*pollSet, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loop: epoll_create1: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("loop: eventfd: %w", err)
	}
	ps := &pollSet{epfd: epfd, wakeFD: wfd, regs: make(map[int]*pollReg)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}); err != nil {
		unix.Close(epfd)
		unix.Close(wfd)
		return nil, fmt.Errorf("loop: epoll_ctl add wake fd: %w", err)
	}
	return ps, nil
}

func (p *pollSet) wake() {
	var buf [8]byte
	buf[7] = 1
	unix.Write(p.wakeFD, buf[:])
}

func (p *pollSet) add(fd int, pr api.Priority, cb func(PollEvent)) error {
	p.mu.Lock()
	p.regs[fd] = &pollReg{priority: pr, cb: cb}
	n := len(p.regs)
	p.mu.Unlock()
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("loop: epoll_ctl add: %w", err)
	}
	p.maybeWarnLowFDs(n)
	return nil
}

func (p *pollSet) mod(fd int, pr api.Priority, cb func(PollEvent)) error {
	p.mu.Lock()
	reg, ok := p.regs[fd]
	if !ok {
		p.mu.Unlock()
		return api.ErrBadFd
	}
	reg.priority = pr
	reg.cb = cb
	p.mu.Unlock()
	return nil
}

func (p *pollSet) del(fd int) error {
	p.mu.Lock()
	delete(p.regs, fd)
	p.mu.Unlock()
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("loop: epoll_ctl del: %w", err)
	}
	return nil
}

func (p *pollSet) maybeWarnLowFDs(registered int) {
	if p.loop == nil || p.loop.lowFDsCallback == nil {
		return
	}
	available := lowFDWatermark - registered
	if available < p.loop.lowFDThreshold {
		p.loop.lowFDsCallback(available)
	}
}

func (p *pollSet) wait(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	var events [maxPollEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("loop: epoll_wait: %w", err)
	}
	// Dispatch ready descriptors highest priority first; within a
	// priority, in the order epoll_wait reported them.
	order := make([]int, 0, n)
	p.mu.Lock()
	for pr := api.PriorityHigh; pr >= api.PriorityLow; pr-- {
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			reg, ok := p.regs[fd]
			if (fd == p.wakeFD && pr == api.PriorityHigh) || (ok && reg.priority == pr) {
				order = append(order, i)
			}
		}
	}
	p.mu.Unlock()
	for _, i := range order {
		ev := events[i]
		fd := int(ev.Fd)
		if fd == p.wakeFD {
			var buf [8]byte
			unix.Read(p.wakeFD, buf[:])
			continue
		}
		p.mu.Lock()
		reg, ok := p.regs[fd]
		p.mu.Unlock()
		if !ok {
			continue
		}
		var e PollEvent
		if ev.Events&unix.EPOLLIN != 0 {
			e |= PollIn
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			e |= PollOut
		}
		if ev.Events&unix.EPOLLERR != 0 {
			e |= PollErr
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			e |= PollHup
		}
		func() {
			defer func() { _ = recover() }()
			reg.cb(e)
		}()
	}
	return nil
}

func (p *pollSet) Close() error {
	unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}
