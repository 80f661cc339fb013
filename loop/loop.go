// Package loop implements a single-threaded, priority-driven, poll-based
// event loop: three FIFO job queues (low/med/high), a timer min-heap, an
// epoll poll set and a signal self-pipe, all drained from one goroutine
// per Run call.
//
// Author: coreipc
// License: Apache-2.0
package loop

import (
	"container/heap"
	"sync"
	"time"

	"github.com/coreipc/qb/api"
	"github.com/eapache/queue"
)

// Job is a unit of work scheduled on one of the loop's priority queues.
type Job func()

// JobID identifies one scheduled job for JobDel.
type JobID uint64

// jobEntry pairs a Job with the id JobDel matches against; the queue
// stores these rather than bare Job values since func values aren't
// comparable in Go.
type jobEntry struct {
	id JobID
	fn Job
}

// jobQueues holds one FIFO per priority band.
type jobQueues [api.NumPriorities]*queue.Queue

func newJobQueues() jobQueues {
	var q jobQueues
	for i := range q {
		q[i] = queue.New()
	}
	return q
}

// Loop is a single-threaded reactor: callers from any goroutine may
// enqueue jobs, timers or poll registrations; only Run's goroutine ever
// dequeues and invokes them.
type Loop struct {
	mu      sync.Mutex
	jobs    jobQueues
	nextJobID uint64
	timers  timerHeap
	nextTimerID uint64
	poll    *pollSet
	signals *signalTable
	stop    chan struct{}
	stopped bool

	// lowFDsCallback fires whenever the poll set reports it is within
	// lowFDThreshold descriptors of its internal capacity, so a caller
	// can shed load before the process runs out of file descriptors.
	lowFDsCallback func(available int)
	lowFDThreshold int
}

// New creates a Loop backed by an epoll poll set and a self-pipe signal
// table.
func New() (*Loop, error) {
	ps, err := newPollSet()
	if err != nil {
		return nil, err
	}
	st, err := newSignalTable(ps)
	if err != nil {
		ps.Close()
		return nil, err
	}
	l := &Loop{
		jobs:    newJobQueues(),
		poll:    ps,
		signals: st,
		stop:    make(chan struct{}),
	}
	ps.loop = l
	heap.Init(&l.timers)
	return l, nil
}

// JobAdd enqueues fn to run at the given priority on the next loop
// iteration that drains that band, returning an id JobDel can use to
// cancel it before it runs.
func (l *Loop) JobAdd(p api.Priority, fn Job) JobID {
	l.mu.Lock()
	l.nextJobID++
	id := JobID(l.nextJobID)
	l.jobs[p].Add(&jobEntry{id: id, fn: fn})
	l.mu.Unlock()
	l.poll.wake()
	return id
}

// JobDel removes the first (and, since every id is unique, only) job
// matching id from priority band p's queue, preserving the relative
// order of everything else still pending. It reports whether a job was
// found and removed.
func (l *Loop) JobDel(p api.Priority, id JobID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.jobs[p]
	n := q.Length()
	found := false
	next := queue.New()
	for i := 0; i < n; i++ {
		e := q.Remove().(*jobEntry)
		if !found && e.id == id {
			found = true
			continue
		}
		next.Add(e)
	}
	l.jobs[p] = next
	return found
}

// SetLowFDsCallback registers a callback invoked when fewer than
// threshold poll slots remain available.
func (l *Loop) SetLowFDsCallback(threshold int, cb func(available int)) {
	l.mu.Lock()
	l.lowFDThreshold = threshold
	l.lowFDsCallback = cb
	l.mu.Unlock()
}

// PollAdd registers fd for read-readiness at priority p; cb is invoked
// from the loop goroutine whenever fd becomes readable or errors.
func (l *Loop) PollAdd(fd int, p api.Priority, cb func(events PollEvent)) error {
	return l.poll.add(fd, p, cb)
}

// PollMod changes the priority or callback registered for fd.
func (l *Loop) PollMod(fd int, p api.Priority, cb func(events PollEvent)) error {
	return l.poll.mod(fd, p, cb)
}

// PollDel unregisters fd.
func (l *Loop) PollDel(fd int) error {
	return l.poll.del(fd)
}

// SignalAdd registers a handler for signum; see signal_linux.go for the
// self-pipe implementation that keeps the handler itself async-signal-
// free.
func (l *Loop) SignalAdd(signum int, p api.Priority, cb func()) error {
	return l.signals.add(signum, p, cb)
}

// SignalMod replaces the callback registered for signum; signum must
// already be registered via SignalAdd.
func (l *Loop) SignalMod(signum int, p api.Priority, cb func()) error {
	return l.signals.mod(signum, p, cb)
}

// SignalDel removes a previously registered signal handler.
func (l *Loop) SignalDel(signum int) error {
	return l.signals.del(signum)
}

// TimerID identifies a scheduled timer for TimerDel/TimerIsRunning.
type TimerID uint64

// TimerAdd schedules fn to run once after d elapses. p is recorded with
// the timer, but due timers run in deadline order regardless of it.
func (l *Loop) TimerAdd(d time.Duration, p api.Priority, fn Job) TimerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextTimerID++
	id := TimerID(l.nextTimerID)
	heap.Push(&l.timers, &timerEntry{
		id:       id,
		priority: p,
		expiry:   monotonicNow().Add(d),
		fn:       fn,
	})
	l.poll.wake()
	return id
}

// TimerDel cancels a pending timer; it is a no-op if the timer already
// fired or was never added.
func (l *Loop) TimerDel(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.timers {
		if t.id == id {
			heap.Remove(&l.timers, i)
			return true
		}
	}
	return false
}

// TimerIsRunning reports whether id is still pending.
func (l *Loop) TimerIsRunning(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.timers {
		if t.id == id {
			return true
		}
	}
	return false
}

// TimerExpireTimeGet returns the remaining duration until id fires, or
// false if id is unknown.
func (l *Loop) TimerExpireTimeGet(id TimerID) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.timers {
		if t.id == id {
			return time.Until(t.expiry), true
		}
	}
	return 0, false
}

// Stop requests Run to return after its current iteration.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.stop)
	}
	l.mu.Unlock()
	l.poll.wake()
}

// Close releases the poll set and signal table. Call only after Run has
// returned.
func (l *Loop) Close() error {
	l.signals.close()
	return l.poll.Close()
}

// jobBatchSize bounds how many jobs of one priority band run per
// iteration before the loop re-checks higher-priority work and the poll
// set, preventing a flood of low-priority jobs from starving I/O.
const jobBatchSize = 16

// Run drains timers, polls fds and dispatches jobs until Stop is called.
// It must run on the goroutine the caller intends to dedicate to the
// loop (see adapters/affinity for pinning that goroutine's OS thread).
func (l *Loop) Run() error {
	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		ran := l.runDueTimers()
		ran = l.runJobBatch(api.PriorityHigh) || ran
		ran = l.runJobBatch(api.PriorityMed) || ran
		ran = l.runJobBatch(api.PriorityLow) || ran

		timeout := l.nextTimeout(ran)
		if err := l.poll.wait(timeout); err != nil {
			return err
		}
	}
}

func (l *Loop) nextTimeout(ranSomething bool) time.Duration {
	if ranSomething {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timers.Len() == 0 {
		return -1
	}
	d := time.Until(l.timers[0].expiry)
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) runDueTimers() bool {
	ran := false
	now := monotonicNow()
	for {
		l.mu.Lock()
		if l.timers.Len() == 0 || l.timers[0].expiry.After(now) {
			l.mu.Unlock()
			break
		}
		t := heap.Pop(&l.timers).(*timerEntry)
		l.mu.Unlock()
		t.fn()
		ran = true
	}
	return ran
}

func (l *Loop) runJobBatch(p api.Priority) bool {
	ran := false
	for i := 0; i < jobBatchSize; i++ {
		l.mu.Lock()
		if l.jobs[p].Length() == 0 {
			l.mu.Unlock()
			break
		}
		e := l.jobs[p].Remove().(*jobEntry)
		l.mu.Unlock()
		e.fn()
		ran = true
	}
	return ran
}

func monotonicNow() time.Time { return time.Now() }
