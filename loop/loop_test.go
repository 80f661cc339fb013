package loop

import (
	"testing"
	"time"

	"github.com/coreipc/qb/api"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestJobPriorityOrdering(t *testing.T) {
	l := newTestLoop(t)

	var order []string
	l.JobAdd(api.PriorityLow, func() { order = append(order, "low") })
	l.JobAdd(api.PriorityHigh, func() { order = append(order, "high") })
	l.JobAdd(api.PriorityMed, func() { order = append(order, "med") })
	l.JobAdd(api.PriorityHigh, func() {
		order = append(order, "high2")
		l.Stop()
	})

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"high", "high2", "med", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTimerFires(t *testing.T) {
	l := newTestLoop(t)

	fired := false
	l.TimerAdd(10*time.Millisecond, api.PriorityMed, func() {
		fired = true
		l.Stop()
	})

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired within 2s")
	}
	if !fired {
		t.Fatal("timer callback did not run")
	}
}

func TestTimerDelCancelsBeforeFire(t *testing.T) {
	l := newTestLoop(t)

	fired := false
	id := l.TimerAdd(50*time.Millisecond, api.PriorityMed, func() { fired = true })
	if !l.TimerDel(id) {
		t.Fatal("TimerDel reported the timer was not pending")
	}

	l.JobAdd(api.PriorityLow, func() { l.Stop() })
	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never stopped")
	}
	if fired {
		t.Fatal("cancelled timer fired anyway")
	}
}
