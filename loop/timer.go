package loop

import (
	"time"

	"github.com/coreipc/qb/api"
)

type timerEntry struct {
	id       TimerID
	priority api.Priority
	expiry   time.Time
	fn       Job
}

// timerHeap is a container/heap min-heap ordered by expiry time.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
