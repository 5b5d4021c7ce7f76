package queue

import (
	"container/heap"
	"math"
	"time"
)

type entry struct {
	job   Job
	seq   uint64
	runAt time.Time
}

func rank(priority int) int {
	if priority <= 0 {
		return math.MaxInt
	}
	return priority
}

// readyHeap orders waiting jobs by priority rank, then FIFO.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	ri, rj := rank(h[i].job.Priority), rank(h[j].job.Priority)
	if ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayHeap orders delayed jobs by due time.
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].runAt.Equal(h[j].runAt) {
		return h[i].runAt.Before(h[j].runAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// promote moves every delayed entry due at now into ready and returns the
// next pending due time (zero when nothing is delayed).
func promote(ready *readyHeap, delayed *delayHeap, now time.Time) time.Time {
	for delayed.Len() > 0 {
		next := (*delayed)[0]
		if next.runAt.After(now) {
			return next.runAt
		}
		heap.Pop(delayed)
		heap.Push(ready, next)
	}
	return time.Time{}
}
