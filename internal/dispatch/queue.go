// Package dispatch moves jobs through their lifecycle: queueing, agent
// selection, assignment, ack/progress/result handling, retry and timeout.
package dispatch

import (
	"container/heap"
	"sort"
	"time"

	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// queueItem is one pending job in the ready queue.
type queueItem struct {
	jobID     string
	priority  int
	createdAt time.Time
	notBefore time.Time // zero when the job is immediately ready
	index     int
}

// jobHeap orders by (priority desc, createdAt asc, jobId asc).
type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].jobID < h[j].jobID
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// readyQueue is the ordered view of pending jobs. Jobs awaiting a retry
// backoff carry a notBefore gate and are skipped until it passes. Not
// goroutine-safe; the dispatcher serializes access.
type readyQueue struct {
	heap    jobHeap
	byID    map[string]*queueItem
	maxSize int
}

func newReadyQueue(maxSize int) *readyQueue {
	return &readyQueue{
		byID:    make(map[string]*queueItem),
		maxSize: maxSize,
	}
}

// Push enqueues a job. Re-pushing an already queued job updates its gate.
func (q *readyQueue) Push(job *v1.Job) bool {
	if item, ok := q.byID[job.ID]; ok {
		if job.NotBefore != nil {
			item.notBefore = *job.NotBefore
		} else {
			item.notBefore = time.Time{}
		}
		heap.Fix(&q.heap, item.index)
		return true
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return false
	}
	item := &queueItem{
		jobID:     job.ID,
		priority:  job.Priority,
		createdAt: job.CreatedAt,
	}
	if job.NotBefore != nil {
		item.notBefore = *job.NotBefore
	}
	heap.Push(&q.heap, item)
	q.byID[job.ID] = item
	return true
}

// Remove drops a job from the queue if present.
func (q *readyQueue) Remove(jobID string) {
	item, ok := q.byID[jobID]
	if !ok {
		return
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, jobID)
}

// Len returns the number of queued jobs, gated or not.
func (q *readyQueue) Len() int { return len(q.heap) }

// Ready returns queued job ids whose backoff gate has passed, in selection
// order. The queue is not modified; callers Remove ids they assign.
func (q *readyQueue) Ready(now time.Time) []string {
	ready := make([]*queueItem, 0, len(q.heap))
	for _, item := range q.heap {
		if item.notBefore.IsZero() || !item.notBefore.After(now) {
			ready = append(ready, item)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return a.jobID < b.jobID
	})
	out := make([]string, len(ready))
	for i, item := range ready {
		out[i] = item.jobID
	}
	return out
}

// NextGate returns the earliest pending backoff gate, or zero when none is
// gated. The dispatcher uses it to arm its wake timer.
func (q *readyQueue) NextGate(now time.Time) time.Time {
	var next time.Time
	for _, item := range q.heap {
		if item.notBefore.IsZero() || !item.notBefore.After(now) {
			continue
		}
		if next.IsZero() || item.notBefore.Before(next) {
			next = item.notBefore
		}
	}
	return next
}
