package transcript

import "sync"

// Queue is an unbounded FIFO of normalized transcripts. The listener loop
// enqueues, the dispatcher drains. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []Normalized
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends n to the tail of the queue.
func (q *Queue) Enqueue(n Normalized) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, n)
}

// DrainNewest empties the queue and returns the most recently enqueued
// transcript. superseded is the number of older items discarded in the same
// drain. ok is false when the queue was empty.
func (q *Queue) DrainNewest() (newest Normalized, superseded int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Normalized{}, 0, false
	}
	newest = q.items[len(q.items)-1]
	superseded = len(q.items) - 1
	q.items = q.items[:0]
	return newest, superseded, true
}

// Len reports the number of queued transcripts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
