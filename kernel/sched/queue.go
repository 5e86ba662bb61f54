package sched

import "sync"

// runQueue is the global FIFO of ready threads. Any hart may push or pop.
type runQueue struct {
	mu    sync.Mutex
	items []*Thread
	head  int
}

func (q *runQueue) push(t *Thread) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

// pop returns the oldest ready thread or nil if the queue is empty.
func (q *runQueue) pop() *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return nil
	}

	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// Compact once the consumed prefix dominates the backing array.
	if q.head == len(q.items) {
		q.items, q.head = q.items[:0], 0
	} else if q.head > 32 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items, q.head = q.items[:n], 0
	}
	return t
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
