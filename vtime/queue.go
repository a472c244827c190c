package vtime

import (
	"container/heap"
	"sync"
)

// scheduledCallback is a handler bound to a deadline on the virtual timeline.
// The sequence number is assigned at scheduling time and breaks deadline ties
// so that firing order is always FIFO among same-deadline callbacks.
type scheduledCallback struct {
	deadline  VTime
	seq       uint64
	handler   Handler
	cancelled bool
}

type callbackQueue struct {
	sync.Mutex
	callbacks callbackHeap
}

func newCallbackQueue() *callbackQueue {
	q := &callbackQueue{}
	q.callbacks = make([]*scheduledCallback, 0)
	heap.Init(&q.callbacks)
	return q
}

func (q *callbackQueue) Push(cb *scheduledCallback) {
	q.Lock()
	heap.Push(&q.callbacks, cb)
	q.Unlock()
}

func (q *callbackQueue) Pop() *scheduledCallback {
	q.Lock()
	defer q.Unlock()

	if q.callbacks.Len() == 0 {
		return nil
	}

	return heap.Pop(&q.callbacks).(*scheduledCallback)
}

func (q *callbackQueue) Len() int {
	q.Lock()
	defer q.Unlock()
	return q.callbacks.Len()
}

func (q *callbackQueue) Peek() *scheduledCallback {
	q.Lock()
	defer q.Unlock()

	if q.callbacks.Len() == 0 {
		return nil
	}

	return q.callbacks[0]
}

type callbackHeap []*scheduledCallback

func (h callbackHeap) Len() int { return len(h) }

func (h callbackHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}

	return h[i].seq < h[j].seq
}

func (h callbackHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *callbackHeap) Push(x any) {
	cb := x.(*scheduledCallback)
	*h = append(*h, cb)
}

func (h *callbackHeap) Pop() any {
	old := *h
	n := len(old)
	cb := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return cb
}
