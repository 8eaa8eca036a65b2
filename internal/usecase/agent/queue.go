package agent

import (
	"container/heap"
	"sync"

	"swapmesh/internal/domain"
)

type queuedMessage struct {
	msg domain.AgentMessage
	seq uint64
}

// messageHeap orders by priority, then arrival.
type messageHeap []queuedMessage

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)   { *h = append(*h, x.(queuedMessage)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queuedMessage{}
	*h = old[:n-1]
	return item
}

// messageQueue is a bounded priority queue. ready receives a signal whenever
// a message is pushed.
type messageQueue struct {
	mu    sync.Mutex
	items messageHeap
	seq   uint64
	max   int
	ready chan struct{}
}

func newMessageQueue(capacity int) *messageQueue {
	return &messageQueue{max: capacity, ready: make(chan struct{}, 1)}
}

// push enqueues msg or reports false when the queue is full.
func (q *messageQueue) push(msg domain.AgentMessage) bool {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, queuedMessage{msg: msg, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *messageQueue) pop() (domain.AgentMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.AgentMessage{}, false
	}
	return heap.Pop(&q.items).(queuedMessage).msg, true
}

// drain empties the queue and returns the number of dropped messages.
func (q *messageQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
