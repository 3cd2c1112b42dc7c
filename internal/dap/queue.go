package dap

import (
	"sync"

	"github.com/eapache/queue"
)

// messageQueue is an unbounded FIFO with a blocking Pop. After Stop, Pop
// drains what is already queued, then returns nil; later pushes are dropped.
type messageQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   *queue.Queue
	stopped bool
}

func newMessageQueue() *messageQueue {
	q := &messageQueue{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends m. It reports false if the queue was stopped.
func (q *messageQueue) Push(m *Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.items.Add(m)
	q.cond.Signal()
	return true
}

// Pop blocks until a message is available or the queue is stopped and empty.
func (q *messageQueue) Pop() *Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Length() == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.items.Length() == 0 {
		return nil
	}
	return q.items.Remove().(*Envelope)
}

// Stop places the stop sentinel: messages queued so far are still popped.
func (q *messageQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.cond.Broadcast()
}

func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}
