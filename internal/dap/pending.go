package dap

import "sync"

// ResponseFunc is invoked once with the backend's response to a request.
// It runs on the backend reader goroutine and must not block.
type ResponseFunc func(resp *Envelope)

// pendingTable maps an outbound request seq to its completion callback.
type pendingTable struct {
	mu       sync.Mutex
	requests map[int]ResponseFunc
}

func newPendingTable() *pendingTable {
	return &pendingTable{requests: make(map[int]ResponseFunc)}
}

// Add registers fn for seq.
func (t *pendingTable) Add(seq int, fn ResponseFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[seq] = fn
}

// Pop retrieves and removes the callback for seq. Returns nil if there is none.
func (t *pendingTable) Pop(seq int) ResponseFunc {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn, ok := t.requests[seq]
	if !ok {
		return nil
	}
	delete(t.requests, seq)
	return fn
}

// Len returns the number of outstanding requests.
func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// Drain forgets every outstanding request without invoking its callback.
// It returns how many were dropped.
func (t *pendingTable) Drain() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.requests)
	t.requests = make(map[int]ResponseFunc)
	return n
}
