package session

import "sync"

// tasks is the unbounded inbox of the session loop. Posting never blocks,
// so code already running on the loop may post to it.
type tasks struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

func newTasks() *tasks {
	return &tasks{wake: make(chan struct{}, 1)}
}

func (t *tasks) post(f func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.queue = append(t.queue, f)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// take returns everything posted so far.
func (t *tasks) take() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queue
	t.queue = nil
	return q
}

// close drops pending and future work.
func (t *tasks) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.queue = nil
}
