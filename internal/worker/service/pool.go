package service

import "sync"

type Task func()

// Pool runs at most capacity tasks at a time. A capacity of zero or less means
// unlimited. Submission never blocks: a full pool refuses the task.
type Pool struct {
	mu      sync.Mutex
	slots   chan struct{}
	running int
	closed  bool
	wg      sync.WaitGroup
}

func NewPool(capacity int) *Pool {
	p := &Pool{}
	if capacity > 0 {
		p.slots = make(chan struct{}, capacity)
	}
	return p
}

// TrySubmit starts the task if a slot is free and reports whether it did.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
		default:
			return false
		}
	}

	p.running++
	p.wg.Go(func() {
		defer p.release()
		task()
	})
	return true
}

func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running--
	if p.slots != nil {
		<-p.slots
	}
}

// Running returns the number of tasks in flight.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Close refuses new tasks and waits for the running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
