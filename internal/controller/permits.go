// Package controller implements the ContinuousController: the top-level
// epoch loop that asks the Planner for work, dispatches it through a
// WorkerBackend under dependency and file-overlap constraints, drains
// completions into the merge queue, and folds results back into the budget
// tracker, circuit breakers, and backlog before deciding whether to run
// another epoch.
package controller

import "sync"

// PermitPool is a resizable worker-concurrency limit. golang.org/x/sync's
// semaphore.Weighted has no resize operation, and the design note in
// SPEC_FULL §9 forbids modelling the cap as a fixed primitive captured by
// value (a resize that swaps the object leaks the old capacity). PermitPool
// instead keeps capacity in one live cell guarded by a mutex/condvar: Resize
// mutates that cell directly and wakes waiters, so every acquirer always
// observes the current target regardless of when it started waiting.
type PermitPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	held     int
	closed   bool
}

// NewPermitPool creates a pool with the given initial capacity.
func NewPermitPool(capacity int) *PermitPool {
	if capacity < 1 {
		capacity = 1
	}
	p := &PermitPool{capacity: capacity}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire blocks until a permit is available or done fires, returning false
// in the latter case. It never oversubscribes even mid-resize: held is
// compared against the live capacity field on every wake.
func (p *PermitPool) Acquire(done <-chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	woken := make(chan struct{})
	stopWatch := make(chan struct{})
	if done != nil {
		go func() {
			select {
			case <-done:
				p.cond.Broadcast()
			case <-stopWatch:
			}
			close(woken)
		}()
	} else {
		close(woken)
	}
	defer func() {
		close(stopWatch)
		<-woken
	}()

	for {
		if p.closed {
			return false
		}
		if p.held < p.capacity {
			p.held++
			return true
		}
		if done != nil {
			select {
			case <-done:
				return false
			default:
			}
		}
		p.cond.Wait()
	}
}

// Release returns a permit. If capacity was decreased while permits were
// held, released permits are absorbed as acquire-debt (held simply drops,
// but the freed slot is not handed out until held falls back under the new,
// smaller capacity) rather than reissued immediately.
func (p *PermitPool) Release() {
	p.mu.Lock()
	p.held--
	if p.held < 0 {
		p.held = 0
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Resize changes the live capacity. Growing wakes any waiters that can now
// proceed; shrinking simply lowers the ceiling future Acquire calls compare
// against — permits already held above the new target drain out via normal
// Release calls before new ones are admitted.
func (p *PermitPool) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	p.mu.Lock()
	p.capacity = capacity
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Capacity returns the live target capacity.
func (p *PermitPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Held returns the number of permits currently checked out.
func (p *PermitPool) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// Close wakes every blocked Acquire, causing them to return false. Used on
// controller shutdown so in-flight dispatch loops unwind promptly.
func (p *PermitPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}
