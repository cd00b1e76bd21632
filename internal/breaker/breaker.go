// Package breaker implements a per-component circuit breaker set: closed,
// open, and half-open states with a consecutive-failure threshold and a
// timed reset, matching the explicit named-state-machine style used
// elsewhere in this module's scheduler package.
package breaker

import (
	"sync"
	"time"
)

// State is one named component's breaker state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type componentBreaker struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	closedCount         int
	openCount           int
	halfOpenCount       int
}

// Set is a thread-safe collection of independent per-component breakers.
type Set struct {
	mu               sync.Mutex
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time
	components       map[string]*componentBreaker
}

// StateCounts summarizes how many times a component has entered each state,
// returned by Summary for observability.
type StateCounts struct {
	State               State
	ConsecutiveFailures int
	ClosedCount         int
	OpenCount           int
	HalfOpenCount       int
}

// NewSet creates a breaker set that trips after failureThreshold consecutive
// failures and stays open for resetTimeout before allowing a half-open trial.
func NewSet(failureThreshold int, resetTimeout time.Duration) *Set {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &Set{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		components:       make(map[string]*componentBreaker),
	}
}

func (s *Set) componentLocked(component string) *componentBreaker {
	cb, ok := s.components[component]
	if !ok {
		cb = &componentBreaker{state: Closed}
		s.components[component] = cb
	}
	return cb
}

// Allow reports whether a call against component should proceed. An open
// breaker short-circuits to false until resetTimeout has elapsed, at which
// point it transitions to half-open and allows exactly one trial call.
// Further calls are refused until that trial's outcome is recorded, or until
// another resetTimeout passes with no outcome recorded, which grants a new
// trial.
func (s *Set) Allow(component string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb := s.componentLocked(component)
	switch cb.state {
	case Closed:
		return true
	case HalfOpen:
		if s.now().Sub(cb.openedAt) >= s.resetTimeout {
			cb.openedAt = s.now()
			return true
		}
		return false
	case Open:
		if s.now().Sub(cb.openedAt) >= s.resetTimeout {
			cb.state = HalfOpen
			cb.halfOpenCount++
			cb.openedAt = s.now()
			return true
		}
		return false
	}
	return false
}

// Record reports the outcome of a call permitted by Allow.
func (s *Set) Record(component string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb := s.componentLocked(component)
	if success {
		cb.consecutiveFailures = 0
		if cb.state != Closed {
			cb.state = Closed
			cb.closedCount++
		}
		return
	}

	cb.consecutiveFailures++
	switch cb.state {
	case HalfOpen:
		cb.state = Open
		cb.openedAt = s.now()
		cb.openCount++
	case Closed:
		if cb.consecutiveFailures >= s.failureThreshold {
			cb.state = Open
			cb.openedAt = s.now()
			cb.openCount++
		}
	case Open:
		cb.openedAt = s.now()
	}
}

// State returns a component's current state, defaulting to closed for a
// component never seen before.
func (s *Set) State(component string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.components[component]; ok {
		return cb.state
	}
	return Closed
}

// Summary returns a snapshot of every known component's state counters.
func (s *Set) Summary() map[string]StateCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StateCounts, len(s.components))
	for name, cb := range s.components {
		out[name] = StateCounts{
			State:               cb.state,
			ConsecutiveFailures: cb.consecutiveFailures,
			ClosedCount:         cb.closedCount,
			OpenCount:           cb.openCount,
			HalfOpenCount:       cb.halfOpenCount,
		}
	}
	return out
}
