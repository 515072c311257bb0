package eventbus

import (
	"errors"
	"sync"
	"time"
)

// State is the position of a CircuitBreaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned by Execute when the call was refused.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards the Redis publish path. After maxFailures failures in
// a row it refuses calls for cooldown, then lets one trial call through: a
// good trial closes it, a bad one opens it again.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    State
	streak   int
	limit    int
	cooldown time.Duration
	openedAt time.Time
	trial    bool

	// OnStateChange runs with the breaker lock held and must not call back
	// into the breaker.
	OnStateChange func(from, to State)

	now func() time.Time
}

func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		limit:    max(maxFailures, 1),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Execute calls fn unless the breaker refuses it, in which case fn is not
// called and ErrCircuitOpen is returned. fn's own error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.settle(err)
	return err
}

func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// admit reports whether a call may proceed and marks a half-open trial as in
// flight.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.moveTo(StateHalfOpen)
	}
	if cb.trial {
		return false
	}
	cb.trial = true
	return true
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasTrial := cb.trial
	cb.trial = false
	if err == nil {
		cb.streak = 0
		if wasTrial {
			cb.moveTo(StateClosed)
		}
		return
	}
	cb.streak++
	if wasTrial || cb.streak >= cb.limit {
		cb.openedAt = cb.now()
		cb.moveTo(StateOpen)
	}
}

func (cb *CircuitBreaker) moveTo(next State) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next
	if next == StateClosed {
		cb.streak = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(prev, next)
	}
}
