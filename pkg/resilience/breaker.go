// Package resilience guards Pantheon components against failure
// amplification. It provides named circuit breakers and the "magic"
// vitality system: an energy budget, acorn boosts, and a healing
// decision engine with a small online preference learner.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while a breaker is open and its recovery
// timeout has not yet elapsed.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Well-known breaker names. The default set covers every guarded
// component boundary in the core.
const (
	BreakerProvider    = "provider"
	BreakerPersistence = "persistence"
	BreakerCoordinator = "coordinator"
	BreakerTool        = "tool"
)

// Breaker is a single named circuit breaker. State transitions are
// serialized by the breaker's own mutex.
type Breaker struct {
	name            string
	failureThresh   int
	recoveryTimeout time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker creates a closed breaker with the given thresholds.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		name:            name,
		failureThresh:   failureThreshold,
		recoveryTimeout: recoveryTimeout,
		state:           StateClosed,
		now:             time.Now,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. An open breaker whose
// recovery timeout has elapsed transitions to half-open and lets the
// probe call through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.recoveryTimeout {
			return fmt.Errorf("%w: %s", ErrBreakerOpen, b.name)
		}
		b.state = StateHalfOpen
	}
	return nil
}

// RecordSuccess resets the failure counter. In half-open state the
// breaker closes again.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = StateClosed
}

// RecordFailure increments the consecutive-failure counter. Reaching the
// threshold, or failing the half-open probe, opens the breaker and
// restarts the recovery timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= b.failureThresh {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current state, applying the open→half-open
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		b.state = StateHalfOpen
	}
	return b.state
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Failures int    `json:"failures"`
}

// BreakerSet holds the named breakers for the process.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// BreakerParams configures one breaker in a set.
type BreakerParams struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultBreakerParams returns the default per-component thresholds.
func DefaultBreakerParams() map[string]BreakerParams {
	return map[string]BreakerParams{
		BreakerProvider:    {FailureThreshold: 3, RecoveryTimeout: 30 * time.Second},
		BreakerPersistence: {FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
		BreakerCoordinator: {FailureThreshold: 2, RecoveryTimeout: 15 * time.Second},
		BreakerTool:        {FailureThreshold: 3, RecoveryTimeout: 45 * time.Second},
	}
}

// NewBreakerSet creates a set containing one breaker per entry in params.
// Pass DefaultBreakerParams() for the standard set.
func NewBreakerSet(params map[string]BreakerParams) *BreakerSet {
	s := &BreakerSet{breakers: make(map[string]*Breaker, len(params))}
	for name, p := range params {
		s.breakers[name] = NewBreaker(name, p.FailureThreshold, p.RecoveryTimeout)
	}
	return s
}

// Get returns the breaker for name, creating one with provider defaults
// if the name is unknown.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, 3, 30*time.Second)
	s.breakers[name] = b
	return b
}

// Snapshot returns the state of every breaker, keyed by name.
func (s *BreakerSet) Snapshot() map[string]BreakerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BreakerSnapshot, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = BreakerSnapshot{Name: name, State: b.State(), Failures: b.Failures()}
	}
	return out
}
