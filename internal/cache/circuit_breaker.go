package cache

import (
	"errors"
	"sync"
	"time"
)

type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards the shared (L2) cache. After MaxFailures consecutive
// errors it rejects calls for Timeout, then lets HalfOpenMaxCalls trial calls
// through; that many trial successes close it again, one trial failure
// reopens it.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    CircuitBreakerState
	failures int
	// trials counts admitted half-open calls, passed counts their successes.
	trials   int
	passed   int
	openedAt time.Time
	trips    int
	now      Clock
	onChange func(from, to CircuitBreakerState)

	maxFailures int
	cooldown    time.Duration
	maxTrials   int
}

type CircuitBreakerConfig struct {
	MaxFailures      int           `json:"max_failures"`
	Timeout          time.Duration `json:"timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
	Clock            Clock         `json:"-"`
	// OnStateChange is called outside the breaker's lock after every transition.
	OnStateChange func(from, to CircuitBreakerState) `json:"-"`
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	cb := &CircuitBreaker{
		state:       CircuitBreakerClosed,
		now:         config.Clock,
		onChange:    config.OnStateChange,
		maxFailures: config.MaxFailures,
		cooldown:    config.Timeout,
		maxTrials:   config.HalfOpenMaxCalls,
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 1
	}
	if cb.maxTrials <= 0 {
		cb.maxTrials = 1
	}
	return cb
}

// Execute runs fn unless the breaker is open. Any error from fn counts as a
// failure, so callers must not report expected outcomes such as a miss.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitBreakerOpen
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := false

	switch cb.state {
	case CircuitBreakerClosed:
		allowed = true
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.setStateLocked(CircuitBreakerHalfOpen)
			cb.trials = 1
			allowed = true
		}
	case CircuitBreakerHalfOpen:
		if cb.trials < cb.maxTrials {
			cb.trials++
			allowed = true
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return allowed
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	from := cb.state

	switch {
	case ok && cb.state == CircuitBreakerHalfOpen:
		cb.passed++
		if cb.passed >= cb.maxTrials {
			cb.setStateLocked(CircuitBreakerClosed)
		}
	case ok:
		cb.failures = 0
	case cb.state == CircuitBreakerHalfOpen:
		cb.trip()
	default:
		cb.failures++
		if cb.state == CircuitBreakerClosed && cb.failures >= cb.maxFailures {
			cb.trip()
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) trip() {
	cb.setStateLocked(CircuitBreakerOpen)
	cb.openedAt = cb.now()
	cb.trips++
}

// setStateLocked resets the per-state counters on every transition.
func (cb *CircuitBreaker) setStateLocked(state CircuitBreakerState) {
	cb.state = state
	cb.failures = 0
	cb.trials = 0
	cb.passed = 0
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := map[string]interface{}{
		"state":            cb.state.String(),
		"failure_count":    cb.failures,
		"trips":            cb.trips,
		"max_failures":     cb.maxFailures,
		"cooldown_seconds": cb.cooldown.Seconds(),
	}
	if !cb.openedAt.IsZero() {
		stats["last_opened"] = cb.openedAt.Unix()
	}
	return stats
}
