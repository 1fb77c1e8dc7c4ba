package retry

import (
	"math"
	"sync"
	"time"

	"scalper/internal/core"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// FailureKind tallies failures per category, for reporting only.
type FailureKind string

const (
	FailureNetwork             FailureKind = "network"
	FailureAPILimit            FailureKind = "api_limit"
	FailureInsufficientBalance FailureKind = "insufficient_balance"
	FailureValidation          FailureKind = "validation"
	FailureUnknown             FailureKind = "unknown"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	Threshold         int
	Cooldown          time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultBreakerConfig returns the development defaults. Production raises
// the cooldown to 300s via the config layer.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:         5,
		Cooldown:          60 * time.Second,
		BackoffMultiplier: 1.5,
		MaxBackoff:        300 * time.Second,
	}
}

// BreakerStats is a reporting snapshot.
type BreakerStats struct {
	State               string              `json:"state"`
	Failures            int                 `json:"failures"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Trips               int                 `json:"trips"`
	ByKind              map[FailureKind]int `json:"by_kind"`
}

// CircuitBreaker implements closed/open/half-open transitions with a
// secondary consecutive-failure backoff inside the closed state.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger core.ILogger
	onTrip func()

	mu            sync.Mutex
	state         BreakerState
	failures      int
	consecutive   int
	trips         int
	openedAt      time.Time
	lastFailureAt time.Time
	byKind        map[FailureKind]int

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker. onTrip, if non-nil, is invoked
// (outside the lock) every time the breaker transitions to open.
func NewCircuitBreaker(cfg BreakerConfig, logger core.ILogger, onTrip func()) *CircuitBreaker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1.5
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 300 * time.Second
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.WithField("component", "circuit_breaker"),
		onTrip: onTrip,
		state:  StateClosed,
		byKind: make(map[FailureKind]int),
		now:    time.Now,
	}
}

// CanProceed reports whether a request may go through, advancing
// open -> half-open when the cooldown has elapsed.
func (cb *CircuitBreaker) CanProceed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.cfg.Cooldown {
			cb.state = StateHalfOpen
			cb.logger.Info("Circuit breaker half-open, probing")
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		// Consecutive-failure backoff: short self-imposed pauses below the
		// trip threshold.
		if cb.consecutive > 0 {
			backoff := cb.consecutiveBackoff()
			if now.Sub(cb.lastFailureAt) < backoff {
				return false
			}
		}
		return true
	}
}

// RecordFailure tallies a failure and may trip the breaker.
func (cb *CircuitBreaker) RecordFailure(kind FailureKind) {
	cb.mu.Lock()
	cb.failures++
	cb.consecutive++
	cb.byKind[kind]++
	cb.lastFailureAt = cb.now()

	tripped := false
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.trips++
		tripped = true
		cb.logger.Warn("Circuit breaker re-opened from half-open", "kind", string(kind))
	case StateClosed:
		if cb.failures >= cb.cfg.Threshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.trips++
			tripped = true
			cb.logger.Warn("Circuit breaker tripped",
				"failures", cb.failures, "threshold", cb.cfg.Threshold, "kind", string(kind))
		}
	}
	onTrip := cb.onTrip
	cb.mu.Unlock()

	if tripped && onTrip != nil {
		onTrip()
	}
}

// RecordSuccess closes the breaker from half-open and clears the
// consecutive-failure backoff.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.failures = 0
		cb.logger.Info("Circuit breaker closed after successful probe")
	}
	cb.consecutive = 0
}

// State returns the current state, applying the open -> half-open timeout.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.state = StateHalfOpen
	}
	return cb.state
}

// GetStats returns a reporting snapshot.
func (cb *CircuitBreaker) GetStats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	byKind := make(map[FailureKind]int, len(cb.byKind))
	for k, v := range cb.byKind {
		byKind[k] = v
	}
	return BreakerStats{
		State:               cb.state.String(),
		Failures:            cb.failures,
		ConsecutiveFailures: cb.consecutive,
		Trips:               cb.trips,
		ByKind:              byKind,
	}
}

// Reset forces the breaker back to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.consecutive = 0
	cb.byKind = make(map[FailureKind]int)
}

func (cb *CircuitBreaker) consecutiveBackoff() time.Duration {
	d := time.Duration(float64(cb.cfg.Cooldown) * math.Pow(cb.cfg.BackoffMultiplier, float64(cb.consecutive-1)))
	if d > cb.cfg.MaxBackoff {
		d = cb.cfg.MaxBackoff
	}
	return d
}
