// Package retry wraps operations against the exchange with bounded retries,
// typed error classification, exponential backoff and an in-line circuit
// breaker per operation family.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"
	"scalper/pkg/ratelimit"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	ExponentialBase   float64
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Minute,
		ExponentialBase:   2.0,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	}
}

// AggressivePolicy retries faster with a tighter cap, for market-data reads.
func AggressivePolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		ExponentialBase:   2.0,
		BackoffMultiplier: 1.0,
		Jitter:            true,
	}
}

const (
	rateLimitFloor = time.Minute
	minFinalDelay  = 100 * time.Millisecond
)

// AttemptRecord documents one failed attempt.
type AttemptRecord struct {
	Attempt   int
	ErrorType apperrors.Type
	Delay     time.Duration
	At        time.Time
	Message   string
}

// OperationStats accumulates per-operation outcomes.
type OperationStats struct {
	Successes     int `json:"successes"`
	Failures      int `json:"failures"`
	TotalAttempts int `json:"total_attempts"`
}

// RateLimitHandler is consulted before each attempt; a saturated local
// limiter skips the attempt without consuming a retry.
type RateLimitHandler interface {
	CanMakeRequest(cat ratelimit.Category) bool
	TimeUntilNextRequest(cat ratelimit.Category) time.Duration
}

// Classifier overrides the default error classification.
type Classifier func(error) apperrors.Type

// Manager executes operations with retry, backoff and breaker gating.
type Manager struct {
	policy      Policy
	sleeper     core.ISleeper
	rateHandler RateLimitHandler
	breaker     *CircuitBreaker
	classifier  Classifier
	logger      core.ILogger

	mu    sync.Mutex
	rng   *rand.Rand
	stats map[string]*OperationStats
}

// NewManager wires a retry manager. rateHandler, breaker and classifier are
// optional.
func NewManager(policy Policy, sleeper core.ISleeper, rateHandler RateLimitHandler, breaker *CircuitBreaker, classifier Classifier, logger core.ILogger) *Manager {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.ExponentialBase < 1 {
		policy.ExponentialBase = 2.0
	}
	if policy.BackoffMultiplier <= 0 {
		policy.BackoffMultiplier = 1.0
	}
	return &Manager{
		policy:      policy,
		sleeper:     sleeper,
		rateHandler: rateHandler,
		breaker:     breaker,
		classifier:  classifier,
		logger:      logger.WithField("component", "retry_manager"),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		stats:       make(map[string]*OperationStats),
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, or the error is
// not retryable. The category gates attempts against the local rate limiter.
func (m *Manager) Do(ctx context.Context, operation string, cat ratelimit.Category, fn func(ctx context.Context) error) error {
	var history []AttemptRecord
	var lastErr error

	// The breaker gates whole operations, not individual attempts: it is
	// consulted once up front and fed the final outcome, so a retried blip
	// does not count the same as a surfaced failure.
	if m.breaker != nil && !m.breaker.CanProceed() {
		m.recordFailure(operation, 0)
		return fmt.Errorf("%s: %w", operation, apperrors.ErrCircuitOpen)
	}

	b := &backoff.Backoff{
		Min:    m.policy.BaseDelay,
		Max:    m.policy.MaxDelay,
		Factor: m.policy.ExponentialBase,
		Jitter: false,
	}

	attempt := 1
	for attempt <= m.policy.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Local limiter saturation waits out the window without consuming
		// an attempt; the exchange never sees the request.
		if m.rateHandler != nil && !m.rateHandler.CanMakeRequest(cat) {
			wait := m.rateHandler.TimeUntilNextRequest(cat)
			m.logger.Debug("Local rate limiter saturated, deferring attempt",
				"operation", operation, "category", string(cat), "wait", wait.String())
			if !m.sleeper.Sleep(ctx, wait, core.SleepAPIRetry, true) {
				return fmt.Errorf("%s: %w", operation, apperrors.ErrSleepBudgetExceeded)
			}
			continue
		}

		err := fn(ctx)
		if err == nil {
			if m.breaker != nil {
				m.breaker.RecordSuccess()
			}
			m.recordSuccess(operation, attempt)
			return nil
		}
		lastErr = err

		errType := m.classify(err)
		if !m.shouldRetry(errType, attempt) {
			if m.breaker != nil && errType != apperrors.TypeValidation {
				m.breaker.RecordFailure(failureKindFor(errType))
			}
			m.logger.Error("Operation failed",
				"operation", operation, "attempt", attempt,
				"error_type", string(errType), "error", err.Error())
			m.recordFailure(operation, attempt)
			return fmt.Errorf("%s: %w", operation, err)
		}

		delay := m.computeDelay(b, attempt, errType, err)
		history = append(history, AttemptRecord{
			Attempt:   attempt,
			ErrorType: errType,
			Delay:     delay,
			At:        time.Now(),
			Message:   err.Error(),
		})
		m.logger.Warn("Operation failed, retrying",
			"operation", operation, "attempt", attempt,
			"error_type", string(errType), "delay", delay.String())

		if !m.sleeper.Sleep(ctx, delay, core.SleepAPIRetry, false) {
			m.recordFailure(operation, attempt)
			return fmt.Errorf("%s: %w", operation, apperrors.ErrSleepBudgetExceeded)
		}
		attempt++
	}

	if m.breaker != nil {
		m.breaker.RecordFailure(failureKindFor(m.classify(lastErr)))
	}
	m.recordFailure(operation, m.policy.MaxAttempts)
	m.logger.Error("Operation exhausted retries",
		"operation", operation, "attempts", m.policy.MaxAttempts, "failed_attempts", len(history))
	return fmt.Errorf("%s after %d attempts: %w", operation, m.policy.MaxAttempts, lastErr)
}

// GetStats returns a copy of the per-operation counters.
func (m *Manager) GetStats() map[string]OperationStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]OperationStats, len(m.stats))
	for op, s := range m.stats {
		out[op] = *s
	}
	return out
}

func (m *Manager) classify(err error) apperrors.Type {
	if m.classifier != nil {
		if t := m.classifier(err); t != "" {
			return t
		}
	}
	return apperrors.Classify(err)
}

func (m *Manager) shouldRetry(t apperrors.Type, attempt int) bool {
	if attempt >= m.policy.MaxAttempts {
		return false
	}
	switch t {
	case apperrors.TypeNetwork, apperrors.TypeRateLimit, apperrors.TypeServer, apperrors.TypeTimeout:
		return true
	case apperrors.TypeUnknown:
		// Unknown errors get a single second chance.
		return attempt == 1
	}
	return false
}

func (m *Manager) computeDelay(b *backoff.Backoff, attempt int, errType apperrors.Type, err error) time.Duration {
	delay := b.ForAttempt(float64(attempt - 1))

	if errType == apperrors.TypeRateLimit {
		var apiErr *apperrors.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			delay = time.Duration(float64(apiErr.RetryAfter) * 1.2)
		}
		if delay < rateLimitFloor {
			delay = rateLimitFloor
		}
	}

	delay = time.Duration(float64(delay) * m.policy.BackoffMultiplier)
	if delay > m.policy.MaxDelay {
		delay = m.policy.MaxDelay
	}

	if m.policy.Jitter {
		m.mu.Lock()
		factor := 0.8 + m.rng.Float64()*0.4
		m.mu.Unlock()
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < minFinalDelay {
		delay = minFinalDelay
	}
	return delay
}

func (m *Manager) recordSuccess(operation string, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor(operation)
	s.Successes++
	s.TotalAttempts += attempts
}

func (m *Manager) recordFailure(operation string, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor(operation)
	s.Failures++
	s.TotalAttempts += attempts
}

func (m *Manager) statsFor(operation string) *OperationStats {
	s, ok := m.stats[operation]
	if !ok {
		s = &OperationStats{}
		m.stats[operation] = s
	}
	return s
}

func failureKindFor(t apperrors.Type) FailureKind {
	switch t {
	case apperrors.TypeNetwork, apperrors.TypeTimeout:
		return FailureNetwork
	case apperrors.TypeRateLimit:
		return FailureAPILimit
	case apperrors.TypeInsufficientBalance:
		return FailureInsufficientBalance
	case apperrors.TypeValidation, apperrors.TypeMinOrderValue:
		return FailureValidation
	default:
		return FailureUnknown
	}
}
