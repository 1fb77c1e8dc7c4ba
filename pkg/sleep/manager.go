// Package sleep implements the bounded, jittered sleep manager that every
// control loop in the system suspends through. Enforcing all waits here keeps
// a single per-session budget that no loop above can busy-spin past.
package sleep

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"scalper/internal/core"
)

// Limits bounds a single sleep call and the session total.
type Limits struct {
	MinSleep     time.Duration
	MaxSleep     time.Duration
	MaxTotalWait time.Duration
}

// DefaultLimits returns the production limits: 100ms floor, 5 minute
// per-call ceiling, one hour of total wait per session.
func DefaultLimits() Limits {
	return Limits{
		MinSleep:     100 * time.Millisecond,
		MaxSleep:     5 * time.Minute,
		MaxTotalWait: time.Hour,
	}
}

// TradingLimits returns the tighter limits used inside trading loops.
func TradingLimits() Limits {
	return Limits{
		MinSleep:     100 * time.Millisecond,
		MaxSleep:     30 * time.Second,
		MaxTotalWait: 30 * time.Minute,
	}
}

const (
	tradingCycleMax   = 30 * time.Second
	circuitBreakerMax = 600 * time.Second

	breakerBaseDelay = 10 * time.Second
	breakerMaxDelay  = 300 * time.Second
)

// Stats is a snapshot of the session's sleep accounting.
type Stats struct {
	TotalSlept      time.Duration
	ByContext       map[core.SleepContext]time.Duration
	SessionDuration time.Duration
	SleepRatio      float64
	RemainingBudget time.Duration
}

// Manager tracks cumulative sleep time per session and sanitizes every
// requested duration. Safe for concurrent use.
type Manager struct {
	limits Limits
	logger core.ILogger

	mu           sync.Mutex
	totalSlept   time.Duration
	byContext    map[core.SleepContext]time.Duration
	sessionStart time.Time
	rng          *rand.Rand
}

// NewManager creates a sleep manager with the given limits.
func NewManager(limits Limits, logger core.ILogger) *Manager {
	if limits.MinSleep <= 0 {
		limits.MinSleep = 100 * time.Millisecond
	}
	if limits.MaxSleep < limits.MinSleep {
		limits.MaxSleep = limits.MinSleep
	}
	return &Manager{
		limits:       limits,
		logger:       logger.WithField("component", "sleep_manager"),
		byContext:    make(map[core.SleepContext]time.Duration),
		sessionStart: time.Now(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Sleep blocks for the sanitized duration. It returns false without sleeping
// when the call would push the session total past MaxTotalWait, and false
// early when ctx is cancelled mid-sleep.
func (m *Manager) Sleep(ctx context.Context, d time.Duration, sctx core.SleepContext, jitter bool) bool {
	d = m.sanitize(d, sctx)

	// The breaker context skips jitter so cooldowns stay deterministic.
	if jitter && sctx != core.SleepCircuitBreaker {
		d = m.applyJitter(d, 0.10)
		if d < m.limits.MinSleep {
			d = m.limits.MinSleep
		}
	}

	m.mu.Lock()
	if m.totalSlept+d > m.limits.MaxTotalWait {
		remaining := m.limits.MaxTotalWait - m.totalSlept
		m.mu.Unlock()
		m.logger.Warn("Sleep blocked, session wait budget exhausted",
			"context", string(sctx),
			"requested", d.String(),
			"remaining_budget", remaining.String())
		return false
	}
	m.totalSlept += d
	m.byContext[sctx] += d
	m.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// AdaptiveSleep scales the base duration by the failure count, with a growth
// curve that depends on the context: exponential for API retries (capped at
// 2^5), linear for error recovery, dampened for data polling.
func (m *Manager) AdaptiveSleep(ctx context.Context, base time.Duration, failureCount int, sctx core.SleepContext) bool {
	if failureCount < 0 {
		failureCount = 0
	}
	d := base
	switch sctx {
	case core.SleepAPIRetry:
		d = time.Duration(float64(base) * math.Pow(2, math.Min(float64(failureCount), 5)))
	case core.SleepErrorRecovery:
		d = time.Duration(float64(base) * (1 + 0.5*float64(failureCount)))
	case core.SleepDataPolling:
		d = time.Duration(float64(base) * math.Max(0.5, 1-0.05*float64(failureCount)))
	}
	return m.Sleep(ctx, d, sctx, true)
}

// ConditionalSleep sleeps in short steps while cond stays true, giving up
// after maxWait. The iteration count is bounded up front so a broken
// predicate cannot trap the caller.
func (m *Manager) ConditionalSleep(ctx context.Context, d time.Duration, cond func() bool, maxWait time.Duration) bool {
	if cond == nil {
		return m.Sleep(ctx, d, core.SleepTradingCycle, false)
	}
	step := d
	if step < m.limits.MinSleep {
		step = m.limits.MinSleep
	}
	maxIterations := int(maxWait/step) + 1

	deadline := time.Now().Add(maxWait)
	for i := 0; i < maxIterations; i++ {
		if !cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if !m.Sleep(ctx, step, core.SleepTradingCycle, false) {
			return false
		}
	}
	return !cond()
}

// CircuitBreakerSleep waits out a breaker cooldown: 10s base with 1.5x
// exponential growth, capped at 5 minutes.
func (m *Manager) CircuitBreakerSleep(ctx context.Context, failureCount int) bool {
	if failureCount < 0 {
		failureCount = 0
	}
	d := time.Duration(float64(breakerBaseDelay) * math.Pow(1.5, float64(failureCount)))
	if d > breakerMaxDelay {
		d = breakerMaxDelay
	}
	m.logger.Info("Circuit breaker sleep", "delay", d.String(), "failures", failureCount)
	return m.Sleep(ctx, d, core.SleepCircuitBreaker, false)
}

// RateLimitSleep honors a server Retry-After hint with a 20% safety margin,
// defaulting to one minute when no hint is available.
func (m *Manager) RateLimitSleep(ctx context.Context, retryAfter time.Duration) bool {
	d := time.Minute
	if retryAfter > 0 {
		d = time.Duration(float64(retryAfter) * 1.2)
	}
	m.logger.Warn("Rate limit sleep", "delay", d.String())
	return m.Sleep(ctx, d, core.SleepAPIRetry, false)
}

// GetStats returns a snapshot of the session sleep accounting.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCtx := make(map[core.SleepContext]time.Duration, len(m.byContext))
	for k, v := range m.byContext {
		byCtx[k] = v
	}
	elapsed := time.Since(m.sessionStart)
	ratio := 0.0
	if elapsed > 0 {
		ratio = float64(m.totalSlept) / float64(elapsed)
	}
	remaining := m.limits.MaxTotalWait - m.totalSlept
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		TotalSlept:      m.totalSlept,
		ByContext:       byCtx,
		SessionDuration: elapsed,
		SleepRatio:      ratio,
		RemainingBudget: remaining,
	}
}

// ResetSession clears the accumulated sleep accounting for a new session.
func (m *Manager) ResetSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalSlept = 0
	m.byContext = make(map[core.SleepContext]time.Duration)
	m.sessionStart = time.Now()
}

func (m *Manager) sanitize(d time.Duration, sctx core.SleepContext) time.Duration {
	max := m.contextMax(sctx)
	if d <= 0 {
		m.logger.Warn("Invalid sleep duration, using minimum", "requested", d.String())
		return m.limits.MinSleep
	}
	if d < m.limits.MinSleep {
		return m.limits.MinSleep
	}
	if d > max {
		return max
	}
	return d
}

func (m *Manager) contextMax(sctx core.SleepContext) time.Duration {
	switch sctx {
	case core.SleepTradingCycle:
		return tradingCycleMax
	case core.SleepCircuitBreaker:
		return circuitBreakerMax
	default:
		return m.limits.MaxSleep
	}
}

func (m *Manager) applyJitter(d time.Duration, fraction float64) time.Duration {
	m.mu.Lock()
	factor := 1 - fraction + m.rng.Float64()*2*fraction
	m.mu.Unlock()
	return time.Duration(float64(d) * factor)
}
