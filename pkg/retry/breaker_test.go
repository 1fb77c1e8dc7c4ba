package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalper/pkg/logging"
)

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(cfg, logging.GetGlobalLogger(), nil)
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{Threshold: 5, Cooldown: time.Minute, BackoffMultiplier: 1.5, MaxBackoff: 5 * time.Minute})

	for i := 0; i < 4; i++ {
		cb.RecordFailure(FailureInsufficientBalance)
		assert.Equal(t, StateClosed, cb.State(), "breaker must stay closed below threshold")
	}
	cb.RecordFailure(FailureInsufficientBalance)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanProceed())
}

func TestBreaker_OpenToHalfOpenAfterCooldown(t *testing.T) {
	cb, now := newTestBreaker(BreakerConfig{Threshold: 2, Cooldown: time.Minute, BackoffMultiplier: 1.5, MaxBackoff: 5 * time.Minute})

	cb.RecordFailure(FailureNetwork)
	cb.RecordFailure(FailureNetwork)
	require.Equal(t, StateOpen, cb.State())

	*now = now.Add(61 * time.Second)
	assert.True(t, cb.CanProceed(), "cooldown elapsed, probe should be allowed")
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb, now := newTestBreaker(BreakerConfig{Threshold: 2, Cooldown: time.Minute, BackoffMultiplier: 1.5, MaxBackoff: 5 * time.Minute})

	cb.RecordFailure(FailureNetwork)
	cb.RecordFailure(FailureNetwork)
	*now = now.Add(61 * time.Second)
	require.True(t, cb.CanProceed())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.GetStats().Failures, "counters reset on close")
	assert.True(t, cb.CanProceed())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(BreakerConfig{Threshold: 2, Cooldown: time.Minute, BackoffMultiplier: 1.5, MaxBackoff: 5 * time.Minute})

	cb.RecordFailure(FailureNetwork)
	cb.RecordFailure(FailureNetwork)
	*now = now.Add(61 * time.Second)
	require.True(t, cb.CanProceed())

	cb.RecordFailure(FailureNetwork)
	assert.Equal(t, StateOpen, cb.State())

	// A fresh cooldown runs from the re-open.
	*now = now.Add(30 * time.Second)
	assert.False(t, cb.CanProceed())
	*now = now.Add(31 * time.Second)
	assert.True(t, cb.CanProceed())
}

func TestBreaker_ConsecutiveFailureBackoffInClosed(t *testing.T) {
	cb, now := newTestBreaker(BreakerConfig{Threshold: 10, Cooldown: time.Minute, BackoffMultiplier: 1.5, MaxBackoff: 5 * time.Minute})

	cb.RecordFailure(FailureUnknown)
	require.Equal(t, StateClosed, cb.State())

	// One consecutive failure imposes the base cooldown pause.
	assert.False(t, cb.CanProceed())
	*now = now.Add(61 * time.Second)
	assert.True(t, cb.CanProceed())

	// A success clears the pause entirely.
	cb.RecordFailure(FailureUnknown)
	cb.RecordSuccess()
	assert.True(t, cb.CanProceed())
}

func TestBreaker_ConsecutiveBackoffCapped(t *testing.T) {
	cb, now := newTestBreaker(BreakerConfig{Threshold: 100, Cooldown: time.Minute, BackoffMultiplier: 1.5, MaxBackoff: 5 * time.Minute})

	for i := 0; i < 20; i++ {
		cb.RecordFailure(FailureUnknown)
	}
	// 60s * 1.5^19 would be days; the cap holds it at MaxBackoff.
	*now = now.Add(5*time.Minute + time.Second)
	assert.True(t, cb.CanProceed())
}

func TestBreaker_OnTripCallbackAndKindTally(t *testing.T) {
	trips := 0
	cb := NewCircuitBreaker(BreakerConfig{Threshold: 2, Cooldown: time.Minute, BackoffMultiplier: 1.5, MaxBackoff: 5 * time.Minute}, logging.GetGlobalLogger(), func() { trips++ })

	cb.RecordFailure(FailureAPILimit)
	cb.RecordFailure(FailureNetwork)

	assert.Equal(t, 1, trips)
	stats := cb.GetStats()
	assert.Equal(t, 1, stats.ByKind[FailureAPILimit])
	assert.Equal(t, 1, stats.ByKind[FailureNetwork])
	assert.Equal(t, 1, stats.Trips)
}
