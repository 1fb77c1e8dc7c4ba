package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "scalper/pkg/errors"
	"scalper/pkg/logging"
	"scalper/pkg/ratelimit"
	"scalper/pkg/sleep"
)

func testSleeper() *sleep.Manager {
	return sleep.NewManager(sleep.Limits{
		MinSleep:     time.Millisecond,
		MaxSleep:     20 * time.Millisecond,
		MaxTotalWait: time.Minute,
	}, logging.GetGlobalLogger())
}

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:       maxAttempts,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		ExponentialBase:   2.0,
		BackoffMultiplier: 1.0,
		Jitter:            false,
	}
}

type fakeRateHandler struct {
	denials int
	queried int
}

func (f *fakeRateHandler) CanMakeRequest(ratelimit.Category) bool {
	f.queried++
	return f.queried > f.denials
}

func (f *fakeRateHandler) TimeUntilNextRequest(ratelimit.Category) time.Duration {
	return time.Millisecond
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	m := NewManager(fastPolicy(3), testSleeper(), nil, nil, nil, logging.GetGlobalLogger())

	calls := 0
	err := m.Do(context.Background(), "get_ticker", ratelimit.CategoryPublic, func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, m.GetStats()["get_ticker"].Successes)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	m := NewManager(fastPolicy(5), testSleeper(), nil, nil, nil, logging.GetGlobalLogger())

	calls := 0
	err := m.Do(context.Background(), "get_balance", ratelimit.CategorySpotOther, func(context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.ErrNetwork
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_MaxAttemptsBound(t *testing.T) {
	m := NewManager(fastPolicy(3), testSleeper(), nil, nil, nil, logging.GetGlobalLogger())

	calls := 0
	err := m.Do(context.Background(), "get_candles", ratelimit.CategoryPublic, func(context.Context) error {
		calls++
		return apperrors.ErrServer
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrServer)
	assert.Equal(t, 3, calls, "exactly MaxAttempts invocations")
	assert.Equal(t, 1, m.GetStats()["get_candles"].Failures)
}

func TestDo_APIErrorsNotRetried(t *testing.T) {
	m := NewManager(fastPolicy(5), testSleeper(), nil, nil, nil, logging.GetGlobalLogger())

	calls := 0
	err := m.Do(context.Background(), "place_order", ratelimit.CategorySpotOrder, func(context.Context) error {
		calls++
		return &apperrors.APIError{StatusCode: 400, Label: "BALANCE_NOT_ENOUGH", Message: "balance not enough"}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Equal(t, 1, calls, "structured api errors are terminal")
}

func TestDo_ValidationNeverRetried(t *testing.T) {
	m := NewManager(fastPolicy(5), testSleeper(), nil, nil, nil, logging.GetGlobalLogger())

	calls := 0
	err := m.Do(context.Background(), "place_order", ratelimit.CategorySpotOrder, func(context.Context) error {
		calls++
		return apperrors.ErrInvalidArgument
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_UnknownRetriedOnce(t *testing.T) {
	m := NewManager(fastPolicy(5), testSleeper(), nil, nil, nil, logging.GetGlobalLogger())

	calls := 0
	err := m.Do(context.Background(), "op", ratelimit.CategoryPublic, func(context.Context) error {
		calls++
		return errors.New("something odd")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls, "unknown errors get exactly one extra attempt")
}

func TestDo_LimiterSaturationSkipsWithoutConsumingAttempt(t *testing.T) {
	rh := &fakeRateHandler{denials: 3}
	m := NewManager(fastPolicy(2), testSleeper(), rh, nil, nil, logging.GetGlobalLogger())

	calls := 0
	err := m.Do(context.Background(), "op", ratelimit.CategorySpotOrder, func(context.Context) error {
		calls++
		if calls == 1 {
			return apperrors.ErrNetwork
		}
		return nil
	})

	require.NoError(t, err)
	// 3 denials deferred attempts but did not consume them: both real
	// attempts still happened under MaxAttempts=2.
	assert.Equal(t, 2, calls)
}

func TestDo_BreakerGatesOperation(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour, BackoffMultiplier: 1.5, MaxBackoff: time.Hour}, logging.GetGlobalLogger(), nil)
	m := NewManager(fastPolicy(2), testSleeper(), nil, cb, nil, logging.GetGlobalLogger())

	// First operation fails terminally and trips the breaker.
	err := m.Do(context.Background(), "op", ratelimit.CategoryPublic, func(context.Context) error {
		return &apperrors.APIError{StatusCode: 400, Label: "BALANCE_NOT_ENOUGH", Message: "balance not enough"}
	})
	require.Error(t, err)

	// Second operation is refused without invoking the thunk.
	calls := 0
	err = m.Do(context.Background(), "op", ratelimit.CategoryPublic, func(context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	m := NewManager(fastPolicy(5), testSleeper(), nil, nil, nil, logging.GetGlobalLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Do(ctx, "op", ratelimit.CategoryPublic, func(context.Context) error {
		return apperrors.ErrNetwork
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_CallerClassifierWins(t *testing.T) {
	classifier := func(error) apperrors.Type { return apperrors.TypeValidation }
	m := NewManager(fastPolicy(5), testSleeper(), nil, nil, classifier, logging.GetGlobalLogger())

	calls := 0
	err := m.Do(context.Background(), "op", ratelimit.CategoryPublic, func(context.Context) error {
		calls++
		return apperrors.ErrNetwork
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "caller classifier downgraded a network error to validation")
}

func TestComputeDelay_RateLimitFloorAndHint(t *testing.T) {
	m := NewManager(Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Minute,
		ExponentialBase:   2.0,
		BackoffMultiplier: 1.0,
		Jitter:            false,
	}, testSleeper(), nil, nil, nil, logging.GetGlobalLogger())

	b := &backoff.Backoff{Min: time.Second, Max: 10 * time.Minute, Factor: 2.0}

	// No hint: floored at 60s.
	d := m.computeDelay(b, 1, apperrors.TypeRateLimit, apperrors.ErrRateLimitExceeded)
	assert.Equal(t, time.Minute, d)

	// Hint of 120s: 120 * 1.2 = 144s.
	hinted := &apperrors.APIError{StatusCode: 429, Message: "too many requests", RetryAfter: 2 * time.Minute}
	d = m.computeDelay(b, 1, apperrors.TypeRateLimit, hinted)
	assert.Equal(t, 144*time.Second, d)

	// Short hint still floored at 60s.
	short := &apperrors.APIError{StatusCode: 429, Message: "too many requests", RetryAfter: 10 * time.Second}
	d = m.computeDelay(b, 1, apperrors.TypeRateLimit, short)
	assert.Equal(t, time.Minute, d)
}

func TestComputeDelay_ExponentialGrowthCapped(t *testing.T) {
	m := NewManager(Policy{
		MaxAttempts:       10,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		ExponentialBase:   2.0,
		BackoffMultiplier: 1.5,
		Jitter:            false,
	}, testSleeper(), nil, nil, nil, logging.GetGlobalLogger())

	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2.0}

	d1 := m.computeDelay(b, 1, apperrors.TypeServer, apperrors.ErrServer)
	d2 := m.computeDelay(b, 2, apperrors.TypeServer, apperrors.ErrServer)
	d9 := m.computeDelay(b, 9, apperrors.TypeServer, apperrors.ErrServer)

	assert.Equal(t, 1500*time.Millisecond, d1)
	assert.Equal(t, 3*time.Second, d2)
	assert.Equal(t, 30*time.Second, d9, "capped at MaxDelay")
}
