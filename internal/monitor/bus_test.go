package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalper/pkg/logging"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (h *recordingHandler) Name() string { return "recording" }

func (h *recordingHandler) Handle(evt Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	if h.fail {
		return assert.AnError
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestBus_DispatchesToHandlers(t *testing.T) {
	bus := NewBus(logging.GetGlobalLogger())
	defer bus.Stop()

	h := &recordingHandler{}
	bus.RegisterHandler(h)

	bus.Publish(NewEvent(EventTradeSuccess, SeverityInfo, "BTC_USDT", "trade closed", nil))

	assert.Eventually(t, func() bool { return h.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_ThrottlesRepeats(t *testing.T) {
	bus := NewBus(logging.GetGlobalLogger(), WithThrottleInterval(time.Hour))
	defer bus.Stop()

	h := &recordingHandler{}
	bus.RegisterHandler(h)

	for i := 0; i < 5; i++ {
		bus.Publish(NewEvent(EventRateLimit, SeverityWarning, "BTC_USDT", "rate limited", nil))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.count(), "repeats inside the throttle interval are suppressed")
}

func TestBus_CriticalNeverThrottled(t *testing.T) {
	bus := NewBus(logging.GetGlobalLogger(), WithThrottleInterval(time.Hour))
	defer bus.Stop()

	h := &recordingHandler{}
	bus.RegisterHandler(h)

	for i := 0; i < 3; i++ {
		bus.Publish(NewEvent(EventCircuitBreaker, SeverityCritical, "BTC_USDT", "breaker open", nil))
	}

	assert.Eventually(t, func() bool { return h.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestBus_ThrottleKeyedBySource(t *testing.T) {
	bus := NewBus(logging.GetGlobalLogger(), WithThrottleInterval(time.Hour))
	defer bus.Stop()

	h := &recordingHandler{}
	bus.RegisterHandler(h)

	bus.Publish(NewEvent(EventRateLimit, SeverityWarning, "BTC_USDT", "rate limited", nil))
	bus.Publish(NewEvent(EventRateLimit, SeverityWarning, "ETH_USDT", "rate limited", nil))

	assert.Eventually(t, func() bool { return h.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_FailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(logging.GetGlobalLogger())
	defer bus.Stop()

	bad := &recordingHandler{fail: true}
	good := &recordingHandler{}
	bus.RegisterHandler(bad)
	bus.RegisterHandler(good)

	bus.Publish(NewEvent(EventAPIError, SeverityWarning, "BTC_USDT", "api down", nil))

	assert.Eventually(t, func() bool { return good.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_SubscribersPerKind(t *testing.T) {
	bus := NewBus(logging.GetGlobalLogger())
	defer bus.Stop()

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(EventTradeFailure, func(evt Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})

	bus.Publish(NewEvent(EventTradeFailure, SeverityWarning, "BTC_USDT", "order failed", nil))
	bus.Publish(NewEvent(EventTradeSuccess, SeverityInfo, "BTC_USDT", "trade closed", nil))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Kind == EventTradeFailure
	}, time.Second, 5*time.Millisecond)
}

func TestBus_RecordOutcomePublishesPatterns(t *testing.T) {
	bus := NewBus(logging.GetGlobalLogger())
	defer bus.Stop()

	h := &recordingHandler{}
	bus.RegisterHandler(h)

	// Ten failures in a row: both the consecutive and ratio patterns fire.
	for i := 0; i < 10; i++ {
		bus.RecordOutcome(EventTradeFailure, false, "order rejected")
	}

	assert.Eventually(t, func() bool { return h.count() > 0 }, time.Second, 5*time.Millisecond)
}

func TestFileAlertHandler_WritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.log")

	h, err := NewFileAlertHandler(path)
	require.NoError(t, err)

	require.NoError(t, h.Handle(NewEvent(EventBalanceLow, SeverityWarning, "BTC_USDT", "balance low", map[string]interface{}{"asset": "USDT"})))
	require.NoError(t, h.Handle(NewEvent(EventAPIError, SeverityCritical, "ETH_USDT", "api down", nil)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &evt))
	assert.Equal(t, EventBalanceLow, evt.Kind)
	assert.Equal(t, "BTC_USDT", evt.Source)
}
