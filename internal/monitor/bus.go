package monitor

import (
	"context"
	"sync"
	"time"

	"scalper/internal/core"
	"scalper/pkg/concurrency"
)

const defaultThrottleInterval = 300 * time.Second

// AlertHandler receives every unthrottled event.
type AlertHandler interface {
	Handle(evt Event) error
	Name() string
}

// Subscriber receives events of one kind through a bounded queue. Slow
// subscribers drop events rather than block publishers.
type Subscriber func(evt Event)

// Bus accepts events from any component, throttles repeats, and fans out to
// handlers and per-kind subscribers.
type Bus struct {
	logger   core.ILogger
	pool     *concurrency.WorkerPool
	detector *FailurePatternDetector
	analyzer *LogAnalyzer
	metrics  *Metrics

	mu          sync.RWMutex
	handlers    []AlertHandler
	subscribers map[EventKind][]chan Event
	lastEmitted map[throttleKey]time.Time
	throttle    time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type throttleKey struct {
	kind   EventKind
	source string
}

// BusOption configures the bus.
type BusOption func(*Bus)

// WithThrottleInterval overrides the default 300s repeat suppression.
func WithThrottleInterval(d time.Duration) BusOption {
	return func(b *Bus) { b.throttle = d }
}

// WithLogAnalyzer attaches a log analyzer run by the background poller.
func WithLogAnalyzer(a *LogAnalyzer) BusOption {
	return func(b *Bus) { b.analyzer = a }
}

// WithMetrics attaches a Prometheus metrics sink fed by every event.
func WithMetrics(m *Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a monitoring bus. Call Start to run the background poller
// and Stop to drain it.
func NewBus(logger core.ILogger, opts ...BusOption) *Bus {
	b := &Bus{
		logger:      logger.WithField("component", "monitoring_bus"),
		detector:    NewFailurePatternDetector(),
		subscribers: make(map[EventKind][]chan Event),
		lastEmitted: make(map[throttleKey]time.Time),
		throttle:    defaultThrottleInterval,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "alert_dispatch",
		MaxWorkers:  4,
		MaxCapacity: 256,
		NonBlocking: true,
	}, logger)
	return b
}

// RegisterHandler adds an alert handler. Handlers run on the dispatch pool;
// a panicking or failing handler cannot block the rest.
func (b *Bus) RegisterHandler(h AlertHandler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
	b.logger.Info("Registered alert handler", "name", h.Name())
}

// Subscribe registers a callback for one event kind. Events are delivered
// through a bounded queue of 64; overflow is dropped with a counter.
func (b *Bus) Subscribe(kind EventKind, fn Subscriber) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[kind] = append(b.subscribers[kind], ch)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case evt := <-ch:
				fn(evt)
			case <-b.stop:
				return
			}
		}
	}()
}

// Publish emits one event. Repeats of the same (kind, source) inside the
// throttle interval are suppressed unless the severity is critical.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	if b.metrics != nil {
		b.metrics.ObserveEvent(evt)
	}

	key := throttleKey{kind: evt.Kind, source: evt.Source}
	b.mu.Lock()
	if evt.Severity != SeverityCritical {
		if last, ok := b.lastEmitted[key]; ok && time.Since(last) < b.throttle {
			b.mu.Unlock()
			return
		}
	}
	b.lastEmitted[key] = time.Now()
	handlers := make([]AlertHandler, len(b.handlers))
	copy(handlers, b.handlers)
	subs := b.subscribers[evt.Kind]
	b.mu.Unlock()

	for _, h := range handlers {
		handler := h
		if err := b.pool.Submit(func() {
			if err := handler.Handle(evt); err != nil {
				b.logger.Error("Alert handler failed", "handler", handler.Name(), "error", err)
			}
		}); err != nil {
			b.logger.Warn("Alert dispatch queue full, dropping", "handler", handler.Name())
		}
	}

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("Subscriber queue full, dropping event", "kind", string(evt.Kind))
		}
	}
}

// RecordOutcome feeds the failure-pattern detector and republishes any
// pattern it raises as an anomaly event.
func (b *Bus) RecordOutcome(kind EventKind, success bool, metadata string) {
	for _, p := range b.detector.Record(kind, success, metadata) {
		b.Publish(NewEvent(EventAnomalyDetected, p.Severity, "failure_detector", p.Description,
			map[string]interface{}{"pattern": p.Type}))
	}
}

// Start runs the background poller: on each tick the log analyzer scans
// recent engine logs and anomalies are published.
func (b *Bus) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.analyzeOnce()
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop drains the dispatch pool and terminates subscriber goroutines.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	b.pool.Stop()
}

func (b *Bus) analyzeOnce() {
	if b.analyzer == nil {
		return
	}
	report, err := b.analyzer.AnalyzeRecent()
	if err != nil {
		b.logger.Warn("Log analysis failed", "error", err)
		return
	}
	for _, a := range report.Anomalies {
		b.Publish(NewEvent(EventAnomalyDetected, a.Severity, "log_analyzer", a.Description,
			map[string]interface{}{"anomaly": a.Type}))
	}
}
