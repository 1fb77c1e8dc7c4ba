package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scalper/internal/core"
)

// Metrics exposes the bus's view of the system to Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal       *prometheus.CounterVec
	tradesTotal       *prometheus.CounterVec
	apiErrorsTotal    prometheus.Counter
	breakerTripsTotal prometheus.Counter
	rateLimitHits     prometheus.Counter
	realizedProfit    prometheus.Gauge
}

// NewMetrics registers the scalper collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalper_events_total",
			Help: "Monitoring events by kind and severity",
		}, []string{"kind", "severity"}),
		tradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalper_trades_total",
			Help: "Completed trades by result",
		}, []string{"result"}),
		apiErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalper_api_errors_total",
			Help: "API call failures surfaced to the engine",
		}),
		breakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalper_circuit_breaker_trips_total",
			Help: "Circuit breaker open transitions",
		}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalper_rate_limit_hits_total",
			Help: "Rate limit responses observed",
		}),
		realizedProfit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scalper_realized_profit_quote",
			Help: "Cumulative realized profit in quote units",
		}),
	}
	reg.MustRegister(m.eventsTotal, m.tradesTotal, m.apiErrorsTotal,
		m.breakerTripsTotal, m.rateLimitHits, m.realizedProfit)
	return m
}

// ObserveEvent updates counters from one published event.
func (m *Metrics) ObserveEvent(evt Event) {
	m.eventsTotal.WithLabelValues(string(evt.Kind), string(evt.Severity)).Inc()
	switch evt.Kind {
	case EventTradeSuccess:
		m.tradesTotal.WithLabelValues("success").Inc()
	case EventTradeFailure:
		m.tradesTotal.WithLabelValues("failure").Inc()
	case EventAPIError:
		m.apiErrorsTotal.Inc()
	case EventCircuitBreaker:
		m.breakerTripsTotal.Inc()
	case EventRateLimit:
		m.rateLimitHits.Inc()
	}
}

// AddRealizedProfit accumulates closed-trade P&L into the gauge.
func (m *Metrics) AddRealizedProfit(profit float64) {
	m.realizedProfit.Add(profit)
}

// Server handles Prometheus metrics export
type Server struct {
	port    int
	logger  core.ILogger
	metrics *Metrics
	srv     *http.Server
}

// NewServer creates a new metrics server
func NewServer(port int, metrics *Metrics, logger core.ILogger) *Server {
	return &Server{
		port:    port,
		metrics: metrics,
		logger:  logger.WithField("component", "metrics_server"),
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}

// PerformanceMetrics accumulates session counters for status reporting.
type PerformanceMetrics struct {
	mu            sync.Mutex
	startedAt     time.Time
	trades        int
	successes     int
	apiFailures   int
	breakerTrips  int
	rateLimitHits int
	totalProfit   float64
}

// NewPerformanceMetrics starts a session accumulator.
func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{startedAt: time.Now()}
}

// RecordTrade registers one completed trade and its realized profit.
func (p *PerformanceMetrics) RecordTrade(success bool, profit float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades++
	if success {
		p.successes++
	}
	p.totalProfit += profit
}

// RecordAPIFailure counts a surfaced API failure.
func (p *PerformanceMetrics) RecordAPIFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apiFailures++
}

// RecordBreakerTrip counts a circuit breaker open transition.
func (p *PerformanceMetrics) RecordBreakerTrip() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakerTrips++
}

// RecordRateLimitHit counts a 429 observed from the exchange.
func (p *PerformanceMetrics) RecordRateLimitHit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rateLimitHits++
}

// PerformanceSnapshot is a point-in-time view of the session counters.
type PerformanceSnapshot struct {
	Uptime        time.Duration `json:"uptime"`
	Trades        int           `json:"trades"`
	SuccessRate   float64       `json:"success_rate"`
	APIFailures   int           `json:"api_failures"`
	BreakerTrips  int           `json:"breaker_trips"`
	RateLimitHits int           `json:"rate_limit_hits"`
	TotalProfit   float64       `json:"total_profit"`
}

// Snapshot returns the current counters.
func (p *PerformanceMetrics) Snapshot() PerformanceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	rate := 0.0
	if p.trades > 0 {
		rate = float64(p.successes) / float64(p.trades)
	}
	return PerformanceSnapshot{
		Uptime:        time.Since(p.startedAt),
		Trades:        p.trades,
		SuccessRate:   rate,
		APIFailures:   p.apiFailures,
		BreakerTrips:  p.breakerTrips,
		RateLimitHits: p.rateLimitHits,
		TotalProfit:   p.totalProfit,
	}
}
