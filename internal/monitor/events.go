// Package monitor is the event backbone of the scalper: components publish
// immutable events, the bus throttles and fans them out to alert handlers
// and subscribers, and the failure-pattern detector raises early warnings.
// The monitor is a leaf: it receives events and never calls back into the
// engine.
package monitor

import (
	"time"
)

// EventKind identifies what happened.
type EventKind string

const (
	EventTradeSuccess           EventKind = "trade_success"
	EventTradeFailure           EventKind = "trade_failure"
	EventAPIError               EventKind = "api_error"
	EventCircuitBreaker         EventKind = "circuit_breaker"
	EventRateLimit              EventKind = "rate_limit"
	EventBalanceLow             EventKind = "balance_low"
	EventPerformanceDegradation EventKind = "performance_degradation"
	EventAnomalyDetected        EventKind = "anomaly_detected"
)

// Severity ranks an event. Critical events bypass throttling.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is an immutable monitoring record.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Kind      EventKind              `json:"kind"`
	Severity  Severity               `json:"severity"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind EventKind, severity Severity, source, message string, metadata map[string]interface{}) Event {
	return Event{
		Timestamp: time.Now(),
		Kind:      kind,
		Severity:  severity,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}
}
