package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Pattern is an early warning raised by the detector.
type Pattern struct {
	Type        string
	Severity    Severity
	Description string
}

type outcome struct {
	at       time.Time
	kind     EventKind
	success  bool
	metadata string
}

const (
	detectorWindowSize   = 100
	recentOutcomes       = 20
	consecutiveThreshold = 5
	failureRateWarning   = 0.3
	failureRateCritical  = 0.5
	apiTimeoutThreshold  = 10
)

// FailurePatternDetector keeps a bounded ring of recent outcomes and flags
// failure clusters before they become losses.
type FailurePatternDetector struct {
	mu     sync.Mutex
	ring   []outcome
	next   int
	filled bool
}

// NewFailurePatternDetector creates an empty detector.
func NewFailurePatternDetector() *FailurePatternDetector {
	return &FailurePatternDetector{ring: make([]outcome, detectorWindowSize)}
}

// Record registers one outcome and returns any patterns the ring now shows.
// Fewer than 10 recorded outcomes is never enough to raise one.
func (d *FailurePatternDetector) Record(kind EventKind, success bool, metadata string) []Pattern {
	d.mu.Lock()
	d.ring[d.next] = outcome{at: time.Now(), kind: kind, success: success, metadata: metadata}
	d.next = (d.next + 1) % len(d.ring)
	if d.next == 0 {
		d.filled = true
	}
	recent := d.lastN(recentOutcomes)
	d.mu.Unlock()

	if len(recent) < 10 {
		return nil
	}

	var patterns []Pattern

	consecutive := 0
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].success {
			break
		}
		consecutive++
	}
	if consecutive >= consecutiveThreshold {
		patterns = append(patterns, Pattern{
			Type:        "consecutive_failures",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("%d consecutive failures detected", consecutive),
		})
	}

	failures := 0
	for _, o := range recent {
		if !o.success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(recent))
	if rate >= failureRateWarning {
		sev := SeverityWarning
		if rate >= failureRateCritical {
			sev = SeverityCritical
		}
		patterns = append(patterns, Pattern{
			Type:        "high_failure_rate",
			Severity:    sev,
			Description: fmt.Sprintf("high failure rate: %.0f%%", rate*100),
		})
	}

	timeouts := 0
	for _, o := range recent {
		if o.kind == EventAPIError && strings.Contains(strings.ToLower(o.metadata), "timeout") {
			timeouts++
		}
	}
	if timeouts >= apiTimeoutThreshold {
		patterns = append(patterns, Pattern{
			Type:        "api_timeout_cluster",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("api timeout cluster: %d timeouts", timeouts),
		})
	}

	return patterns
}

// lastN returns the most recent n outcomes, oldest first. Caller holds d.mu.
func (d *FailurePatternDetector) lastN(n int) []outcome {
	size := d.next
	if d.filled {
		size = len(d.ring)
	}
	if n > size {
		n = size
	}
	out := make([]outcome, 0, n)
	for i := n; i > 0; i-- {
		idx := (d.next - i + len(d.ring)) % len(d.ring)
		out = append(out, d.ring[idx])
	}
	return out
}
