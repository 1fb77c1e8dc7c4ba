package monitor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// Anomaly is one finding from a log scan.
type Anomaly struct {
	Type        string
	Severity    Severity
	Description string
}

// Report summarizes one scan over recent engine logs.
type Report struct {
	FilesScanned    int
	TotalEvents     int
	SuccessCount    int
	ErrorCount      int
	APIErrors       int
	RateLimits      int
	CircuitBreakers int
	Profits         []float64
	Anomalies       []Anomaly
}

var (
	reTradeSuccess   = regexp.MustCompile(`SELL.*profit=([0-9.eE+-]+)`)
	reTradeFailure   = regexp.MustCompile(`(?i)(?:error|failed).*(?:trade|order)`)
	reAPIError       = regexp.MustCompile(`(?i)api.*(?:failed|error|timeout)`)
	reRateLimit      = regexp.MustCompile(`(?i)rate limit`)
	reCircuitBreaker = regexp.MustCompile(`(?i)circuit breaker`)
)

const (
	errorRateThreshold    = 0.2
	rateLimitThreshold    = 5
	circuitBreakThreshold = 3
	profitDeclineFactor   = 0.7
)

// LogAnalyzer scans engine log files for anomaly patterns. It is stateless
// between runs; the bus schedules it.
type LogAnalyzer struct {
	dir       string
	hoursBack int
}

// NewLogAnalyzer watches *.log files under dir modified within hoursBack.
func NewLogAnalyzer(dir string, hoursBack int) *LogAnalyzer {
	if hoursBack <= 0 {
		hoursBack = 24
	}
	return &LogAnalyzer{dir: dir, hoursBack: hoursBack}
}

// AnalyzeRecent scans recent logs and derives anomalies from the counts.
func (a *LogAnalyzer) AnalyzeRecent() (*Report, error) {
	cutoff := time.Now().Add(-time.Duration(a.hoursBack) * time.Hour)

	matches, err := filepath.Glob(filepath.Join(a.dir, "*.log"))
	if err != nil {
		return nil, fmt.Errorf("glob logs: %w", err)
	}

	report := &Report{}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		if err := a.scanFile(path, report); err != nil {
			return nil, err
		}
		report.FilesScanned++
	}

	report.Anomalies = detectAnomalies(report)
	return report, nil
}

func (a *LogAnalyzer) scanFile(path string, report *Report) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		matched := false
		if m := reTradeSuccess.FindStringSubmatch(line); m != nil {
			report.SuccessCount++
			if profit, err := strconv.ParseFloat(m[1], 64); err == nil {
				report.Profits = append(report.Profits, profit)
			}
			matched = true
		}
		if reTradeFailure.MatchString(line) {
			report.ErrorCount++
			matched = true
		}
		if reAPIError.MatchString(line) {
			report.APIErrors++
			matched = true
		}
		if reRateLimit.MatchString(line) {
			report.RateLimits++
			matched = true
		}
		if reCircuitBreaker.MatchString(line) {
			report.CircuitBreakers++
			matched = true
		}
		if matched {
			report.TotalEvents++
		}
	}
	return scanner.Err()
}

func detectAnomalies(r *Report) []Anomaly {
	var anomalies []Anomaly

	if r.TotalEvents > 0 {
		rate := float64(r.ErrorCount) / float64(r.TotalEvents)
		if rate > errorRateThreshold {
			sev := SeverityWarning
			if rate >= 0.5 {
				sev = SeverityCritical
			}
			anomalies = append(anomalies, Anomaly{
				Type:        "high_error_rate",
				Severity:    sev,
				Description: fmt.Sprintf("high error rate detected: %.0f%%", rate*100),
			})
		}
	}

	if r.RateLimits > rateLimitThreshold {
		anomalies = append(anomalies, Anomaly{
			Type:        "excessive_rate_limits",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("excessive rate limit hits: %d", r.RateLimits),
		})
	}

	if r.CircuitBreakers > circuitBreakThreshold {
		anomalies = append(anomalies, Anomaly{
			Type:        "repeated_circuit_breaks",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("multiple circuit breaker triggers: %d", r.CircuitBreakers),
		})
	}

	if len(r.Profits) > 10 {
		recent := r.Profits[len(r.Profits)-10:]
		var older []float64
		if len(r.Profits) >= 20 {
			older = r.Profits[len(r.Profits)-20 : len(r.Profits)-10]
		} else {
			older = r.Profits[:len(r.Profits)-10]
		}
		recentAvg := mean(recent)
		olderAvg := mean(older)
		if olderAvg > 0 && recentAvg < olderAvg*profitDeclineFactor {
			anomalies = append(anomalies, Anomaly{
				Type:        "performance_degradation",
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("profit decline detected: %.4f vs %.4f", recentAvg, olderAvg),
			})
		}
	}

	return anomalies
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
