package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_TooFewOutcomes(t *testing.T) {
	d := NewFailurePatternDetector()

	for i := 0; i < 9; i++ {
		patterns := d.Record(EventTradeFailure, false, "")
		assert.Empty(t, patterns, "below 10 outcomes nothing fires")
	}
}

func TestDetector_ConsecutiveFailuresCritical(t *testing.T) {
	d := NewFailurePatternDetector()

	for i := 0; i < 6; i++ {
		d.Record(EventTradeSuccess, true, "")
	}
	var patterns []Pattern
	for i := 0; i < 5; i++ {
		patterns = d.Record(EventTradeFailure, false, "")
	}

	require.NotEmpty(t, patterns)
	found := false
	for _, p := range patterns {
		if p.Type == "consecutive_failures" {
			found = true
			assert.Equal(t, SeverityCritical, p.Severity)
		}
	}
	assert.True(t, found)
}

func TestDetector_FailureRateSeverities(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		total    int
		wantSev  Severity
		wantHit  bool
	}{
		{"below 30% is quiet", 4, 20, "", false},
		{"30% is a warning", 6, 20, SeverityWarning, true},
		{"50% is critical", 10, 20, SeverityCritical, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewFailurePatternDetector()
			// Interleave failures to avoid tripping the consecutive rule.
			var last []Pattern
			fails := tt.failures
			for i := 0; i < tt.total; i++ {
				if fails > 0 && i%2 == 0 {
					last = d.Record(EventTradeFailure, false, "")
					fails--
				} else {
					last = d.Record(EventTradeSuccess, true, "")
				}
			}
			var got *Pattern
			for i := range last {
				if last[i].Type == "high_failure_rate" {
					got = &last[i]
				}
			}
			if tt.wantHit {
				require.NotNil(t, got)
				assert.Equal(t, tt.wantSev, got.Severity)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestDetector_APITimeoutCluster(t *testing.T) {
	d := NewFailurePatternDetector()

	var patterns []Pattern
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			patterns = d.Record(EventAPIError, false, "request timeout after 10s")
		} else {
			patterns = d.Record(EventTradeSuccess, true, "")
		}
	}

	found := false
	for _, p := range patterns {
		if p.Type == "api_timeout_cluster" {
			found = true
		}
	}
	assert.True(t, found, "10 timeouts in the recent window should flag a cluster")
}
