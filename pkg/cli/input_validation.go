// Package cli validates operator-supplied command-line values before they
// reach the trading stack.
package cli

import (
	"fmt"
	"regexp"
	"strings"
)

// pairPattern matches Gate.io spot pairs: BASE_QUOTE in upper-case
// alphanumerics, e.g. BTC_USDT or SOL3L_USDT.
var pairPattern = regexp.MustCompile(`^[A-Z0-9]{1,20}_[A-Z0-9]{1,20}$`)

// ValidatePair checks a currency pair argument. Pairs end up in file names
// and subprocess arguments, so anything outside the strict pattern is
// rejected rather than sanitized.
func ValidatePair(pair string) error {
	if pair == "" {
		return fmt.Errorf("pair must not be empty")
	}
	if !pairPattern.MatchString(pair) {
		return fmt.Errorf("pair %q is not of the form BASE_QUOTE (upper-case, e.g. BTC_USDT)", pair)
	}
	return nil
}

// ValidatePairs checks a comma-separated pair list and returns the cleaned
// entries.
func ValidatePairs(raw string) ([]string, error) {
	var pairs []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		pair := strings.TrimSpace(part)
		if pair == "" {
			continue
		}
		if err := ValidatePair(pair); err != nil {
			return nil, err
		}
		if seen[pair] {
			return nil, fmt.Errorf("pair %s listed twice", pair)
		}
		seen[pair] = true
		pairs = append(pairs, pair)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pairs given")
	}
	return pairs, nil
}

// ValidateBudget checks a quote budget argument. Zero means "use the preset
// default" and is allowed; negatives are not.
func ValidateBudget(budget float64) error {
	if budget < 0 {
		return fmt.Errorf("budget must not be negative, got %v", budget)
	}
	return nil
}

// ValidatePercent checks a percentage argument against an inclusive range.
func ValidatePercent(name string, value, min, max float64) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %v and %v, got %v", name, min, max, value)
	}
	return nil
}
