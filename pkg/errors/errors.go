// Package apperrors defines the error taxonomy shared across the scalper.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standardized exchange errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrMinOrderValue        = errors.New("order value below exchange minimum")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrTimeout              = errors.New("request timeout")
	ErrServer               = errors.New("exchange server error")
	ErrInvalidPair          = errors.New("invalid currency pair")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrCircuitOpen          = errors.New("circuit breaker open")
	ErrPairBlocked          = errors.New("pair is blocked")
	ErrLockTimeout          = errors.New("shared state lock timeout")
	ErrSleepBudgetExceeded  = errors.New("session sleep budget exceeded")
	ErrBudgetDenied         = errors.New("budget allocation denied")
)

// Type is the error category used for retry and user-feedback decisions.
type Type string

const (
	TypeNetwork             Type = "network"
	TypeRateLimit           Type = "rate_limit"
	TypeServer              Type = "server"
	TypeTimeout             Type = "timeout"
	TypeAPI                 Type = "api"
	TypeInsufficientBalance Type = "insufficient_balance"
	TypeMinOrderValue       Type = "min_order_value"
	TypeValidation          Type = "validation"
	TypeUnknown             Type = "unknown"
)

// Retryable reports whether the category is worth another attempt.
func (t Type) Retryable() bool {
	switch t {
	case TypeNetwork, TypeRateLimit, TypeServer, TypeTimeout, TypeUnknown:
		return true
	}
	return false
}

// APIError is a structured error from the exchange HTTP layer.
type APIError struct {
	StatusCode int
	Label      string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Label, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps known labels and status codes onto sentinel errors so callers
// can use errors.Is without knowing the wire format.
func (e *APIError) Unwrap() error {
	switch e.Label {
	case "BALANCE_NOT_ENOUGH", "MARGIN_BALANCE_NOT_ENOUGH":
		return ErrInsufficientFunds
	case "TOO_MANY_REQUESTS":
		return ErrRateLimitExceeded
	case "INVALID_CURRENCY", "INVALID_CURRENCY_PAIR", "CURRENCY_PAIR_NOT_FOUND":
		return ErrInvalidPair
	case "INVALID_KEY", "INVALID_SIGNATURE", "FORBIDDEN":
		return ErrAuthenticationFailed
	case "ORDER_NOT_FOUND":
		return ErrOrderNotFound
	case "POC_FILL_IMMEDIATELY", "ORDER_CLOSED", "ORDER_CANCELLED":
		return ErrOrderRejected
	}
	switch {
	case e.StatusCode == 429:
		return ErrRateLimitExceeded
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrAuthenticationFailed
	case e.StatusCode >= 500:
		return ErrServer
	}
	return nil
}

// Classify maps an error onto the taxonomy. Evaluation order matters:
// structured API errors first, then sentinels, then message heuristics.
func Classify(err error) Type {
	if err == nil {
		return TypeUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return TypeRateLimit
		case apiErr.StatusCode == 408 || apiErr.StatusCode == 504:
			return TypeTimeout
		case apiErr.StatusCode >= 500:
			return TypeServer
		case errors.Is(err, ErrInsufficientFunds):
			return TypeInsufficientBalance
		default:
			return TypeAPI
		}
	}

	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return TypeRateLimit
	case errors.Is(err, ErrTimeout):
		return TypeTimeout
	case errors.Is(err, ErrServer):
		return TypeServer
	case errors.Is(err, ErrNetwork):
		return TypeNetwork
	case errors.Is(err, ErrInsufficientFunds):
		return TypeInsufficientBalance
	case errors.Is(err, ErrMinOrderValue):
		return TypeMinOrderValue
	case errors.Is(err, ErrInvalidArgument):
		return TypeValidation
	case errors.Is(err, ErrOrderRejected), errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrInvalidPair), errors.Is(err, ErrAuthenticationFailed):
		return TypeAPI
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return TypeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "dns") || strings.Contains(msg, "refused"):
		return TypeNetwork
	}
	return TypeUnknown
}

// UserFeedback describes how a failure should be presented to the operator.
// The core only produces this structure; rendering belongs to the UI.
type UserFeedback struct {
	Icon     string        `json:"icon"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
	Color    string        `json:"color"`
}

// FeedbackFor builds the user-visible representation of an error category.
func FeedbackFor(t Type, detail string) UserFeedback {
	switch t {
	case TypeInsufficientBalance:
		return UserFeedback{Icon: "insufficient-balance", Message: "Insufficient balance: " + detail, Duration: 8 * time.Second, Color: "red"}
	case TypeMinOrderValue:
		return UserFeedback{Icon: "min-order-value", Message: "Order below exchange minimum: " + detail, Duration: 6 * time.Second, Color: "yellow"}
	case TypeNetwork, TypeTimeout:
		return UserFeedback{Icon: "network-error", Message: "Network problem: " + detail, Duration: 5 * time.Second, Color: "yellow"}
	case TypeValidation:
		return UserFeedback{Icon: "validation", Message: "Invalid request: " + detail, Duration: 10 * time.Second, Color: "red"}
	default:
		return UserFeedback{Icon: "api-error", Message: "Exchange error: " + detail, Duration: 5 * time.Second, Color: "red"}
	}
}
