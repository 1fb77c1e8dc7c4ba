package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SleepContext identifies the control loop a sleep call belongs to.
// Each context carries its own duration ceiling.
type SleepContext string

const (
	SleepTradingCycle   SleepContext = "trading_cycle"
	SleepAPIRetry       SleepContext = "api_retry"
	SleepErrorRecovery  SleepContext = "error_recovery"
	SleepCircuitBreaker SleepContext = "circuit_breaker"
	SleepDataPolling    SleepContext = "data_polling"
	SleepBalanceCheck   SleepContext = "balance_check"
)

// ISleeper is the single suspension point of the system. Every component
// that waits goes through it so the per-session wait budget is enforceable.
type ISleeper interface {
	// Sleep returns false without sleeping when the session budget is exhausted
	// or the context is cancelled.
	Sleep(ctx context.Context, d time.Duration, sctx SleepContext, jitter bool) bool
	AdaptiveSleep(ctx context.Context, base time.Duration, failureCount int, sctx SleepContext) bool
	ConditionalSleep(ctx context.Context, d time.Duration, cond func() bool, maxWait time.Duration) bool
	CircuitBreakerSleep(ctx context.Context, failureCount int) bool
	RateLimitSleep(ctx context.Context, retryAfter time.Duration) bool
}

// IExchange defines the typed operations the trading engine relies on.
type IExchange interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	// Market data
	GetTicker(ctx context.Context, pair string) (decimal.Decimal, error)
	GetOrderBook(ctx context.Context, pair string, depth int) (*OrderBook, error)
	GetCandles(ctx context.Context, pair, interval string, limit int) ([]Candle, error)
	BestBookPrice(ctx context.Context, pair string, side Side) (decimal.Decimal, error)

	// Account
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	ListBuyFills(ctx context.Context, pair string) ([]Fill, error)
	EffectiveFeeRate(ctx context.Context, orderType OrderType, notional decimal.Decimal) (decimal.Decimal, error)

	// Orders
	PlaceSpotOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	GetOrderStatus(ctx context.Context, pair, orderID string) (*Order, error)
	ListOpenOrders(ctx context.Context, pair string) ([]*Order, error)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
