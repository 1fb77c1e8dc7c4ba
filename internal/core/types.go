// Package core defines the shared types and interfaces of the scalper.
package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyPrecision is the fractional-digit precision used for all prices,
// quantities and balances. Quantities are floored, prices are rounded.
const MoneyPrecision = 8

// FloorQty truncates a quantity to MoneyPrecision digits for API submission.
func FloorQty(q decimal.Decimal) decimal.Decimal {
	return q.RoundFloor(MoneyPrecision)
}

// RoundPrice rounds a price to MoneyPrecision digits for API submission.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(MoneyPrecision)
}

// BaseAsset returns the base symbol of a BASE_QUOTE pair.
func BaseAsset(pair string) string {
	if i := strings.Index(pair, "_"); i > 0 {
		return pair[:i]
	}
	return pair
}

// QuoteAsset returns the quote symbol of a BASE_QUOTE pair.
func QuoteAsset(pair string) string {
	if i := strings.Index(pair, "_"); i >= 0 && i+1 < len(pair) {
		return pair[i+1:]
	}
	return ""
}

// Side is an order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus mirrors the exchange order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusClosed    OrderStatus = "closed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PlaceOrderRequest is a fully resolved order ready for submission.
type PlaceOrderRequest struct {
	Pair  string
	Side  Side
	Type  OrderType
	Qty   decimal.Decimal
	Price decimal.Decimal
}

// Order is the exchange's view of a placed order.
type Order struct {
	ID          string
	Pair        string
	Side        Side
	Type        OrderType
	Status      OrderStatus
	Price       decimal.Decimal
	Amount      decimal.Decimal
	FilledTotal decimal.Decimal
	Left        decimal.Decimal
	CreatedAt   time.Time
}

// Filled reports whether the order has no remaining quantity.
func (o *Order) Filled() bool {
	return o.Status == OrderStatusClosed || (o.Left.IsZero() && o.Amount.IsPositive())
}

// Fill is a single trade execution reported by the exchange.
type Fill struct {
	Price       decimal.Decimal
	Qty         decimal.Decimal
	Value       decimal.Decimal
	Ts          time.Time
	Fee         decimal.Decimal
	FeeCurrency string
	OrderID     string
}

// Candle is one OHLCV bar.
type Candle struct {
	Ts     time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook holds the top levels of both sides, best first.
type OrderBook struct {
	Bids []BookLevel
	Asks []BookLevel
}

// BotState is the cross-process lifecycle state of one worker.
type BotState string

const (
	BotIdle     BotState = "idle"
	BotStarting BotState = "starting"
	BotRunning  BotState = "running"
	BotStopping BotState = "stopping"
	BotStopped  BotState = "stopped"
	BotError    BotState = "error"
)

// Active reports whether the bot may hold a budget allocation.
func (s BotState) Active() bool {
	return s == BotStarting || s == BotRunning
}

// PositionSnapshot is the serializable view of an open position.
type PositionSnapshot struct {
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	OpenedAt      time.Time       `json:"opened_at"`
	TargetPercent float64         `json:"target_percent"`
	DCAActivated  [3]bool         `json:"dca_activated"`
}

// BotStatus is the per-bot record kept in shared state.
type BotStatus struct {
	BotID           string            `json:"bot_id"`
	Pair            string            `json:"pair"`
	Status          BotState          `json:"status"`
	PID             int               `json:"pid,omitempty"`
	StartedAt       time.Time         `json:"started_at,omitzero"`
	AllocatedBudget decimal.Decimal   `json:"allocated_budget"`
	CurrentPosition *PositionSnapshot `json:"current_position,omitempty"`
	TradesToday     int               `json:"trades_today"`
	PnlPercent      float64           `json:"pnl_percent"`
	LastAction      string            `json:"last_action,omitempty"`
	LastActionAt    time.Time         `json:"last_action_at,omitzero"`
	ErrorsCount     int               `json:"errors_count"`
}

// GlobalBudget is the quote-currency budget shared across bots.
type GlobalBudget struct {
	TotalQuote     decimal.Decimal `json:"total_quote"`
	AllocatedQuote decimal.Decimal `json:"allocated_quote"`
	AvailableQuote decimal.Decimal `json:"available_quote"`
	LastUpdate     time.Time       `json:"last_update"`
}
