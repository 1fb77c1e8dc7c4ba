package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ClosedTrade is the record of one completed buy-hold-sell cycle.
type ClosedTrade struct {
	SessionID   string
	Pair        string
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Qty         decimal.Decimal
	RealizedPnl float64
	DCAUsed     int
	Virtual     bool
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// TradeRecorder persists closed trades. Failures must not break the loop;
// the engine logs and moves on.
type TradeRecorder interface {
	RecordClosedTrade(ctx context.Context, trade ClosedTrade) error
}
