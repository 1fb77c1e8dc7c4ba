package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalper/internal/trading/engine"
)

func newTestHistory(t *testing.T) *TradeHistory {
	t.Helper()
	h, err := NewTradeHistory(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func closedTrade(pair string, pnl float64, closedAt time.Time) engine.ClosedTrade {
	return engine.ClosedTrade{
		SessionID:   "session-1",
		Pair:        pair,
		EntryPrice:  decimal.RequireFromString("20000"),
		ExitPrice:   decimal.RequireFromString("20200"),
		Qty:         decimal.RequireFromString("0.0025"),
		RealizedPnl: pnl,
		DCAUsed:     1,
		OpenedAt:    closedAt.Add(-10 * time.Minute),
		ClosedAt:    closedAt,
	}
}

func TestTradeHistory_RecordAndList(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.RecordClosedTrade(ctx, closedTrade("BTC_USDT", 0.5, base)))
	require.NoError(t, h.RecordClosedTrade(ctx, closedTrade("BTC_USDT", -0.2, base.Add(time.Hour))))
	require.NoError(t, h.RecordClosedTrade(ctx, closedTrade("ETH_USDT", 1.0, base)))

	trades, err := h.ListRecent(ctx, "BTC_USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, -0.2, trades[0].RealizedPnl, "newest first")
	assert.True(t, trades[0].EntryPrice.Equal(decimal.RequireFromString("20000")))
	assert.True(t, trades[0].Qty.Equal(decimal.RequireFromString("0.0025")))
	assert.Equal(t, base.Add(time.Hour), trades[0].ClosedAt)
}

func TestTradeHistory_Summarize(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.RecordClosedTrade(ctx, closedTrade("BTC_USDT", 0.5, base)))
	require.NoError(t, h.RecordClosedTrade(ctx, closedTrade("BTC_USDT", 0.3, base.Add(time.Minute))))
	require.NoError(t, h.RecordClosedTrade(ctx, closedTrade("BTC_USDT", -0.1, base.Add(2*time.Minute))))

	summary, err := h.Summarize(ctx, "BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Trades)
	assert.Equal(t, 2, summary.Wins)
	assert.InDelta(t, 0.7, summary.TotalPnl, 1e-9)

	empty, err := h.Summarize(ctx, "SOL_USDT")
	require.NoError(t, err)
	assert.Zero(t, empty.Trades)
	assert.Zero(t, empty.TotalPnl)
}
