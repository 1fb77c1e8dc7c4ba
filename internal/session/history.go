package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"scalper/internal/trading/engine"
)

// TradeHistory keeps closed trades in a local SQLite database so sessions
// can be reviewed after the processes are gone.
type TradeHistory struct {
	db *sql.DB
}

// NewTradeHistory opens (and if needed creates) the database at dbPath.
func NewTradeHistory(dbPath string) (*TradeHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open trade history: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping trade history: %w", err)
	}

	// WAL survives worker crashes without corrupting the file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS closed_trades (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL,
		pair         TEXT NOT NULL,
		entry_price  TEXT NOT NULL,
		exit_price   TEXT NOT NULL,
		qty          TEXT NOT NULL,
		realized_pnl REAL NOT NULL,
		dca_used     INTEGER NOT NULL,
		virtual      INTEGER NOT NULL,
		opened_at    INTEGER NOT NULL,
		closed_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_closed_trades_pair ON closed_trades(pair, closed_at);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create trade history schema: %w", err)
	}
	return &TradeHistory{db: db}, nil
}

// Ping reports whether the database is still reachable.
func (h *TradeHistory) Ping() error {
	return h.db.Ping()
}

// RecordClosedTrade appends one completed trade.
func (h *TradeHistory) RecordClosedTrade(ctx context.Context, trade engine.ClosedTrade) error {
	query := `INSERT INTO closed_trades
		(session_id, pair, entry_price, exit_price, qty, realized_pnl, dca_used, virtual, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := h.db.ExecContext(ctx, query,
		trade.SessionID, trade.Pair,
		trade.EntryPrice.String(), trade.ExitPrice.String(), trade.Qty.String(),
		trade.RealizedPnl, trade.DCAUsed, boolToInt(trade.Virtual),
		trade.OpenedAt.UnixNano(), trade.ClosedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert closed trade: %w", err)
	}
	return nil
}

// ListRecent returns the latest trades for the pair, newest first.
func (h *TradeHistory) ListRecent(ctx context.Context, pair string, limit int) ([]engine.ClosedTrade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT session_id, pair, entry_price, exit_price, qty, realized_pnl, dca_used, virtual, opened_at, closed_at
		FROM closed_trades WHERE pair = ? ORDER BY closed_at DESC LIMIT ?`
	rows, err := h.db.QueryContext(ctx, query, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	defer rows.Close()

	var trades []engine.ClosedTrade
	for rows.Next() {
		var (
			t                      engine.ClosedTrade
			entry, exit, qty       string
			virtual                int
			openedNano, closedNano int64
		)
		if err := rows.Scan(&t.SessionID, &t.Pair, &entry, &exit, &qty,
			&t.RealizedPnl, &t.DCAUsed, &virtual, &openedNano, &closedNano); err != nil {
			return nil, fmt.Errorf("scan closed trade: %w", err)
		}
		t.EntryPrice, err = parseDecimal(entry)
		if err != nil {
			return nil, err
		}
		t.ExitPrice, err = parseDecimal(exit)
		if err != nil {
			return nil, err
		}
		t.Qty, err = parseDecimal(qty)
		if err != nil {
			return nil, err
		}
		t.Virtual = virtual != 0
		t.OpenedAt = time.Unix(0, openedNano).UTC()
		t.ClosedAt = time.Unix(0, closedNano).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// PairSummary aggregates a pair's closed trades.
type PairSummary struct {
	Trades   int
	Wins     int
	TotalPnl float64
}

// Summarize computes the aggregate for one pair.
func (h *TradeHistory) Summarize(ctx context.Context, pair string) (PairSummary, error) {
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(realized_pnl), 0)
		FROM closed_trades WHERE pair = ?`
	var s PairSummary
	if err := h.db.QueryRowContext(ctx, query, pair).Scan(&s.Trades, &s.Wins, &s.TotalPnl); err != nil {
		return PairSummary{}, fmt.Errorf("summarize closed trades: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (h *TradeHistory) Close() error {
	return h.db.Close()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse stored decimal %q: %w", s, err)
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
