package order

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// AuditRecord is one row of the per-day trade audit log, one per order
// lifecycle step.
type AuditRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id"`
	OperationType string    `json:"operation_type"`
	Pair          string    `json:"pair"`
	Percentage    float64   `json:"percentage"`
	Qty           string    `json:"qty"`
	Price         string    `json:"price"`
	GrossValue    string    `json:"gross_value"`
	OrderID       string    `json:"order_id"`
	Status        string    `json:"status"`
	FeeEstimated  string    `json:"fee_estimated"`
	FeeRate       string    `json:"fee_rate"`
	GTUsed        bool      `json:"gt_used"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	PriceSource   string    `json:"price_source"`
	ExecTimeMs    int64     `json:"exec_time_ms"`
	UserAction    string    `json:"user_action"`
	Notes         string    `json:"notes"`
}

// AuditLogger persists order lifecycle records.
type AuditLogger interface {
	Append(record AuditRecord) error
}

var csvHeader = []string{
	"timestamp", "session_id", "operation_type", "pair", "percentage",
	"qty", "price", "gross_value", "order_id", "status",
	"fee_estimated", "fee_rate", "gt_used", "balance_before", "balance_after",
	"price_source", "exec_time_ms", "user_action", "notes",
}

// FileAuditLogger writes each record to a per-day CSV file and a per-day
// NDJSON file under a trading_logs directory.
type FileAuditLogger struct {
	dir string
	mu  sync.Mutex
}

// NewFileAuditLogger creates the log directory if needed.
func NewFileAuditLogger(dir string) (*FileAuditLogger, error) {
	if dir == "" {
		dir = "trading_logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &FileAuditLogger{dir: dir}, nil
}

// Append writes the record to both formats. Partial failure surfaces the
// first error; the CSV write is attempted first.
func (l *FileAuditLogger) Append(record AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := record.Timestamp.UTC().Format("2006-01-02")
	if err := l.appendCSV(day, record); err != nil {
		return err
	}
	return l.appendNDJSON(day, record)
}

func (l *FileAuditLogger) appendCSV(day string, record AuditRecord) error {
	path := filepath.Join(l.dir, "trading_log_"+day+".csv")

	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write audit csv header: %w", err)
		}
	}
	row := []string{
		record.Timestamp.UTC().Format(time.RFC3339),
		record.SessionID,
		record.OperationType,
		record.Pair,
		strconv.FormatFloat(record.Percentage, 'f', -1, 64),
		record.Qty,
		record.Price,
		record.GrossValue,
		record.OrderID,
		record.Status,
		record.FeeEstimated,
		record.FeeRate,
		strconv.FormatBool(record.GTUsed),
		record.BalanceBefore,
		record.BalanceAfter,
		record.PriceSource,
		strconv.FormatInt(record.ExecTimeMs, 10),
		record.UserAction,
		record.Notes,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write audit csv row: %w", err)
	}
	w.Flush()
	return w.Error()
}

func (l *FileAuditLogger) appendNDJSON(day string, record AuditRecord) error {
	path := filepath.Join(l.dir, "trading_log_"+day+".ndjson")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit ndjson: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit ndjson: %w", err)
	}
	return nil
}
