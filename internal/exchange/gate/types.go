package gate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"
)

// Wire types for the Gate.io v4 spot REST API.

type tickerEntry struct {
	CurrencyPair string `json:"currency_pair"`
	Last         string `json:"last"`
	LowestAsk    string `json:"lowest_ask"`
	HighestBid   string `json:"highest_bid"`
}

type bookResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type accountEntry struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

type tradeEntry struct {
	ID           string `json:"id"`
	CreateTimeMs string `json:"create_time_ms"`
	OrderID      string `json:"order_id"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
	Fee          string `json:"fee"`
	FeeCurrency  string `json:"fee_currency"`
}

type orderResponse struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	CreateTime   string `json:"create_time"`
	Status       string `json:"status"`
	CurrencyPair string `json:"currency_pair"`
	Type         string `json:"type"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
	Left         string `json:"left"`
	FilledTotal  string `json:"filled_total"`
}

type feeResponse struct {
	TakerFee   string `json:"taker_fee"`
	MakerFee   string `json:"maker_fee"`
	GTDiscount bool   `json:"gt_discount"`
	GTTakerFee string `json:"gt_taker_fee"`
	GTMakerFee string `json:"gt_maker_fee"`
}

func (o *orderResponse) toOrder() (*core.Order, error) {
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		return nil, fmt.Errorf("order %s: bad price %q: %w", o.ID, o.Price, err)
	}
	amount, err := decimal.NewFromString(o.Amount)
	if err != nil {
		return nil, fmt.Errorf("order %s: bad amount %q: %w", o.ID, o.Amount, err)
	}
	left := decimal.Zero
	if o.Left != "" {
		left, err = decimal.NewFromString(o.Left)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad left %q: %w", o.ID, o.Left, err)
		}
	}
	filledTotal := decimal.Zero
	if o.FilledTotal != "" {
		filledTotal, err = decimal.NewFromString(o.FilledTotal)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad filled_total %q: %w", o.ID, o.FilledTotal, err)
		}
	}

	var createdAt time.Time
	if secs, err := strconv.ParseInt(o.CreateTime, 10, 64); err == nil {
		createdAt = time.Unix(secs, 0)
	}

	return &core.Order{
		ID:          o.ID,
		Pair:        o.CurrencyPair,
		Side:        core.Side(o.Side),
		Type:        core.OrderType(o.Type),
		Status:      core.OrderStatus(o.Status),
		Price:       price,
		Amount:      amount,
		FilledTotal: filledTotal,
		Left:        left,
		CreatedAt:   createdAt,
	}, nil
}

func (t *tradeEntry) toFill() (core.Fill, error) {
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return core.Fill{}, fmt.Errorf("trade %s: bad price %q: %w", t.ID, t.Price, err)
	}
	qty, err := decimal.NewFromString(t.Amount)
	if err != nil {
		return core.Fill{}, fmt.Errorf("trade %s: bad amount %q: %w", t.ID, t.Amount, err)
	}
	fee := decimal.Zero
	if t.Fee != "" {
		fee, _ = decimal.NewFromString(t.Fee)
	}

	var ts time.Time
	if ms, err := strconv.ParseFloat(t.CreateTimeMs, 64); err == nil {
		ts = time.UnixMilli(int64(ms))
	}

	return core.Fill{
		Price:       price,
		Qty:         qty,
		Value:       price.Mul(qty),
		Ts:          ts,
		Fee:         fee,
		FeeCurrency: t.FeeCurrency,
		OrderID:     t.OrderID,
	}, nil
}

func parseBookSide(levels [][]string) ([]core.BookLevel, error) {
	out := make([]core.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("malformed book level %v", lvl)
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("bad book price %q: %w", lvl[0], err)
		}
		size, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("bad book size %q: %w", lvl[1], err)
		}
		out = append(out, core.BookLevel{Price: price, Size: size})
	}
	return out, nil
}

// Candlestick wire order: [ts, quote_volume, close, high, low, open, base_volume, closed].
func parseCandle(raw []string) (core.Candle, error) {
	if len(raw) < 7 {
		return core.Candle{}, fmt.Errorf("malformed candle %v", raw)
	}
	secs, err := strconv.ParseInt(raw[0], 10, 64)
	if err != nil {
		return core.Candle{}, fmt.Errorf("bad candle timestamp %q: %w", raw[0], err)
	}
	fields := make([]decimal.Decimal, 5)
	for i, idx := range []int{5, 3, 4, 2, 6} { // open, high, low, close, base volume
		d, err := decimal.NewFromString(raw[idx])
		if err != nil {
			return core.Candle{}, fmt.Errorf("bad candle field %q: %w", raw[idx], err)
		}
		fields[i] = d
	}
	return core.Candle{
		Ts:     time.Unix(secs, 0),
		Open:   fields[0],
		High:   fields[1],
		Low:    fields[2],
		Close:  fields[3],
		Volume: fields[4],
	}, nil
}

// parseAPIError maps an error response body onto the structured taxonomy.
func parseAPIError(statusCode int, body []byte, retryAfter time.Duration) error {
	var errResp struct {
		Label   string `json:"label"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		errResp.Message = string(body)
	}
	return &apperrors.APIError{
		StatusCode: statusCode,
		Label:      errResp.Label,
		Message:    errResp.Message,
		RetryAfter: retryAfter,
	}
}
