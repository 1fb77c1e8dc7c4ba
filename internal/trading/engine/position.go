package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"scalper/internal/core"
)

// Position tracks one open long position and its DCA ladder. The running
// VWAP over all fills becomes the effective entry once any ladder level
// activates.
type Position struct {
	Pair          string
	EntryPrice    decimal.Decimal
	Qty           decimal.Decimal
	OpenedAt      time.Time
	TargetPercent float64
	// Virtual marks a position adopted from a pre-existing balance rather
	// than a fresh fill.
	Virtual bool

	totalCost    decimal.Decimal
	dcaActivated [3]bool
}

// NewPosition opens a position from one fill (or a virtual adoption at the
// current market price).
func NewPosition(pair string, price, qty decimal.Decimal, targetPercent float64, openedAt time.Time, virtual bool) *Position {
	return &Position{
		Pair:          pair,
		EntryPrice:    price,
		Qty:           qty,
		OpenedAt:      openedAt,
		TargetPercent: targetPercent,
		Virtual:       virtual,
		totalCost:     price.Mul(qty),
	}
}

// AddFill folds another fill into the position, moving the VWAP.
func (p *Position) AddFill(price, qty decimal.Decimal) {
	p.totalCost = p.totalCost.Add(price.Mul(qty))
	p.Qty = p.Qty.Add(qty)
}

// VWAP is the volume-weighted average price over all fills.
func (p *Position) VWAP() decimal.Decimal {
	if p.Qty.IsZero() {
		return p.EntryPrice
	}
	return p.totalCost.Div(p.Qty)
}

// EffectiveEntry is the VWAP once any DCA level has activated, otherwise the
// original entry price.
func (p *Position) EffectiveEntry() decimal.Decimal {
	for _, activated := range p.dcaActivated {
		if activated {
			return p.VWAP()
		}
	}
	return p.EntryPrice
}

// PnLPercent is the signed percentage move of current against the effective
// entry. A DCA fill lowers the VWAP and deliberately resets the loss.
func (p *Position) PnLPercent(current decimal.Decimal) float64 {
	entry := p.EffectiveEntry()
	if !entry.IsPositive() {
		return 0
	}
	pnl, _ := current.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100)).Float64()
	return pnl
}

// TargetPrice is the price at which the profit target is reached.
func (p *Position) TargetPrice() decimal.Decimal {
	factor := decimal.NewFromFloat(1 + p.TargetPercent/100)
	return p.EffectiveEntry().Mul(factor)
}

// ActivateDCA marks a ladder level (1-based) used. Levels activate at most
// once and only in order.
func (p *Position) ActivateDCA(level int) bool {
	if level < 1 || level > len(p.dcaActivated) {
		return false
	}
	if p.dcaActivated[level-1] {
		return false
	}
	for i := 0; i < level-1; i++ {
		if !p.dcaActivated[i] {
			return false
		}
	}
	p.dcaActivated[level-1] = true
	return true
}

// DCAActivated reports whether a ladder level (1-based) has been used.
func (p *Position) DCAActivated(level int) bool {
	if level < 1 || level > len(p.dcaActivated) {
		return false
	}
	return p.dcaActivated[level-1]
}

// Snapshot exports the position for status reporting.
func (p *Position) Snapshot() core.PositionSnapshot {
	return core.PositionSnapshot{
		EntryPrice:    p.EffectiveEntry(),
		Quantity:      p.Qty,
		OpenedAt:      p.OpenedAt,
		TargetPercent: p.TargetPercent,
		DCAActivated:  p.dcaActivated,
	}
}
