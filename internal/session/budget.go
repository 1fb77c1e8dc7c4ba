package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"
)

const (
	totalQuoteTTL = 10 * time.Second

	// allocationFloor is the smallest available amount worth splitting; below
	// it requests are denied outright.
	allocationFloor = 10.0
	partialFactor   = 0.9
)

// QuoteSource yields the exchange balance of one asset.
type QuoteSource interface {
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// BudgetCoordinator arbitrates the shared quote-currency balance between
// bots. All bookkeeping lives in the shared state document so every process
// sees the same allocation picture.
type BudgetCoordinator struct {
	source     QuoteSource
	state      *SharedState
	quoteAsset string
	logger     core.ILogger

	mu      sync.Mutex
	total   decimal.Decimal
	fetched time.Time
	now     func() time.Time
}

// NewBudgetCoordinator builds a coordinator over the shared state document.
func NewBudgetCoordinator(source QuoteSource, state *SharedState, quoteAsset string, logger core.ILogger) *BudgetCoordinator {
	return &BudgetCoordinator{
		source:     source,
		state:      state,
		quoteAsset: quoteAsset,
		logger:     logger.WithField("component", "budget"),
		now:        time.Now,
	}
}

// TotalQuote is the exchange quote balance, cached briefly so the health
// loop does not hammer the accounts endpoint.
func (b *BudgetCoordinator) TotalQuote(ctx context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fetched.IsZero() && b.now().Sub(b.fetched) < totalQuoteTTL {
		return b.total, nil
	}
	total, err := b.source.GetBalance(ctx, b.quoteAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total quote balance: %w", err)
	}
	b.total = total
	b.fetched = b.now()
	return total, nil
}

// Update recomputes allocated and available from the active bots and writes
// the result to shared state.
func (b *BudgetCoordinator) Update(ctx context.Context) error {
	total, err := b.TotalQuote(ctx)
	if err != nil {
		return err
	}
	return b.state.Update(ctx, func(doc *Document) error {
		recomputeBudget(doc, total)
		return nil
	})
}

// Allocate grants a budget to the pair's bot: the full request when it fits,
// 90% of what is available when the remainder is still above the floor,
// nothing otherwise. The grant is recorded on the bot's status entry.
func (b *BudgetCoordinator) Allocate(ctx context.Context, pair string, requested decimal.Decimal) (decimal.Decimal, error) {
	total, err := b.TotalQuote(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	var granted decimal.Decimal
	err = b.state.Update(ctx, func(doc *Document) error {
		allocated := decimal.Zero
		for p, bot := range doc.Bots {
			if p != pair && bot.Status.Active() {
				allocated = allocated.Add(bot.AllocatedBudget)
			}
		}
		available := total.Sub(allocated)
		if available.IsNegative() {
			available = decimal.Zero
		}

		switch {
		case requested.LessThanOrEqual(available):
			granted = requested
		case available.GreaterThan(decimal.NewFromFloat(allocationFloor)):
			granted = available.Mul(decimal.NewFromFloat(partialFactor))
		default:
			return fmt.Errorf("requested %s with %s available: %w",
				requested.String(), available.String(), apperrors.ErrBudgetDenied)
		}

		bot := doc.Bots[pair]
		bot.Pair = pair
		bot.AllocatedBudget = granted
		if !bot.Status.Active() {
			// The grant must count as allocated immediately, before the
			// supervisor flips the worker to running.
			bot.Status = core.BotStarting
		}
		doc.Bots[pair] = bot
		recomputeBudget(doc, total)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	b.logger.Info("Budget allocated", "pair", pair,
		"requested", requested.String(), "granted", granted.String())
	return granted, nil
}

// Deallocate zeroes the pair's allocation and recomputes the totals.
func (b *BudgetCoordinator) Deallocate(ctx context.Context, pair string) error {
	total, err := b.TotalQuote(ctx)
	if err != nil {
		return err
	}
	err = b.state.Update(ctx, func(doc *Document) error {
		bot, ok := doc.Bots[pair]
		if !ok {
			return nil
		}
		bot.AllocatedBudget = decimal.Zero
		doc.Bots[pair] = bot
		recomputeBudget(doc, total)
		return nil
	})
	if err != nil {
		return err
	}
	b.logger.Info("Budget deallocated", "pair", pair)
	return nil
}

// recomputeBudget derives the global budget from the active bot entries.
func recomputeBudget(doc *Document, total decimal.Decimal) {
	allocated := decimal.Zero
	for _, bot := range doc.Bots {
		if bot.Status.Active() {
			allocated = allocated.Add(bot.AllocatedBudget)
		}
	}
	available := total.Sub(allocated)
	if available.IsNegative() {
		available = decimal.Zero
	}
	doc.GlobalBudget = core.GlobalBudget{
		TotalQuote:     total,
		AllocatedQuote: allocated,
		AvailableQuote: available,
		LastUpdate:     time.Now().UTC(),
	}
}
