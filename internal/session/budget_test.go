package session

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"
	"scalper/pkg/logging"
)

type fixedBalance struct {
	total decimal.Decimal
	calls int
}

func (f *fixedBalance) GetBalance(context.Context, string) (decimal.Decimal, error) {
	f.calls++
	return f.total, nil
}

func newTestBudget(t *testing.T, total int64) (*BudgetCoordinator, *SharedState, *fixedBalance) {
	t.Helper()
	state := newTestState(t)
	source := &fixedBalance{total: decimal.NewFromInt(total)}
	return NewBudgetCoordinator(source, state, "USDT", logging.GetGlobalLogger()), state, source
}

func TestBudget_AllocateFullGrant(t *testing.T) {
	budget, state, _ := newTestBudget(t, 500)
	ctx := context.Background()

	granted, err := budget.Allocate(ctx, "BTC_USDT", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, granted.Equal(decimal.NewFromInt(100)))

	doc, err := state.Read(ctx)
	require.NoError(t, err)
	assert.True(t, doc.GlobalBudget.AllocatedQuote.Equal(decimal.NewFromInt(100)))
	assert.True(t, doc.GlobalBudget.AvailableQuote.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, core.BotStarting, doc.Bots["BTC_USDT"].Status)
}

func TestBudget_PartialGrantAboveFloor(t *testing.T) {
	budget, _, _ := newTestBudget(t, 100)
	ctx := context.Background()

	_, err := budget.Allocate(ctx, "BTC_USDT", decimal.NewFromInt(80))
	require.NoError(t, err)

	// 20 left: request for 50 gets 90% of the remainder.
	granted, err := budget.Allocate(ctx, "ETH_USDT", decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.True(t, granted.Equal(decimal.NewFromInt(18)), "90%% of 20, got %s", granted)
}

func TestBudget_DenyBelowFloor(t *testing.T) {
	budget, _, _ := newTestBudget(t, 100)
	ctx := context.Background()

	_, err := budget.Allocate(ctx, "BTC_USDT", decimal.NewFromInt(95))
	require.NoError(t, err)

	// 5 left, under the 10 floor.
	_, err = budget.Allocate(ctx, "ETH_USDT", decimal.NewFromInt(50))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrBudgetDenied))
}

func TestBudget_DeallocateFreesBudget(t *testing.T) {
	budget, state, _ := newTestBudget(t, 500)
	ctx := context.Background()

	_, err := budget.Allocate(ctx, "BTC_USDT", decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NoError(t, budget.Deallocate(ctx, "BTC_USDT"))

	doc, err := state.Read(ctx)
	require.NoError(t, err)
	assert.True(t, doc.GlobalBudget.AllocatedQuote.IsZero())
	assert.True(t, doc.GlobalBudget.AvailableQuote.Equal(decimal.NewFromInt(500)))
	assert.True(t, doc.Bots["BTC_USDT"].AllocatedBudget.IsZero())
}

func TestBudget_TotalQuoteIsCached(t *testing.T) {
	budget, _, source := newTestBudget(t, 500)
	ctx := context.Background()

	_, err := budget.TotalQuote(ctx)
	require.NoError(t, err)
	_, err = budget.TotalQuote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)
}

// The conservation property: after any sequence of allocates and
// deallocates, allocated equals the sum over active bots and available is
// the non-negative remainder.
func TestBudget_ConservationProperty(t *testing.T) {
	budget, state, _ := newTestBudget(t, 1000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	pairs := []string{"BTC_USDT", "ETH_USDT", "SOL_USDT", "XRP_USDT"}
	for step := 0; step < 60; step++ {
		pair := pairs[rng.Intn(len(pairs))]
		if rng.Intn(2) == 0 {
			requested := decimal.NewFromInt(int64(10 + rng.Intn(300)))
			if _, err := budget.Allocate(ctx, pair, requested); err != nil {
				require.True(t, errors.Is(err, apperrors.ErrBudgetDenied))
			}
		} else {
			require.NoError(t, budget.Deallocate(ctx, pair))
		}

		doc, err := state.Read(ctx)
		require.NoError(t, err)

		sum := decimal.Zero
		for _, bot := range doc.Bots {
			if bot.Status.Active() {
				sum = sum.Add(bot.AllocatedBudget)
			}
		}
		require.True(t, doc.GlobalBudget.AllocatedQuote.Equal(sum),
			"step %d: allocated %s, sum %s", step, doc.GlobalBudget.AllocatedQuote, sum)

		expectAvailable := decimal.NewFromInt(1000).Sub(sum)
		if expectAvailable.IsNegative() {
			expectAvailable = decimal.Zero
		}
		require.True(t, doc.GlobalBudget.AvailableQuote.Equal(expectAvailable),
			"step %d: available %s", step, doc.GlobalBudget.AvailableQuote)
		require.False(t, doc.GlobalBudget.AvailableQuote.IsNegative())
	}
}
