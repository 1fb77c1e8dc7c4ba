// Package wallet exposes an affordability view over the exchange balances
// and the blocked-pair registry every order path consults.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scalper/internal/core"
	apperrors "scalper/pkg/errors"
)

// BalanceSource is the slice of the exchange the wallet needs.
type BalanceSource interface {
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// UserPrompt resolves situations that need a human decision, like upscaling a
// sub-minimum order. Implementations must not block for long.
type UserPrompt interface {
	Confirm(question string, feedback apperrors.UserFeedback) bool
}

// DenyAllPrompt declines every question. It is the default for unattended
// sessions, where the safe answer is always no.
type DenyAllPrompt struct{}

func (DenyAllPrompt) Confirm(string, apperrors.UserFeedback) bool { return false }

const balanceTTL = 5 * time.Second

type cachedBalance struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

// View answers affordability questions and tracks temporarily blocked pairs.
type View struct {
	source BalanceSource
	prompt UserPrompt
	logger core.ILogger

	minNotional  decimal.Decimal
	safetyMargin decimal.Decimal
	quoteAsset   string

	mu       sync.Mutex
	balances map[string]cachedBalance
	blocked  map[string]string
}

// NewView builds a wallet view. quoteAsset is the settlement currency all
// affordability checks are denominated in.
func NewView(source BalanceSource, prompt UserPrompt, quoteAsset string, logger core.ILogger) *View {
	if prompt == nil {
		prompt = DenyAllPrompt{}
	}
	return &View{
		source:       source,
		prompt:       prompt,
		logger:       logger.WithField("component", "wallet"),
		minNotional:  decimal.NewFromInt(5),
		safetyMargin: decimal.NewFromFloat(1.15),
		quoteAsset:   quoteAsset,
		balances:     make(map[string]cachedBalance),
		blocked:      make(map[string]string),
	}
}

// MinNotionalWithMargin is the smallest order value the view will suggest.
func (v *View) MinNotionalWithMargin() decimal.Decimal {
	return v.minNotional.Mul(v.safetyMargin)
}

// Available returns the spendable amount of one asset. forceRefresh skips the
// local cache.
func (v *View) Available(ctx context.Context, asset string, forceRefresh bool) (decimal.Decimal, error) {
	v.mu.Lock()
	if !forceRefresh {
		if entry, ok := v.balances[asset]; ok && time.Since(entry.fetchedAt) < balanceTTL {
			v.mu.Unlock()
			return entry.value, nil
		}
	}
	v.mu.Unlock()

	value, err := v.source.GetBalance(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance of %s: %w", asset, err)
	}

	v.mu.Lock()
	v.balances[asset] = cachedBalance{value: value, fetchedAt: time.Now()}
	v.mu.Unlock()
	return value, nil
}

// CanAfford reports whether the quote balance covers the amount.
func (v *View) CanAfford(ctx context.Context, quoteAmount decimal.Decimal) (bool, error) {
	available, err := v.Available(ctx, v.quoteAsset, false)
	if err != nil {
		return false, err
	}
	return available.GreaterThanOrEqual(quoteAmount), nil
}

// SuggestAffordable applies the minimum-notional policy to a requested quote
// amount. A zero return means the order must not be placed; the pair may have
// been blocked as a side effect.
func (v *View) SuggestAffordable(ctx context.Context, requested decimal.Decimal, pair string) (decimal.Decimal, error) {
	if reason, blocked := v.IsBlocked(pair); blocked {
		v.logger.Warn("Pair is blocked, refusing order", "pair", pair, "reason", reason)
		return decimal.Zero, nil
	}

	available, err := v.Available(ctx, v.quoteAsset, true)
	if err != nil {
		return decimal.Zero, err
	}
	floor := v.MinNotionalWithMargin()

	if requested.GreaterThanOrEqual(floor) {
		if available.GreaterThanOrEqual(requested) {
			return requested, nil
		}
		// Not enough for the requested size. A downscale keeps the trade
		// alive when the remainder still clears the minimum.
		feedback := apperrors.FeedbackFor(apperrors.TypeInsufficientBalance,
			fmt.Sprintf("%s available, %s requested", available.StringFixed(2), requested.StringFixed(2)))
		if available.GreaterThanOrEqual(floor) &&
			v.prompt.Confirm(fmt.Sprintf("Reduce order to %s %s?", available.StringFixed(2), v.quoteAsset), feedback) {
			return available, nil
		}
		v.Block(pair, "insufficient funds for requested size")
		return decimal.Zero, nil
	}

	// Sub-minimum request.
	if available.GreaterThanOrEqual(floor) {
		feedback := apperrors.FeedbackFor(apperrors.TypeMinOrderValue,
			fmt.Sprintf("minimum order is %s %s", floor.StringFixed(2), v.quoteAsset))
		if v.prompt.Confirm(fmt.Sprintf("Upscale order to %s %s?", floor.StringFixed(2), v.quoteAsset), feedback) {
			return floor, nil
		}
		return decimal.Zero, nil
	}

	// Not even the minimum is affordable.
	feedback := apperrors.FeedbackFor(apperrors.TypeInsufficientBalance,
		fmt.Sprintf("%s available, minimum order is %s", available.StringFixed(2), floor.StringFixed(2)))
	v.prompt.Confirm("Deposit more funds to continue trading?", feedback)
	v.Block(pair, "balance below minimum order value")
	return decimal.Zero, nil
}

// Block disables a pair with a reason. Last writer wins.
func (v *View) Block(pair, reason string) {
	v.mu.Lock()
	v.blocked[pair] = reason
	v.mu.Unlock()
	v.logger.Warn("Pair blocked", "pair", pair, "reason", reason)
}

// Unblock re-enables a pair.
func (v *View) Unblock(pair string) {
	v.mu.Lock()
	delete(v.blocked, pair)
	v.mu.Unlock()
}

// IsBlocked returns the block reason for a pair, if any.
func (v *View) IsBlocked(pair string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	reason, ok := v.blocked[pair]
	return reason, ok
}

// BlockedPairs returns a snapshot of the registry.
func (v *View) BlockedPairs() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.blocked))
	for pair, reason := range v.blocked {
		out[pair] = reason
	}
	return out
}
