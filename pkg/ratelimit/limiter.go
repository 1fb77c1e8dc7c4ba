// Package ratelimit enforces the exchange's per-category request quotas
// client-side, so a 429 is the exception rather than the steady state.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scalper/internal/core"
)

// Category is a rate-limit bucket on the exchange side.
type Category string

const (
	CategoryPublic           Category = "public"
	CategorySpotOrder        Category = "spot_order"
	CategorySpotCancel       Category = "spot_cancel"
	CategorySpotOther        Category = "spot_other"
	CategoryWalletTransfer   Category = "wallet_transfer"
	CategoryWalletWithdrawal Category = "wallet_withdrawal"
	CategoryWalletOther      Category = "wallet_other"
	CategoryFuturesOrder     Category = "futures_order"
	CategoryFuturesCancel    Category = "futures_cancel"
	CategoryFuturesOther     Category = "futures_other"
)

// Quota is one exchange quota: MaxRequests per Window.
type Quota struct {
	MaxRequests int
	Window      time.Duration
}

// SafeMax returns the usable request count after the burst allowance.
func (q Quota) SafeMax(burstAllowance float64) int {
	n := int(float64(q.MaxRequests) * burstAllowance)
	if n < 1 {
		n = 1
	}
	return n
}

// VIP0Quotas are the official Gate.io VIP-0 limits.
func VIP0Quotas() map[Category]Quota {
	return map[Category]Quota{
		CategoryPublic:           {200, 10 * time.Second},
		CategorySpotOrder:        {10, time.Second},
		CategorySpotCancel:       {200, time.Second},
		CategorySpotOther:        {200, 10 * time.Second},
		CategoryWalletTransfer:   {80, 10 * time.Second},
		CategoryWalletWithdrawal: {1, 3 * time.Second},
		CategoryWalletOther:      {200, 10 * time.Second},
		CategoryFuturesOrder:     {100, time.Second},
		CategoryFuturesCancel:    {200, time.Second},
		CategoryFuturesOther:     {200, 10 * time.Second},
	}
}

// limiter is one strategy for a single category. Implementations must not
// hold their lock while the caller sleeps.
type limiter interface {
	CanMakeRequest() bool
	RecordRequest()
	TimeUntilNextRequest() time.Duration
	used() (current, max int)
}

// slidingWindow keeps an ordered queue of request timestamps.
type slidingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	safeMax int
	stamps  []time.Time
	now     func() time.Time
}

func newSlidingWindow(q Quota, burstAllowance float64) *slidingWindow {
	return &slidingWindow{
		window:  q.Window,
		safeMax: q.SafeMax(burstAllowance),
		now:     time.Now,
	}
}

func (s *slidingWindow) CanMakeRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	return len(s.stamps) < s.safeMax
}

func (s *slidingWindow) RecordRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.stamps = append(s.stamps, s.now())
}

func (s *slidingWindow) TimeUntilNextRequest() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	if len(s.stamps) < s.safeMax {
		return 0
	}
	wait := s.stamps[0].Add(s.window).Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *slidingWindow) used() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	return len(s.stamps), s.safeMax
}

func (s *slidingWindow) prune() {
	cutoff := s.now().Add(-s.window)
	i := 0
	for i < len(s.stamps) && !s.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[i:]...)
	}
}

// tokenBucket wraps x/time's limiter: refill rate safeMax/window, capacity
// safeMax. Used for the high-frequency per-second categories.
type tokenBucket struct {
	lim     *rate.Limiter
	safeMax int
}

func newTokenBucket(q Quota, burstAllowance float64) *tokenBucket {
	safeMax := q.SafeMax(burstAllowance)
	refill := rate.Limit(float64(safeMax) / q.Window.Seconds())
	return &tokenBucket{
		lim:     rate.NewLimiter(refill, safeMax),
		safeMax: safeMax,
	}
}

func (t *tokenBucket) CanMakeRequest() bool {
	return t.lim.Tokens() >= 1
}

func (t *tokenBucket) RecordRequest() {
	t.lim.Allow()
}

func (t *tokenBucket) TimeUntilNextRequest() time.Duration {
	if t.lim.Tokens() >= 1 {
		return 0
	}
	r := t.lim.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}

func (t *tokenBucket) used() (int, int) {
	tokens := int(t.lim.Tokens())
	if tokens < 0 {
		tokens = 0
	}
	return t.safeMax - tokens, t.safeMax
}

// CategoryStats is a utilisation snapshot for one category.
type CategoryStats struct {
	Used        int     `json:"used"`
	SafeMax     int     `json:"safe_max"`
	Utilization float64 `json:"utilization"`
}

// Enforcer gates requests per category. Thread-safe; no lock is held across
// a caller's sleep.
type Enforcer struct {
	logger   core.ILogger
	limiters map[Category]limiter
}

// Option configures an Enforcer.
type Option func(*enforcerConfig)

type enforcerConfig struct {
	burstAllowance float64
	quotas         map[Category]Quota
	tokenBucket    map[Category]bool
}

// WithBurstAllowance overrides the default 0.8 safety fraction.
func WithBurstAllowance(f float64) Option {
	return func(c *enforcerConfig) { c.burstAllowance = f }
}

// WithQuotas replaces the VIP-0 quota table.
func WithQuotas(quotas map[Category]Quota) Option {
	return func(c *enforcerConfig) { c.quotas = quotas }
}

// WithTokenBucket selects the token-bucket strategy for the given categories
// instead of the sliding window.
func WithTokenBucket(categories ...Category) Option {
	return func(c *enforcerConfig) {
		for _, cat := range categories {
			c.tokenBucket[cat] = true
		}
	}
}

// NewEnforcer builds an enforcer over the VIP-0 quotas. The per-second order
// categories default to the token-bucket strategy; everything else uses the
// sliding window.
func NewEnforcer(logger core.ILogger, opts ...Option) *Enforcer {
	cfg := &enforcerConfig{
		burstAllowance: 0.8,
		quotas:         VIP0Quotas(),
		tokenBucket: map[Category]bool{
			CategorySpotOrder:    true,
			CategoryFuturesOrder: true,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	limiters := make(map[Category]limiter, len(cfg.quotas))
	for cat, q := range cfg.quotas {
		if cfg.tokenBucket[cat] {
			limiters[cat] = newTokenBucket(q, cfg.burstAllowance)
		} else {
			limiters[cat] = newSlidingWindow(q, cfg.burstAllowance)
		}
	}
	return &Enforcer{
		logger:   logger.WithField("component", "rate_limiter"),
		limiters: limiters,
	}
}

// CanMakeRequest reports whether the category has headroom. Unknown
// categories are allowed through with a warning.
func (e *Enforcer) CanMakeRequest(cat Category) bool {
	lim, ok := e.limiters[cat]
	if !ok {
		e.logger.Warn("Unknown rate limit category, allowing request", "category", string(cat))
		return true
	}
	return lim.CanMakeRequest()
}

// RecordRequest accounts one request against the category.
func (e *Enforcer) RecordRequest(cat Category) {
	if lim, ok := e.limiters[cat]; ok {
		lim.RecordRequest()
	}
}

// TimeUntilNextRequest returns how long the caller should wait before the
// category has headroom again. Zero means go ahead.
func (e *Enforcer) TimeUntilNextRequest(cat Category) time.Duration {
	lim, ok := e.limiters[cat]
	if !ok {
		return 0
	}
	return lim.TimeUntilNextRequest()
}

// GetStats returns the per-category utilisation snapshot.
func (e *Enforcer) GetStats() map[Category]CategoryStats {
	stats := make(map[Category]CategoryStats, len(e.limiters))
	for cat, lim := range e.limiters {
		used, max := lim.used()
		util := 0.0
		if max > 0 {
			util = float64(used) / float64(max)
		}
		stats[cat] = CategoryStats{Used: used, SafeMax: max, Utilization: util}
	}
	return stats
}
