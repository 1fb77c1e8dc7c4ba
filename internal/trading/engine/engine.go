// Package engine runs the buy, hold, sell state machine for one pair.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/internal/monitor"
	"scalper/internal/trading/order"
	"scalper/internal/wallet"
	apperrors "scalper/pkg/errors"
)

// State is the engine's trading state.
type State string

const (
	StateWaitingToBuy   State = "waiting_to_buy"
	StatePositionOpen   State = "position_open"
	StateWaitingForSell State = "waiting_for_sell"
)

const (
	// maxLoopIterations is a hard stop against upstream bugs, roughly a
	// full trading day at realistic pace.
	maxLoopIterations = 10000

	buyFillPolls        = 25
	buyFillPollInterval = 200 * time.Millisecond

	// sellMissingThreshold is how many consecutive polls must see no open
	// sell order before the engine reverts to positionOpen. One poll can
	// race the exchange's order indexing.
	sellMissingThreshold = 2

	// dustQuoteValue is the quote value below which a base balance does
	// not count as a position.
	dustQuoteValue = 1.0
)

var (
	aggressiveBuyMarkup = decimal.NewFromFloat(1.002)
	dcaBuyMarkup        = decimal.NewFromFloat(1.002)
	stopLossDiscount    = decimal.NewFromFloat(0.995)
	timeoutDiscount     = decimal.NewFromFloat(0.999)
	dustQuote           = decimal.NewFromFloat(dustQuoteValue)
)

// StatusFunc receives the engine's status snapshot once per cycle.
type StatusFunc func(core.BotStatus)

// Deps bundles the engine's collaborators.
type Deps struct {
	Exchange core.IExchange
	Orders   *order.Service
	Wallet   *wallet.View
	Sleeper  core.ISleeper
	Safety   *SafetySystem
	Bus      *monitor.Bus
	Perf     *monitor.PerformanceMetrics
	Logger   core.ILogger
	OnStatus StatusFunc
	// History, when set, receives every closed trade.
	History TradeRecorder
	// PositionTimeout forces a sell after holding this long; 0 disables.
	PositionTimeout time.Duration
}

// Engine drives one pair through waitingToBuy, positionOpen, waitingForSell.
type Engine struct {
	cfg  *config.BotConfig
	deps Deps

	sessionID string
	botID     string
	pair      string
	base      string
	quote     string
	budget    decimal.Decimal

	state       State
	position    *Position
	sellOrderID string
	sellPrice   decimal.Decimal
	sellMissing int

	// entryFees accumulates this position's buy-side fill fees in quote units.
	entryFees   decimal.Decimal
	exitFeeRate decimal.Decimal

	lastPnl      float64
	lastAction   string
	lastActionAt time.Time
	startedAt    time.Time

	consecutiveErrors int
	stopRequested     atomic.Bool
	logger            core.ILogger
	now               func() time.Time
}

// New builds an engine for the configured pair.
func New(cfg *config.BotConfig, deps Deps) *Engine {
	pair := cfg.Trading.Pair
	return &Engine{
		cfg:         cfg,
		deps:        deps,
		sessionID:   uuid.NewString(),
		botID:       uuid.NewString(),
		pair:        pair,
		base:        core.BaseAsset(pair),
		quote:       core.QuoteAsset(pair),
		budget:      decimal.NewFromFloat(cfg.Trading.BudgetPerTrade),
		state:       StateWaitingToBuy,
		exitFeeRate: decimal.NewFromFloat(cfg.Trading.ExitFeePercent / 100),
		logger:      deps.Logger.WithField("component", "engine").WithField("pair", pair),
		now:         time.Now,
	}
}

// State returns the current trading state.
func (e *Engine) State() State { return e.state }

// SessionID identifies this engine run in audit logs.
func (e *Engine) SessionID() string { return e.sessionID }

// Stop requests a graceful exit; the engine finishes the current iteration.
func (e *Engine) Stop() { e.stopRequested.Store(true) }

// Run executes the trading loop until stopped, denied by the safety system,
// out of sleep budget or past the iteration cap.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = e.now()
	cycle := time.Duration(e.cfg.Performance.SleepBetweenCycles * float64(time.Second))
	e.logger.Info("Engine starting",
		"budget", e.budget.String(),
		"target_percent", e.cfg.Trading.TargetProfitPercent,
		"cycle", cycle.String())

	for iteration := 0; iteration < maxLoopIterations; iteration++ {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopping on context cancellation")
			return ctx.Err()
		default:
		}
		if e.stopRequested.Load() {
			e.logger.Info("Engine stopping on request")
			return nil
		}

		if ok, reason := e.deps.Safety.Allowed(); !ok {
			e.logger.Warn("Safety system denied trading, exiting", "reason", reason)
			if e.deps.Bus != nil {
				e.deps.Bus.Publish(monitor.NewEvent(monitor.EventPerformanceDegradation,
					monitor.SeverityCritical, e.pair, "safety stop: "+reason, nil))
			}
			return nil
		}

		if err := e.step(ctx); err != nil {
			e.consecutiveErrors++
			e.logger.Error("Cycle failed", "state", string(e.state), "error", err)
			if e.deps.Perf != nil {
				e.deps.Perf.RecordAPIFailure()
			}
			if !e.deps.Sleeper.AdaptiveSleep(ctx, cycle, e.consecutiveErrors, core.SleepErrorRecovery) {
				return fmt.Errorf("error recovery sleep: %w", apperrors.ErrSleepBudgetExceeded)
			}
		} else {
			e.consecutiveErrors = 0
		}

		e.emitStatus()

		if !e.deps.Sleeper.Sleep(ctx, cycle, core.SleepTradingCycle, true) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("trading cycle sleep: %w", apperrors.ErrSleepBudgetExceeded)
		}
	}
	return fmt.Errorf("iteration cap %d reached, stopping as a spin guard", maxLoopIterations)
}

func (e *Engine) step(ctx context.Context) error {
	switch e.state {
	case StateWaitingToBuy:
		return e.stepWaitingToBuy(ctx)
	case StatePositionOpen:
		return e.stepPositionOpen(ctx)
	case StateWaitingForSell:
		return e.stepWaitingForSell(ctx)
	default:
		return fmt.Errorf("unknown state %q", e.state)
	}
}

func (e *Engine) stepWaitingToBuy(ctx context.Context) error {
	price, err := e.deps.Exchange.GetTicker(ctx, e.pair)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}

	baseBalance, err := e.deps.Exchange.GetBalance(ctx, e.base)
	if err != nil {
		return fmt.Errorf("base balance: %w", err)
	}
	if baseBalance.Mul(price).GreaterThan(dustQuote) {
		// Adopt the existing balance at the current market price. The DCA
		// ladder starts fresh and the VWAP equals the adopted entry.
		e.position = NewPosition(e.pair, price, baseBalance, e.cfg.Trading.TargetProfitPercent, e.now(), true)
		e.entryFees = decimal.Zero
		e.state = StatePositionOpen
		e.noteAction("virtual_entry")
		e.logger.Info("Adopted existing balance as virtual position",
			"qty", baseBalance.String(), "entry", price.String())
		return nil
	}

	candles, err := e.deps.Exchange.GetCandles(ctx, e.pair, "1m", signalWindow)
	if err != nil {
		return fmt.Errorf("candles: %w", err)
	}
	sig := AnalyzeCandles(candles)
	if !sig.ShouldEnter() {
		e.logger.Debug("Entry gate closed",
			"sentiment", sig.Sentiment, "volatility", sig.Volatility)
		return nil
	}

	capital, err := e.deps.Wallet.Available(ctx, e.quote, false)
	if err != nil {
		return fmt.Errorf("quote balance: %w", err)
	}
	size := PositionSize(sig, capital, e.deps.Wallet.MinNotionalWithMargin(), e.budget, e.now().UTC().Hour())
	if !size.IsPositive() {
		return nil
	}
	granted, err := e.deps.Wallet.SuggestAffordable(ctx, size, e.pair)
	if err != nil {
		return fmt.Errorf("affordability: %w", err)
	}
	if !granted.IsPositive() {
		return nil
	}

	bestAsk, err := e.deps.Exchange.BestBookPrice(ctx, e.pair, core.SideBuy)
	if err != nil {
		return fmt.Errorf("best ask: %w", err)
	}
	limit := bestAsk.Mul(aggressiveBuyMarkup)

	placed, err := e.deps.Orders.Execute(ctx, &order.Request{
		SessionID:   e.sessionID,
		Pair:        e.pair,
		Side:        core.SideBuy,
		Type:        core.OrderTypeLimit,
		QuoteAmount: granted,
		Price:       limit,
		PriceSource: "best_ask",
		Operation:   "entry_buy",
		Percentage:  e.budgetShare(granted),
		UserAction:  sizingAction(size, granted),
	})
	if err != nil {
		return err
	}
	e.noteAction("entry_buy")

	if e.waitForFill(ctx, placed.ID) {
		e.position = NewPosition(e.pair, placed.Price, placed.Amount, e.cfg.Trading.TargetProfitPercent, e.now(), false)
		e.entryFees = decimal.Zero
		e.accrueEntryFees(ctx, placed.ID)
		e.state = StatePositionOpen
		e.logger.Info("Entry filled", "order_id", placed.ID,
			"qty", placed.Amount.String(), "price", placed.Price.String())
		return nil
	}

	// Unfilled within the window. The resting order either fills later, in
	// which case the balance shows up and the virtual-entry rule adopts it,
	// or it sits harmlessly at an aggressive price.
	e.logger.Warn("Entry order not filled within poll window", "order_id", placed.ID)
	return nil
}

// waitForFill polls the order up to buyFillPolls times.
func (e *Engine) waitForFill(ctx context.Context, orderID string) bool {
	for poll := 0; poll < buyFillPolls; poll++ {
		o, err := e.deps.Exchange.GetOrderStatus(ctx, e.pair, orderID)
		if err == nil && o.Filled() {
			return true
		}
		if !e.deps.Sleeper.Sleep(ctx, buyFillPollInterval, core.SleepDataPolling, false) {
			return false
		}
	}
	return false
}

func (e *Engine) stepPositionOpen(ctx context.Context) error {
	price, err := e.deps.Exchange.GetTicker(ctx, e.pair)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	pnl := e.position.PnLPercent(price)
	e.lastPnl = pnl

	// Target reached.
	if price.GreaterThanOrEqual(e.position.TargetPrice()) {
		bid, err := e.sellReference(ctx, price)
		if err != nil {
			return err
		}
		return e.placeSell(ctx, "target_sell", bid, "best_bid")
	}

	if e.cfg.DCA.Enabled {
		// Ladder rungs fire one per cycle, shallowest eligible first.
		if !e.position.DCAActivated(1) && pnl <= e.cfg.DCA.Level1.TriggerPercent {
			return e.dcaBuy(ctx, 1, e.cfg.DCA.Level1, price)
		}
		if e.position.DCAActivated(1) && !e.position.DCAActivated(2) && pnl <= e.cfg.DCA.Level2.TriggerPercent {
			return e.dcaBuy(ctx, 2, e.cfg.DCA.Level2, price)
		}
		if pnl <= e.cfg.DCA.Level3.TriggerPercent {
			bid, err := e.sellReference(ctx, price)
			if err != nil {
				return err
			}
			e.logger.Warn("Stop loss triggered", "pnl_percent", pnl)
			return e.placeSell(ctx, "stop_loss_sell", bid.Mul(stopLossDiscount), "best_bid_discounted")
		}
	}

	if e.deps.PositionTimeout > 0 && e.now().Sub(e.position.OpenedAt) >= e.deps.PositionTimeout {
		bid, err := e.sellReference(ctx, price)
		if err != nil {
			bid = price.Mul(timeoutDiscount)
		}
		e.logger.Warn("Position timeout, forcing exit",
			"held", e.now().Sub(e.position.OpenedAt).String())
		return e.placeSell(ctx, "timeout_sell", bid, "timeout")
	}
	return nil
}

// sellReference is the best bid, falling back to a discounted ticker when
// the book is empty.
func (e *Engine) sellReference(ctx context.Context, ticker decimal.Decimal) (decimal.Decimal, error) {
	bid, err := e.deps.Exchange.BestBookPrice(ctx, e.pair, core.SideSell)
	if err != nil {
		return ticker.Mul(timeoutDiscount), nil
	}
	return bid, nil
}

func (e *Engine) dcaBuy(ctx context.Context, level int, rung config.DCALevel, ticker decimal.Decimal) error {
	amount := e.budget.Mul(decimal.NewFromFloat(rung.Multiplier))
	granted, err := e.deps.Wallet.SuggestAffordable(ctx, amount, e.pair)
	if err != nil {
		return fmt.Errorf("dca affordability: %w", err)
	}
	if !granted.IsPositive() {
		e.logger.Warn("DCA buy skipped, not affordable", "level", level, "amount", amount.String())
		// The rung still burns: retrying an unaffordable rung every cycle
		// would hammer the wallet view.
		e.position.ActivateDCA(level)
		return nil
	}

	placed, err := e.deps.Orders.Execute(ctx, &order.Request{
		SessionID:   e.sessionID,
		Pair:        e.pair,
		Side:        core.SideBuy,
		Type:        core.OrderTypeLimit,
		QuoteAmount: granted,
		Price:       ticker.Mul(dcaBuyMarkup),
		PriceSource: "ticker_markup",
		Operation:   "dca_buy",
		Percentage:  e.budgetShare(granted),
		UserAction:  sizingAction(amount, granted),
	})
	if err != nil {
		return err
	}

	e.position.ActivateDCA(level)
	e.position.AddFill(placed.Price, placed.Amount)
	e.accrueEntryFees(ctx, placed.ID)
	e.noteAction(fmt.Sprintf("dca_buy_l%d", level))
	e.logger.Info("DCA buy placed", "level", level,
		"qty", placed.Amount.String(), "price", placed.Price.String(),
		"vwap", e.position.VWAP().String())
	return nil
}

func (e *Engine) placeSell(ctx context.Context, operation string, price decimal.Decimal, priceSource string) error {
	placed, err := e.deps.Orders.Execute(ctx, &order.Request{
		SessionID:   e.sessionID,
		Pair:        e.pair,
		Side:        core.SideSell,
		Type:        core.OrderTypeLimit,
		Qty:         e.position.Qty,
		Price:       price,
		PriceSource: priceSource,
		Operation:   operation,
		UserAction:  "auto",
	})
	if err != nil {
		return err
	}
	e.state = StateWaitingForSell
	e.sellOrderID = placed.ID
	e.sellPrice = placed.Price
	e.sellMissing = 0
	e.noteAction(operation)
	return nil
}

func (e *Engine) stepWaitingForSell(ctx context.Context) error {
	price, err := e.deps.Exchange.GetTicker(ctx, e.pair)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}

	baseBalance, err := e.deps.Exchange.GetBalance(ctx, e.base)
	if err != nil {
		return fmt.Errorf("base balance: %w", err)
	}
	if baseBalance.Mul(price).LessThan(dustQuote) {
		e.completeTrade(ctx)
		return nil
	}

	if e.sellOrderID == "" {
		return nil
	}
	o, err := e.deps.Exchange.GetOrderStatus(ctx, e.pair, e.sellOrderID)
	if err == nil && o.Status == core.OrderStatusOpen {
		e.sellMissing = 0
		return nil
	}

	// The exchange no longer shows the order but the balance is still
	// there. Demand two consecutive sightings before reverting so a single
	// indexing race cannot flap the state.
	e.sellMissing++
	if e.sellMissing >= sellMissingThreshold {
		e.logger.Warn("Sell order vanished, reverting to open position",
			"order_id", e.sellOrderID)
		e.sellOrderID = ""
		e.sellMissing = 0
		e.state = StatePositionOpen
	}
	return nil
}

// accrueEntryFees converts the order's reported fill fees to quote units and
// folds them into the position's cost basis.
func (e *Engine) accrueEntryFees(ctx context.Context, orderID string) {
	fills, err := e.deps.Exchange.ListBuyFills(ctx, e.pair)
	if err != nil {
		e.logger.Warn("Fill fee lookup failed", "order_id", orderID, "error", err)
		return
	}
	for _, fill := range fills {
		if fill.OrderID != orderID || !fill.Fee.IsPositive() {
			continue
		}
		feeQuote, err := e.feeToQuote(ctx, fill)
		if err != nil {
			e.logger.Warn("Fee conversion failed",
				"order_id", orderID, "fee_currency", fill.FeeCurrency, "error", err)
			continue
		}
		e.entryFees = e.entryFees.Add(feeQuote)
	}
}

// feeToQuote converts one fill's fee to quote units. Fees in the base asset
// use the fill price; any other currency uses its current quote ticker.
func (e *Engine) feeToQuote(ctx context.Context, fill core.Fill) (decimal.Decimal, error) {
	switch fill.FeeCurrency {
	case "", e.quote:
		return fill.Fee, nil
	case e.base:
		return fill.Fee.Mul(fill.Price), nil
	}
	ticker, err := e.deps.Exchange.GetTicker(ctx, fill.FeeCurrency+"_"+e.quote)
	if err != nil {
		return decimal.Zero, err
	}
	return fill.Fee.Mul(ticker), nil
}

// completeTrade records the realized P&L, net of entry fill fees and the flat
// exit fee on the gross sale, and resets for the next cycle.
func (e *Engine) completeTrade(ctx context.Context) {
	exitFee := e.sellPrice.Mul(e.position.Qty).Mul(e.exitFeeRate)
	realized := e.sellPrice.Sub(e.position.EffectiveEntry()).Mul(e.position.Qty).
		Sub(e.entryFees).Sub(exitFee)
	pnl, _ := realized.Float64()

	e.deps.Safety.RecordTrade(pnl)
	if e.deps.History != nil {
		dcaUsed := 0
		for level := 1; level <= 3; level++ {
			if e.position.DCAActivated(level) {
				dcaUsed++
			}
		}
		trade := ClosedTrade{
			SessionID:   e.sessionID,
			Pair:        e.pair,
			EntryPrice:  e.position.EffectiveEntry(),
			ExitPrice:   e.sellPrice,
			Qty:         e.position.Qty,
			RealizedPnl: pnl,
			DCAUsed:     dcaUsed,
			Virtual:     e.position.Virtual,
			OpenedAt:    e.position.OpenedAt,
			ClosedAt:    e.now(),
		}
		if err := e.deps.History.RecordClosedTrade(ctx, trade); err != nil {
			e.logger.Warn("Trade history write failed", "error", err)
		}
	}
	if e.deps.Perf != nil {
		e.deps.Perf.RecordTrade(pnl > 0, pnl)
	}
	if e.deps.Bus != nil {
		e.deps.Bus.RecordOutcome(monitor.EventTradeSuccess, pnl > 0,
			fmt.Sprintf("realized %.6f", pnl))
	}

	// Keep the message grep-friendly for the log analyzer.
	e.logger.Info(fmt.Sprintf("SELL %s completed profit=%.6f", e.pair, pnl),
		"entry", e.position.EffectiveEntry().String(),
		"exit", e.sellPrice.String(),
		"qty", e.position.Qty.String(),
		"entry_fees", e.entryFees.String(),
		"exit_fee", exitFee.String())

	e.position = nil
	e.sellOrderID = ""
	e.sellPrice = decimal.Zero
	e.entryFees = decimal.Zero
	e.lastPnl = 0
	e.state = StateWaitingToBuy
	e.noteAction("trade_complete")
}

// budgetShare expresses a granted quote amount as a percentage of the
// per-trade budget for the audit log.
func (e *Engine) budgetShare(granted decimal.Decimal) float64 {
	if !e.budget.IsPositive() {
		return 0
	}
	share, _ := granted.Div(e.budget).Mul(decimal.NewFromInt(100)).Float64()
	return share
}

// sizingAction labels how the wallet settled the requested size.
func sizingAction(requested, granted decimal.Decimal) string {
	switch {
	case granted.LessThan(requested):
		return "downscale_confirmed"
	case granted.GreaterThan(requested):
		return "upscale_confirmed"
	default:
		return "auto"
	}
}

func (e *Engine) noteAction(action string) {
	e.lastAction = action
	e.lastActionAt = e.now()
}

func (e *Engine) emitStatus() {
	if e.deps.OnStatus == nil {
		return
	}
	status := core.BotStatus{
		BotID:           e.botID,
		Pair:            e.pair,
		Status:          core.BotRunning,
		PID:             os.Getpid(),
		StartedAt:       e.startedAt,
		AllocatedBudget: e.budget,
		TradesToday:     e.deps.Safety.TradeCount(),
		PnlPercent:      e.lastPnl,
		LastAction:      e.lastAction,
		LastActionAt:    e.lastActionAt,
	}
	if e.position != nil {
		snapshot := e.position.Snapshot()
		status.CurrentPosition = &snapshot
	}
	e.deps.OnStatus(status)
}
