// Package order orchestrates single-order execution: validation, sizing,
// submission and audit, with every outcome published to the monitoring bus.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"scalper/internal/core"
	"scalper/internal/monitor"
	"scalper/internal/wallet"
	apperrors "scalper/pkg/errors"
	"scalper/pkg/retry"
)

// Request describes one order the engine wants executed. Buys are sized in
// quote units, sells in base quantity.
type Request struct {
	SessionID   string
	Pair        string
	Side        core.Side
	Type        core.OrderType
	QuoteAmount decimal.Decimal
	Qty         decimal.Decimal
	Price       decimal.Decimal
	PriceSource string
	// Operation labels the lifecycle step in the audit log:
	// entry_buy, dca_buy, target_sell, stop_loss_sell, timeout_sell.
	Operation string
	// Percentage is the share of the per-trade budget a buy commits; zero
	// for sells.
	Percentage float64
	// UserAction records how the size was settled: auto, downscale_confirmed
	// or upscale_confirmed.
	UserAction string
}

// Calculation is the sized, fee-annotated form of a request.
type Calculation struct {
	Qty          decimal.Decimal
	Price        decimal.Decimal
	GrossValue   decimal.Decimal
	FeeRate      decimal.Decimal
	FeeEstimated decimal.Decimal
	GTUsed       bool
}

// Validator rejects requests that must not reach the exchange.
type Validator interface {
	Validate(ctx context.Context, req *Request) error
}

// Calculator turns a request into rounded quantities and fee estimates.
type Calculator interface {
	Calculate(ctx context.Context, req *Request) (*Calculation, error)
}

// Executor submits the calculated order.
type Executor interface {
	Execute(ctx context.Context, req *Request, calc *Calculation) (*core.Order, error)
}

// Service runs one order through its four collaborators.
type Service struct {
	validator  Validator
	calculator Calculator
	executor   Executor
	audit      AuditLogger
	bus        *monitor.Bus
	breaker    *retry.CircuitBreaker
	exchange   core.IExchange
	logger     core.ILogger
}

// NewService wires the default collaborators around an exchange and wallet.
// bus and breaker may be nil.
func NewService(exchange core.IExchange, view *wallet.View, audit AuditLogger, bus *monitor.Bus, breaker *retry.CircuitBreaker, logger core.ILogger) *Service {
	return &Service{
		validator:  &walletValidator{view: view},
		calculator: &feeAwareCalculator{exchange: exchange},
		executor:   &exchangeExecutor{exchange: exchange},
		audit:      audit,
		bus:        bus,
		breaker:    breaker,
		exchange:   exchange,
		logger:     logger.WithField("component", "order_service"),
	}
}

// Execute validates, sizes, submits and audits one order.
func (s *Service) Execute(ctx context.Context, req *Request) (*core.Order, error) {
	started := time.Now()
	quote := core.QuoteAsset(req.Pair)

	balanceBefore, err := s.exchange.GetBalance(ctx, quote)
	if err != nil {
		s.logger.Warn("Balance snapshot before order failed", "pair", req.Pair, "error", err)
	}

	if err := s.validator.Validate(ctx, req); err != nil {
		s.fail(req, nil, balanceBefore, started, "rejected", err)
		return nil, fmt.Errorf("validate %s %s: %w", req.Operation, req.Pair, err)
	}

	calc, err := s.calculator.Calculate(ctx, req)
	if err != nil {
		s.fail(req, nil, balanceBefore, started, "rejected", err)
		return nil, fmt.Errorf("calculate %s %s: %w", req.Operation, req.Pair, err)
	}

	placed, err := s.executor.Execute(ctx, req, calc)
	if err != nil {
		s.fail(req, calc, balanceBefore, started, "failed", err)
		return nil, fmt.Errorf("execute %s %s: %w", req.Operation, req.Pair, err)
	}

	balanceAfter, err := s.exchange.GetBalance(ctx, quote)
	if err != nil {
		s.logger.Warn("Balance snapshot after order failed", "pair", req.Pair, "error", err)
	}

	s.appendAudit(AuditRecord{
		Timestamp:     time.Now(),
		SessionID:     req.SessionID,
		OperationType: req.Operation,
		Pair:          req.Pair,
		Percentage:    req.Percentage,
		UserAction:    req.UserAction,
		Qty:           calc.Qty.String(),
		Price:         calc.Price.String(),
		GrossValue:    calc.GrossValue.String(),
		OrderID:       placed.ID,
		Status:        string(placed.Status),
		FeeEstimated:  calc.FeeEstimated.String(),
		FeeRate:       calc.FeeRate.String(),
		GTUsed:        calc.GTUsed,
		BalanceBefore: balanceBefore.String(),
		BalanceAfter:  balanceAfter.String(),
		PriceSource:   req.PriceSource,
		ExecTimeMs:    time.Since(started).Milliseconds(),
	})

	if s.bus != nil {
		s.bus.Publish(monitor.NewEvent(monitor.EventTradeSuccess, monitor.SeverityInfo, req.Pair,
			fmt.Sprintf("%s placed: %s %s at %s", req.Operation, calc.Qty, req.Pair, calc.Price),
			map[string]interface{}{"order_id": placed.ID}))
	}

	s.logger.Info("Order placed",
		"pair", req.Pair, "operation", req.Operation,
		"order_id", placed.ID, "qty", calc.Qty.String(), "price", calc.Price.String())
	return placed, nil
}

// fail records the failure to the audit log, the monitoring bus and the
// circuit breaker. Validation errors never feed the breaker.
func (s *Service) fail(req *Request, calc *Calculation, balanceBefore decimal.Decimal, started time.Time, status string, cause error) {
	kind := apperrors.Classify(cause)

	record := AuditRecord{
		Timestamp:     time.Now(),
		SessionID:     req.SessionID,
		OperationType: req.Operation,
		Pair:          req.Pair,
		Percentage:    req.Percentage,
		UserAction:    req.UserAction,
		Status:        status,
		BalanceBefore: balanceBefore.String(),
		PriceSource:   req.PriceSource,
		ExecTimeMs:    time.Since(started).Milliseconds(),
		Notes:         cause.Error(),
	}
	if calc != nil {
		record.Qty = calc.Qty.String()
		record.Price = calc.Price.String()
		record.GrossValue = calc.GrossValue.String()
		record.FeeRate = calc.FeeRate.String()
		record.FeeEstimated = calc.FeeEstimated.String()
		record.GTUsed = calc.GTUsed
	}
	s.appendAudit(record)

	if s.breaker != nil && kind != apperrors.TypeValidation {
		s.breaker.RecordFailure(breakerKindFor(kind))
	}

	if s.bus != nil {
		severity := monitor.SeverityWarning
		if kind == apperrors.TypeValidation {
			severity = monitor.SeverityInfo
		}
		s.bus.Publish(monitor.NewEvent(monitor.EventTradeFailure, severity, req.Pair,
			fmt.Sprintf("%s failed: %v", req.Operation, cause),
			map[string]interface{}{"kind": string(kind)}))
	}

	s.logger.Error("Order failed",
		"pair", req.Pair, "operation", req.Operation, "kind", string(kind), "error", cause)
}

func (s *Service) appendAudit(record AuditRecord) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(record); err != nil {
		s.logger.Error("Audit append failed", "error", err)
	}
}

func breakerKindFor(t apperrors.Type) retry.FailureKind {
	switch t {
	case apperrors.TypeNetwork, apperrors.TypeTimeout:
		return retry.FailureNetwork
	case apperrors.TypeRateLimit:
		return retry.FailureAPILimit
	case apperrors.TypeInsufficientBalance:
		return retry.FailureInsufficientBalance
	default:
		return retry.FailureUnknown
	}
}

// walletValidator enforces the blocked-pair registry, positive balance and
// buy-side sufficiency.
type walletValidator struct {
	view *wallet.View
}

func (v *walletValidator) Validate(ctx context.Context, req *Request) error {
	if reason, blocked := v.view.IsBlocked(req.Pair); blocked {
		return fmt.Errorf("pair blocked (%s): %w", reason, apperrors.ErrPairBlocked)
	}
	if !req.Price.IsPositive() {
		return fmt.Errorf("price must be positive: %w", apperrors.ErrInvalidArgument)
	}

	if req.Side == core.SideBuy {
		if !req.QuoteAmount.IsPositive() {
			return fmt.Errorf("quote amount must be positive: %w", apperrors.ErrInvalidArgument)
		}
		if req.QuoteAmount.LessThan(v.view.MinNotionalWithMargin()) {
			return fmt.Errorf("order value %s below minimum %s: %w",
				req.QuoteAmount.StringFixed(2), v.view.MinNotionalWithMargin().StringFixed(2),
				apperrors.ErrMinOrderValue)
		}
		ok, err := v.view.CanAfford(ctx, req.QuoteAmount)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cannot afford %s: %w", req.QuoteAmount.StringFixed(2), apperrors.ErrInsufficientFunds)
		}
		return nil
	}

	if !req.Qty.IsPositive() {
		return fmt.Errorf("sell quantity must be positive: %w", apperrors.ErrInvalidArgument)
	}
	return nil
}

// standardTakerRate is the undiscounted reference rate used to detect a GT
// discount in effect.
var standardTakerRate = decimal.NewFromFloat(0.002)

// feeAwareCalculator floors the quantity to 8 digits and annotates the fee.
type feeAwareCalculator struct {
	exchange core.IExchange
}

func (c *feeAwareCalculator) Calculate(ctx context.Context, req *Request) (*Calculation, error) {
	price := core.RoundPrice(req.Price)

	var qty decimal.Decimal
	if req.Side == core.SideBuy {
		qty = core.FloorQty(req.QuoteAmount.Div(price))
	} else {
		qty = core.FloorQty(req.Qty)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("calculated quantity is zero: %w", apperrors.ErrInvalidArgument)
	}

	gross := qty.Mul(price)
	feeRate, err := c.exchange.EffectiveFeeRate(ctx, req.Type, gross)
	if err != nil {
		return nil, fmt.Errorf("fee rate lookup: %w", err)
	}

	return &Calculation{
		Qty:          qty,
		Price:        price,
		GrossValue:   gross,
		FeeRate:      feeRate,
		FeeEstimated: gross.Mul(feeRate),
		GTUsed:       feeRate.LessThan(standardTakerRate),
	}, nil
}

// exchangeExecutor submits through the exchange client.
type exchangeExecutor struct {
	exchange core.IExchange
}

func (e *exchangeExecutor) Execute(ctx context.Context, req *Request, calc *Calculation) (*core.Order, error) {
	return e.exchange.PlaceSpotOrder(ctx, &core.PlaceOrderRequest{
		Pair:  req.Pair,
		Side:  req.Side,
		Type:  req.Type,
		Qty:   calc.Qty,
		Price: calc.Price,
	})
}
