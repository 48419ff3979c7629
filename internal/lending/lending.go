// Package lending implements an isolated lending market position:
// collateral posted in notional against a loan denominated in product.
//
// Every action that increases debt relative to collateral is gated by
// the maximum loan-to-value ratio. Each tick both sides accrue interest
// and the position is liquidated once LTV reaches the liquidation
// threshold.
package lending

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/entity"
)

// Kind is the entity kind reported by lending entities.
const Kind = "lending"

var (
	// ErrMaxLTV is returned when an action would push LTV above the
	// configured maximum.
	ErrMaxLTV = errors.New("lending: exceeds maximum loan-to-value ratio")

	// ErrNoCollateral is returned when borrowing without collateral.
	ErrNoCollateral = errors.New("lending: no collateral available")

	// ErrInvalidTargetLTV is returned by CalculateRepay for targets
	// outside [0, ltv].
	ErrInvalidTargetLTV = errors.New("lending: invalid target ltv")

	// ErrInvalidConfig is returned when the thresholds are not ordered
	// 0 < max ltv <= liquidation threshold.
	ErrInvalidConfig = errors.New("lending: invalid ltv thresholds")
)

// Config holds the market's risk parameters.
type Config struct {
	MaxLTV               decimal.Decimal `json:"max_ltv" mapstructure:"max_ltv"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold" mapstructure:"liquidation_threshold"`
}

// DefaultConfig returns 80% max LTV and an 85% liquidation threshold.
func DefaultConfig() Config {
	return Config{
		MaxLTV:               decimal.NewFromFloat(0.8),
		LiquidationThreshold: decimal.NewFromFloat(0.85),
	}
}

// GlobalState is the observed market. Rates are per tick.
type GlobalState struct {
	NotionalPrice decimal.Decimal `json:"notional_price"`
	ProductPrice  decimal.Decimal `json:"product_price"`
	LendingRate   decimal.Decimal `json:"lending_rate"`
	BorrowingRate decimal.Decimal `json:"borrowing_rate"`
}

func (g GlobalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"notional_price": g.NotionalPrice,
		"product_price":  g.ProductPrice,
		"lending_rate":   g.LendingRate,
		"borrowing_rate": g.BorrowingRate,
	}
}

// InternalState holds collateral in notional units and debt in product
// units.
type InternalState struct {
	Collateral decimal.Decimal `json:"collateral"`
	Borrowed   decimal.Decimal `json:"borrowed"`
}

func (s *InternalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"collateral": s.Collateral,
		"borrowed":   s.Borrowed,
	}
}

func (s *InternalState) Clone() entity.InternalState {
	c := *s
	return &c
}

// Entity is a collateralized loan.
type Entity struct {
	*entity.Dispatcher
	cfg      Config
	global   GlobalState
	internal *InternalState
}

// New creates an empty lending entity.
func New(cfg Config) (*Entity, error) {
	if !cfg.MaxLTV.IsPositive() || cfg.LiquidationThreshold.LessThan(cfg.MaxLTV) {
		return nil, ErrInvalidConfig
	}
	e := &Entity{cfg: cfg, internal: &InternalState{}}
	e.Dispatcher = entity.NewDispatcher(Kind).
		Handle(entity.Deposit, e.deposit).
		Handle(entity.Withdraw, e.withdraw).
		Handle(entity.Borrow, e.borrow).
		Handle(entity.Redeem, e.redeem)
	return e, nil
}

func (e *Entity) deposit(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInNotional)
	if err != nil {
		return err
	}
	if err := entity.RequireNonNegative(amount); err != nil {
		return err
	}
	e.internal.Collateral = e.internal.Collateral.Add(amount)
	return nil
}

func (e *Entity) withdraw(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInNotional)
	if err != nil {
		return err
	}
	if err := entity.RequireNonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(e.internal.Collateral) {
		return fmt.Errorf("%w: withdraw %s > collateral %s", entity.ErrInsufficientFunds, amount, e.internal.Collateral)
	}
	remaining := e.internal.Collateral.Sub(amount)
	if ltv, ok := e.ltvAt(remaining, e.internal.Borrowed); !ok || ltv.GreaterThan(e.cfg.MaxLTV) {
		return fmt.Errorf("%w: withdraw %s leaves ltv above %s", ErrMaxLTV, amount, e.cfg.MaxLTV)
	}
	e.internal.Collateral = remaining
	return nil
}

func (e *Entity) borrow(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInProduct)
	if err != nil {
		return err
	}
	if err := entity.RequireNonNegative(amount); err != nil {
		return err
	}
	if e.internal.Collateral.IsZero() {
		return ErrNoCollateral
	}
	borrowed := e.internal.Borrowed.Add(amount)
	if ltv, ok := e.ltvAt(e.internal.Collateral, borrowed); !ok || ltv.GreaterThan(e.cfg.MaxLTV) {
		return fmt.Errorf("%w: borrow %s gives ltv %s > %s", ErrMaxLTV, amount, ltv, e.cfg.MaxLTV)
	}
	e.internal.Borrowed = borrowed
	return nil
}

func (e *Entity) redeem(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInProduct)
	if err != nil {
		return err
	}
	if err := entity.RequireNonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(e.internal.Borrowed) {
		return fmt.Errorf("%w: redeem %s > borrowed %s", entity.ErrInsufficientFunds, amount, e.internal.Borrowed)
	}
	e.internal.Borrowed = e.internal.Borrowed.Sub(amount)
	return nil
}

// ltvAt computes borrowed*product_price / (collateral*notional_price).
// No debt is always ltv 0. ok is false when debt exists against a
// zero-valued collateral.
func (e *Entity) ltvAt(collateral, borrowed decimal.Decimal) (decimal.Decimal, bool) {
	if borrowed.IsZero() {
		return decimal.Zero, true
	}
	value := collateral.Mul(e.global.NotionalPrice)
	if !value.IsPositive() {
		return decimal.Zero, false
	}
	return borrowed.Mul(e.global.ProductPrice).Div(value), true
}

// LTV is the current loan-to-value ratio. Debt against worthless
// collateral reports as ltv 1.
func (e *Entity) LTV() decimal.Decimal {
	ltv, ok := e.ltvAt(e.internal.Collateral, e.internal.Borrowed)
	if !ok {
		return decimal.NewFromInt(1)
	}
	return ltv
}

// CalculateRepay returns the product amount to redeem so LTV falls to
// target:
//
//	collateral * notional_price * (ltv - target) / product_price
func (e *Entity) CalculateRepay(target decimal.Decimal) (decimal.Decimal, error) {
	ltv := e.LTV()
	if target.IsNegative() || target.GreaterThan(ltv) {
		return decimal.Zero, fmt.Errorf("%w: %s not in [0, %s]", ErrInvalidTargetLTV, target, ltv)
	}
	if !e.global.ProductPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: product price %s", ErrInvalidTargetLTV, e.global.ProductPrice)
	}
	return e.internal.Collateral.
		Mul(e.global.NotionalPrice).
		Mul(ltv.Sub(target)).
		Div(e.global.ProductPrice), nil
}

// Balance is collateral value minus debt value, in notional.
func (e *Entity) Balance() decimal.Decimal {
	return e.internal.Collateral.Mul(e.global.NotionalPrice).
		Sub(e.internal.Borrowed.Mul(e.global.ProductPrice))
}

// UpdateState sets the market, accrues interest on both sides and then
// liquidates when collateral is gone or LTV reached the threshold.
func (e *Entity) UpdateState(state entity.GlobalState) error {
	g, err := entity.As[GlobalState](Kind, state)
	if err != nil {
		return err
	}
	e.global = g
	e.internal.Collateral = e.internal.Collateral.Mul(decimal.NewFromInt(1).Add(g.LendingRate))
	e.internal.Borrowed = e.internal.Borrowed.Mul(decimal.NewFromInt(1).Add(g.BorrowingRate))
	if e.internal.Collateral.IsZero() || e.LTV().GreaterThanOrEqual(e.cfg.LiquidationThreshold) {
		e.internal.Collateral = decimal.Zero
		e.internal.Borrowed = decimal.Zero
	}
	return nil
}

func (e *Entity) Derived() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{"ltv": e.LTV()}
}

func (e *Entity) GlobalState() entity.GlobalState { return e.global }

func (e *Entity) InternalState() entity.InternalState { return e.internal.Clone() }

// State returns a copy of the internal state with its concrete type.
func (e *Entity) State() InternalState { return *e.internal }

func (e *Entity) Restore(state entity.InternalState) error {
	s, ok := state.(*InternalState)
	if !ok {
		return fmt.Errorf("%w: %s cannot restore %T", entity.ErrStateType, Kind, state)
	}
	e.internal = s.Clone().(*InternalState)
	return nil
}

func (e *Entity) DecodeState(data []byte) (entity.GlobalState, error) {
	return entity.Decode[GlobalState](data)
}
