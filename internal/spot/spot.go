// Package spot implements a spot holding entity: cash in notional plus an
// amount of product bought and sold at the observed price. An optional
// per-tick staking rate compounds the held amount, which models liquid
// staking tokens.
package spot

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/entity"
)

// Kind is the entity kind reported by spot entities.
const Kind = "spot"

// Config holds per-instance spot parameters.
type Config struct {
	TradingFee decimal.Decimal `json:"trading_fee" mapstructure:"trading_fee"`
}

// DefaultConfig returns a 0.3% trading fee.
func DefaultConfig() Config {
	return Config{TradingFee: decimal.NewFromFloat(0.003)}
}

// GlobalState is the observed market for the product.
type GlobalState struct {
	Price       decimal.Decimal `json:"price"`
	StakingRate decimal.Decimal `json:"staking_rate"`
}

func (g GlobalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"price":        g.Price,
		"staking_rate": g.StakingRate,
	}
}

// InternalState is the held product and cash.
type InternalState struct {
	Amount decimal.Decimal `json:"amount"`
	Cash   decimal.Decimal `json:"cash"`
}

func (s *InternalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"amount": s.Amount,
		"cash":   s.Cash,
	}
}

func (s *InternalState) Clone() entity.InternalState {
	c := *s
	return &c
}

// Entity is a spot position.
type Entity struct {
	*entity.Dispatcher
	cfg      Config
	global   GlobalState
	internal *InternalState
}

// New creates an empty spot entity.
func New(cfg Config) *Entity {
	e := &Entity{cfg: cfg, internal: &InternalState{}}
	e.Dispatcher = entity.NewDispatcher(Kind).
		Handle(entity.Deposit, e.deposit).
		Handle(entity.Withdraw, e.withdraw).
		Handle(entity.Buy, e.buy).
		Handle(entity.Sell, e.sell)
	return e
}

func (e *Entity) deposit(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInNotional)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit %s must be positive", entity.ErrInvalidAmount, amount)
	}
	e.internal.Cash = e.internal.Cash.Add(amount)
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
	if amount.GreaterThan(e.internal.Cash) {
		return fmt.Errorf("%w: withdraw %s > cash %s", entity.ErrInsufficientFunds, amount, e.internal.Cash)
	}
	e.internal.Cash = e.internal.Cash.Sub(amount)
	return nil
}

// buy spends notional cash; the fee is taken before conversion.
func (e *Entity) buy(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInNotional)
	if err != nil {
		return err
	}
	if err := entity.RequireNonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(e.internal.Cash) {
		return fmt.Errorf("%w: buy %s > cash %s", entity.ErrInsufficientFunds, amount, e.internal.Cash)
	}
	if !e.global.Price.IsPositive() {
		return fmt.Errorf("spot: cannot buy at price %s", e.global.Price)
	}
	e.internal.Cash = e.internal.Cash.Sub(amount)
	e.internal.Amount = e.internal.Amount.Add(amount.Mul(e.net()).Div(e.global.Price))
	return nil
}

// sell converts product to cash net of the fee.
func (e *Entity) sell(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInProduct)
	if err != nil {
		return err
	}
	if err := entity.RequireNonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(e.internal.Amount) {
		return fmt.Errorf("%w: sell %s > amount %s", entity.ErrInsufficientFunds, amount, e.internal.Amount)
	}
	e.internal.Amount = e.internal.Amount.Sub(amount)
	e.internal.Cash = e.internal.Cash.Add(amount.Mul(e.net()).Mul(e.global.Price))
	return nil
}

func (e *Entity) net() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(e.cfg.TradingFee)
}

// UpdateState sets the market and compounds staking rewards.
func (e *Entity) UpdateState(state entity.GlobalState) error {
	g, err := entity.As[GlobalState](Kind, state)
	if err != nil {
		return err
	}
	e.global = g
	if !g.StakingRate.IsZero() {
		e.internal.Amount = e.internal.Amount.Mul(decimal.NewFromInt(1).Add(g.StakingRate))
	}
	return nil
}

// Balance is amount*price + cash.
func (e *Entity) Balance() decimal.Decimal {
	return e.internal.Amount.Mul(e.global.Price).Add(e.internal.Cash)
}

func (e *Entity) GlobalState() entity.GlobalState { return e.global }

func (e *Entity) InternalState() entity.InternalState { return e.internal.Clone() }

// State returns a copy of the internal state with its concrete type.
func (e *Entity) State() InternalState { return *e.internal }

// Price returns the last observed price.
func (e *Entity) Price() decimal.Decimal { return e.global.Price }

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
