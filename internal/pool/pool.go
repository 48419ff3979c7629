// Package pool implements a single-range concentrated-liquidity LP
// position. At most one position is open at a time; idle funds sit in
// cash. Token composition follows the closed forms in package clmm, and
// fee income is credited to cash each tick the price sits inside the
// range.
package pool

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/clmm"
	"github.com/atmx/backtest-engine/internal/entity"
)

// Kind is the entity kind reported by pool entities.
const Kind = "pool"

var (
	// ErrPositionOpen is returned when opening while a position is open.
	ErrPositionOpen = errors.New("pool: position already open")

	// ErrNoPosition is returned when closing without an open position.
	ErrNoPosition = errors.New("pool: no position to close")

	// ErrInvalidRange wraps every rejected price bound.
	ErrInvalidRange = errors.New("pool: invalid price range")
)

// Config holds per-pool parameters.
type Config struct {
	FeesRate       decimal.Decimal `json:"fees_rate" mapstructure:"fees_rate"`
	Token0Decimals int             `json:"token0_decimals" mapstructure:"token0_decimals"`
	Token1Decimals int             `json:"token1_decimals" mapstructure:"token1_decimals"`
	TradingFee     decimal.Decimal `json:"trading_fee" mapstructure:"trading_fee"`
	TickSpacing    int             `json:"tick_spacing" mapstructure:"tick_spacing"`
}

// DefaultConfig returns an 18/18 decimals pool with a 0.5% fee tier, a
// 0.3% open/close cost and 60-tick spacing.
func DefaultConfig() Config {
	return Config{
		FeesRate:       decimal.NewFromFloat(0.005),
		Token0Decimals: 18,
		Token1Decimals: 18,
		TradingFee:     decimal.NewFromFloat(0.003),
		TickSpacing:    60,
	}
}

// GlobalState is the observed pool. Fees is the pool-wide fee total for
// the tick and Liquidity the pool-wide active liquidity.
type GlobalState struct {
	TVL       decimal.Decimal `json:"tvl"`
	Volume    decimal.Decimal `json:"volume"`
	Fees      decimal.Decimal `json:"fees"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Price     decimal.Decimal `json:"price"`
}

func (g GlobalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"tvl":       g.TVL,
		"volume":    g.Volume,
		"fees":      g.Fees,
		"liquidity": g.Liquidity,
		"price":     g.Price,
	}
}

// InternalState is the open position plus idle cash.
type InternalState struct {
	Token0Amount decimal.Decimal `json:"token0_amount"`
	Token1Amount decimal.Decimal `json:"token1_amount"`
	PriceInit    decimal.Decimal `json:"price_init"`
	PriceLower   decimal.Decimal `json:"price_lower"`
	PriceUpper   decimal.Decimal `json:"price_upper"`
	Liquidity    decimal.Decimal `json:"position_liquidity"`
	Cash         decimal.Decimal `json:"cash"`
	Positioned   bool            `json:"positioned"`
}

// Fields flattens the state. The position's own liquidity is reported as
// position_liquidity so it does not shadow the pool-wide liquidity field.
func (s *InternalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"token0_amount":      s.Token0Amount,
		"token1_amount":      s.Token1Amount,
		"price_init":         s.PriceInit,
		"price_lower":        s.PriceLower,
		"price_upper":        s.PriceUpper,
		"position_liquidity": s.Liquidity,
		"cash":               s.Cash,
		"positioned":         entity.Bool(s.Positioned),
	}
}

func (s *InternalState) Clone() entity.InternalState {
	c := *s
	return &c
}

func (s *InternalState) rng() clmm.Range {
	return clmm.Range{Lower: s.PriceLower, Upper: s.PriceUpper}
}

// Entity is a concentrated-liquidity LP position.
type Entity struct {
	*entity.Dispatcher
	cfg      Config
	global   GlobalState
	internal *InternalState
}

// New creates an empty pool entity.
func New(cfg Config) *Entity {
	e := &Entity{cfg: cfg, internal: &InternalState{}}
	e.Dispatcher = entity.NewDispatcher(Kind).
		Handle(entity.Deposit, e.deposit).
		Handle(entity.Withdraw, e.withdraw).
		Handle(entity.OpenPosition, e.openPosition).
		Handle(entity.ClosePosition, e.closePosition)
	return e
}

// Config returns the pool parameters.
func (e *Entity) Config() Config { return e.cfg }

func (e *Entity) deposit(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInNotional)
	if err != nil {
		return err
	}
	if err := entity.RequireNonNegative(amount); err != nil {
		return err
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

// openPosition moves notional from cash into a range position sized at
// the current price.
func (e *Entity) openPosition(args entity.Args) error {
	if e.internal.Positioned {
		return ErrPositionOpen
	}
	amount, err := args.Get(entity.ArgAmountInNotional)
	if err != nil {
		return err
	}
	lower, err := args.Get(entity.ArgPriceLower)
	if err != nil {
		return err
	}
	upper, err := args.Get(entity.ArgPriceUpper)
	if err != nil {
		return err
	}
	if amount.GreaterThan(e.internal.Cash) {
		return fmt.Errorf("%w: open %s > cash %s", entity.ErrInsufficientFunds, amount, e.internal.Cash)
	}
	r, err := clmm.NewRange(lower, upper)
	if err != nil {
		return fmt.Errorf("%w: [%s, %s]: %v", ErrInvalidRange, lower, upper, err)
	}
	price := e.global.Price
	pos, err := r.Size(amount, price, e.cfg.TradingFee)
	switch {
	case errors.Is(err, clmm.ErrPriceOutOfRange):
		return fmt.Errorf("%w: price %s outside (%s, %s)", ErrInvalidRange, price, lower, upper)
	case err != nil:
		return fmt.Errorf("%w: %v", entity.ErrInvalidAmount, err)
	}

	e.internal.Cash = e.internal.Cash.Sub(amount)
	e.internal.Token0Amount = pos.Token0
	e.internal.Token1Amount = pos.Token1
	e.internal.Liquidity = pos.Liquidity
	e.internal.PriceInit = price
	e.internal.PriceLower = lower
	e.internal.PriceUpper = upper
	e.internal.Positioned = true
	return nil
}

// closePosition converts the whole balance to cash net of the trading fee.
func (e *Entity) closePosition(entity.Args) error {
	if !e.internal.Positioned {
		return ErrNoPosition
	}
	cash := e.Balance().Mul(decimal.NewFromInt(1).Sub(e.cfg.TradingFee))
	e.internal = &InternalState{Cash: cash}
	return nil
}

// UpdateState sets the pool market, recomposes the position at the new
// price and credits this position's share of the tick's fees.
func (e *Entity) UpdateState(state entity.GlobalState) error {
	g, err := entity.As[GlobalState](Kind, state)
	if err != nil {
		return err
	}
	e.global = g
	if !e.internal.Positioned {
		return nil
	}
	r := e.internal.rng()
	e.internal.Token0Amount, e.internal.Token1Amount = r.Composition(e.internal.Liquidity, g.Price)
	e.internal.Cash = e.internal.Cash.Add(e.fees(r))
	return nil
}

// fees estimates this position's fee income for the tick, capped at the
// pool total. Prices are inverted because on-chain liquidity is quoted in
// token0/token1.
func (e *Entity) fees(r clmm.Range) decimal.Decimal {
	p := e.global.Price
	if !r.InRange(p) {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	delta := clmm.LiquidityDelta(
		one.Div(p), one.Div(r.Upper), one.Div(r.Lower),
		e.internal.Token0Amount, e.internal.Token1Amount,
		e.cfg.Token0Decimals, e.cfg.Token1Decimals,
	)
	return decimal.Min(clmm.EstimateFee(delta, e.global.Liquidity, e.global.Fees), e.global.Fees)
}

// Balance is token0 + token1*price + cash when positioned, else cash.
func (e *Entity) Balance() decimal.Decimal {
	if !e.internal.Positioned {
		return e.internal.Cash
	}
	return e.internal.Token0Amount.
		Add(e.internal.Token1Amount.Mul(e.global.Price)).
		Add(e.internal.Cash)
}

// Positioned reports whether a range position is open.
func (e *Entity) Positioned() bool { return e.internal.Positioned }

// Price returns the last observed pool price.
func (e *Entity) Price() decimal.Decimal { return e.global.Price }

// Range returns the open position's bounds.
func (e *Entity) Range() (clmm.Range, bool) {
	return e.internal.rng(), e.internal.Positioned
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
