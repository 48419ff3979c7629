// Package gmx implements a GMX v2 style isolated perpetual market.
//
// Unlike package hedge it has no maintenance-margin formula: a position is
// liquidated once its leverage reaches LiquidationLeverage. Funding and
// borrowing are quoted per side, so longs and shorts settle against their
// own rates each tick. Every open realizes the running PnL into collateral
// and re-enters the net size at the current price.
package gmx

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/entity"
)

// Kind is the entity kind reported by gmx entities.
const Kind = "gmx"

var (
	// ErrWithdrawLimit is returned when a withdrawal would push leverage
	// past the liquidation leverage.
	ErrWithdrawLimit = errors.New("gmx: withdrawal exceeds the maximum withdrawable amount")

	// ErrNoPrice is returned when opening before any price is observed.
	ErrNoPrice = errors.New("gmx: no price observed")

	// ErrInvalidConfig is returned for a non-positive liquidation
	// leverage or a negative fee.
	ErrInvalidConfig = errors.New("gmx: liquidation leverage must be positive and fee non-negative")
)

// Config holds per-market parameters.
type Config struct {
	TradingFee          decimal.Decimal `json:"trading_fee" mapstructure:"trading_fee"`
	LiquidationLeverage decimal.Decimal `json:"liquidation_leverage" mapstructure:"liquidation_leverage"`
}

// DefaultConfig returns a 0.1% fee and liquidation at 100x.
func DefaultConfig() Config {
	return Config{
		TradingFee:          decimal.NewFromFloat(0.001),
		LiquidationLeverage: decimal.NewFromInt(100),
	}
}

// GlobalState is the observed market. Rates are per tick and signed from
// the point of view of the side receiving them: a positive funding rate
// is paid to that side, a positive borrowing rate is charged to it.
type GlobalState struct {
	Price              decimal.Decimal `json:"price"`
	FundingRateLong    decimal.Decimal `json:"funding_rate_long"`
	FundingRateShort   decimal.Decimal `json:"funding_rate_short"`
	BorrowingRateLong  decimal.Decimal `json:"borrowing_rate_long"`
	BorrowingRateShort decimal.Decimal `json:"borrowing_rate_short"`
	LongsPayShorts     bool            `json:"longs_pay_shorts"`
}

func (g GlobalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"price":                g.Price,
		"funding_rate_long":    g.FundingRateLong,
		"funding_rate_short":   g.FundingRateShort,
		"borrowing_rate_long":  g.BorrowingRateLong,
		"borrowing_rate_short": g.BorrowingRateShort,
		"longs_pay_shorts":     entity.Bool(g.LongsPayShorts),
	}
}

// InternalState is collateral plus the single net position. Size is
// signed: positive long, negative short.
type InternalState struct {
	Collateral decimal.Decimal `json:"collateral"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

func (s *InternalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"collateral":    s.Collateral,
		"position_size": s.Size,
		"entry_price":   s.EntryPrice,
	}
}

func (s *InternalState) Clone() entity.InternalState {
	c := *s
	return &c
}

// Entity is a GMX v2 style perpetual position.
type Entity struct {
	*entity.Dispatcher
	cfg      Config
	global   GlobalState
	internal *InternalState
}

// New creates a flat market entity.
func New(cfg Config) (*Entity, error) {
	if !cfg.LiquidationLeverage.IsPositive() || cfg.TradingFee.IsNegative() {
		return nil, ErrInvalidConfig
	}
	e := &Entity{cfg: cfg, internal: &InternalState{}}
	e.Dispatcher = entity.NewDispatcher(Kind).
		Handle(entity.Deposit, e.deposit).
		Handle(entity.Withdraw, e.withdraw).
		Handle(entity.OpenPosition, e.openPosition)
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

// withdraw keeps at least |size*price|/liquidation_leverage of balance
// behind an open position.
func (e *Entity) withdraw(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInNotional)
	if err != nil {
		return err
	}
	if err := entity.RequireNonNegative(amount); err != nil {
		return err
	}
	balance := e.Balance()
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: withdraw %s > balance %s", entity.ErrInsufficientFunds, amount, balance)
	}
	limit := balance.Sub(e.notional().Div(e.cfg.LiquidationLeverage))
	if amount.GreaterThan(limit) {
		return fmt.Errorf("%w: %s > %s", ErrWithdrawLimit, amount, limit)
	}
	e.internal.Collateral = e.internal.Collateral.Sub(amount)
	return nil
}

// openPosition charges the fee, realizes the PnL of the held size into
// collateral and re-enters the new net size at the current price.
func (e *Entity) openPosition(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInProduct)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	price := e.global.Price
	if !price.IsPositive() {
		return ErrNoPrice
	}
	fee := amount.Mul(price).Mul(e.cfg.TradingFee).Abs()
	e.internal.Collateral = e.internal.Collateral.Sub(fee).Add(e.PnL())
	e.internal.Size = e.internal.Size.Add(amount)
	e.internal.EntryPrice = price
	if e.internal.Size.IsZero() {
		e.internal.EntryPrice = decimal.Zero
	}
	return nil
}

// notional is |size*price|.
func (e *Entity) notional() decimal.Decimal {
	return e.internal.Size.Mul(e.global.Price).Abs()
}

// PnL is size*(price-entry).
func (e *Entity) PnL() decimal.Decimal {
	if e.internal.Size.IsZero() {
		return decimal.Zero
	}
	return e.internal.Size.Mul(e.global.Price.Sub(e.internal.EntryPrice))
}

// Balance is collateral + PnL.
func (e *Entity) Balance() decimal.Decimal {
	return e.internal.Collateral.Add(e.PnL())
}

// Size is the signed net position in product.
func (e *Entity) Size() decimal.Decimal { return e.internal.Size }

// Leverage is |size*price/balance|, zero when flat or the balance is not
// positive.
func (e *Entity) Leverage() decimal.Decimal {
	balance := e.Balance()
	if e.internal.Size.IsZero() || !balance.IsPositive() {
		return decimal.Zero
	}
	return e.notional().Div(balance)
}

// liquidatable reports whether an open position has reached the
// liquidation leverage or lost all of its balance.
func (e *Entity) liquidatable() bool {
	if e.internal.Size.IsZero() {
		return false
	}
	if !e.Balance().IsPositive() {
		return true
	}
	return e.Leverage().GreaterThanOrEqual(e.cfg.LiquidationLeverage)
}

// UpdateState sets the market, liquidates if required, then settles the
// funding and borrowing of the side held.
func (e *Entity) UpdateState(state entity.GlobalState) error {
	g, err := entity.As[GlobalState](Kind, state)
	if err != nil {
		return err
	}
	e.global = g
	if e.liquidatable() {
		e.internal = &InternalState{}
		return nil
	}
	var rate decimal.Decimal
	switch e.internal.Size.Sign() {
	case 1:
		rate = g.FundingRateLong.Sub(g.BorrowingRateLong)
	case -1:
		rate = g.FundingRateShort.Sub(g.BorrowingRateShort)
	default:
		return nil
	}
	e.internal.Collateral = e.internal.Collateral.Add(e.notional().Mul(rate))
	return nil
}

// Derived exposes computed fields to deferred action arguments.
func (e *Entity) Derived() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"size":     e.Size(),
		"pnl":      e.PnL(),
		"leverage": e.Leverage(),
	}
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
