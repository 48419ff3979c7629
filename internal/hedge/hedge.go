// Package hedge implements an isolated-margin perpetual futures position
// used to hedge directional exposure.
//
// Collateral is held in notional. Trades are recorded as lots at the mark
// price and cleared after every open so at most one net lot remains.
// Each tick UpdateState checks liquidation against the maintenance margin
// and then settles funding against collateral.
//
// All monetary values use shopspring/decimal.
package hedge

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/entity"
)

// Kind is the entity kind reported by hedge entities.
const Kind = "hedge"

var (
	// ErrMaintenanceMargin is returned when a withdrawal would leave the
	// balance below the maintenance margin of the open lot.
	ErrMaintenanceMargin = errors.New("hedge: withdrawal breaches maintenance margin")

	// ErrNoMarkPrice is returned when opening a position before any mark
	// price has been observed.
	ErrNoMarkPrice = errors.New("hedge: no mark price observed")

	// ErrInvalidConfig is returned for a non-positive max leverage or a
	// negative fee.
	ErrInvalidConfig = errors.New("hedge: max leverage must be positive and fee non-negative")

	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Config holds per-instance exchange parameters.
type Config struct {
	TradingFee  decimal.Decimal `json:"trading_fee" mapstructure:"trading_fee"`
	MaxLeverage decimal.Decimal `json:"max_leverage" mapstructure:"max_leverage"`
}

// DefaultConfig returns a 0.035% taker fee and 50x max leverage.
func DefaultConfig() Config {
	return Config{
		TradingFee:  decimal.NewFromFloat(0.00035),
		MaxLeverage: decimal.NewFromInt(50),
	}
}

// GlobalState is the observed perp market.
type GlobalState struct {
	MarkPrice   decimal.Decimal `json:"mark_price"`
	FundingRate decimal.Decimal `json:"funding_rate"`
}

func (g GlobalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"mark_price":   g.MarkPrice,
		"funding_rate": g.FundingRate,
	}
}

// Lot is one fill. Amount is signed: positive long, negative short.
type Lot struct {
	Amount      decimal.Decimal `json:"amount"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	MaxLeverage decimal.Decimal `json:"max_leverage"`
}

// UnrealisedPnL is amount*(price-entry).
func (l Lot) UnrealisedPnL(price decimal.Decimal) decimal.Decimal {
	return l.Amount.Mul(price.Sub(l.EntryPrice))
}

// InternalState is collateral plus open lots.
type InternalState struct {
	Collateral decimal.Decimal `json:"collateral"`
	Lots       []Lot           `json:"lots"`
}

// Fields flattens the state. The net lot is reported as size and
// entry_price; both are zero when flat.
func (s *InternalState) Fields() map[string]decimal.Decimal {
	size, entry := decimal.Zero, decimal.Zero
	if len(s.Lots) > 0 {
		size, entry = s.Lots[0].Amount, s.Lots[0].EntryPrice
	}
	return map[string]decimal.Decimal{
		"collateral":  s.Collateral,
		"lot_amount":  size,
		"entry_price": entry,
	}
}

func (s *InternalState) Clone() entity.InternalState {
	c := &InternalState{Collateral: s.Collateral}
	if len(s.Lots) > 0 {
		c.Lots = make([]Lot, len(s.Lots))
		copy(c.Lots, s.Lots)
	}
	return c
}

// Entity is a leveraged perpetual hedge.
type Entity struct {
	*entity.Dispatcher
	cfg      Config
	global   GlobalState
	internal *InternalState
}

// New creates an empty hedge entity.
func New(cfg Config) (*Entity, error) {
	if !cfg.MaxLeverage.IsPositive() || cfg.TradingFee.IsNegative() {
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
	if mm := e.MaintenanceMargin(); balance.Sub(amount).LessThan(mm) {
		return fmt.Errorf("%w: %s left < %s required", ErrMaintenanceMargin, balance.Sub(amount), mm)
	}
	e.internal.Collateral = e.internal.Collateral.Sub(amount)
	return nil
}

// openPosition fills amount at the mark price, charges the fee against
// collateral and clears the lots.
func (e *Entity) openPosition(args entity.Args) error {
	amount, err := args.Get(entity.ArgAmountInProduct)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	mark := e.global.MarkPrice
	if !mark.IsPositive() {
		return ErrNoMarkPrice
	}
	fee := mark.Mul(amount).Mul(e.cfg.TradingFee).Abs()
	e.internal.Collateral = e.internal.Collateral.Sub(fee)
	e.internal.Lots = append(e.internal.Lots, Lot{
		Amount:      amount,
		EntryPrice:  mark,
		MaxLeverage: e.cfg.MaxLeverage,
	})
	e.clear()
	return nil
}

// clear nets the lots into at most one. Same-side lots merge at the
// volume-weighted entry. Opposite-side overlap realizes
// overlap*(exit-entry)*side into collateral; any leftover becomes a new
// lot at the closing fill's entry.
func (e *Entity) clear() {
	var net Lot
	for _, lot := range e.internal.Lots {
		switch {
		case lot.Amount.IsZero():
			continue
		case net.Amount.IsZero():
			net = lot
		case net.Amount.Sign() == lot.Amount.Sign():
			total := net.Amount.Add(lot.Amount)
			net.EntryPrice = net.Amount.Mul(net.EntryPrice).Add(lot.Amount.Mul(lot.EntryPrice)).Div(total)
			net.Amount = total
		default:
			overlap := decimal.Min(net.Amount.Abs(), lot.Amount.Abs())
			side := decimal.NewFromInt(int64(net.Amount.Sign()))
			realized := overlap.Mul(lot.EntryPrice.Sub(net.EntryPrice)).Mul(side)
			e.internal.Collateral = e.internal.Collateral.Add(realized)

			rest := net.Amount.Add(lot.Amount)
			switch {
			case rest.IsZero():
				net = Lot{}
			case rest.Sign() == net.Amount.Sign():
				net.Amount = rest
			default:
				net = Lot{Amount: rest, EntryPrice: lot.EntryPrice, MaxLeverage: lot.MaxLeverage}
			}
		}
	}
	if net.Amount.IsZero() {
		e.internal.Lots = nil
		return
	}
	e.internal.Lots = []Lot{net}
}

// PnL is the unrealised PnL of all lots at the mark price.
func (e *Entity) PnL() decimal.Decimal {
	pnl := decimal.Zero
	for _, lot := range e.internal.Lots {
		pnl = pnl.Add(lot.UnrealisedPnL(e.global.MarkPrice))
	}
	return pnl
}

// Balance is collateral + unrealised PnL.
func (e *Entity) Balance() decimal.Decimal {
	return e.internal.Collateral.Add(e.PnL())
}

// Size is the signed net position in product.
func (e *Entity) Size() decimal.Decimal {
	size := decimal.Zero
	for _, lot := range e.internal.Lots {
		size = size.Add(lot.Amount)
	}
	return size
}

// Leverage is |size*mark/balance|, zero when flat or balance is zero.
func (e *Entity) Leverage() decimal.Decimal {
	balance, size := e.Balance(), e.Size()
	if balance.IsZero() || size.IsZero() {
		return decimal.Zero
	}
	return size.Mul(e.global.MarkPrice).Div(balance).Abs()
}

// exposure returns the absolute position size, its volume-weighted entry
// price and the lot leverage. ok is false when flat.
func (e *Entity) exposure() (size, entry, leverage decimal.Decimal, ok bool) {
	if len(e.internal.Lots) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	notional := decimal.Zero
	for _, lot := range e.internal.Lots {
		size = size.Add(lot.Amount.Abs())
		notional = notional.Add(lot.Amount.Abs().Mul(lot.EntryPrice))
	}
	if size.IsZero() {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	return size, notional.Div(size), e.internal.Lots[0].MaxLeverage, true
}

// MaintenanceMargin is entry*|size|/(2*leverage), zero when flat.
func (e *Entity) MaintenanceMargin() decimal.Decimal {
	size, entry, leverage, ok := e.exposure()
	if !ok {
		return decimal.Zero
	}
	return entry.Mul(size).Div(two.Mul(leverage))
}

// LiquidationPrice returns the mark price at which the open lot is
// liquidated:
//
//	available = collateral - maintenance margin
//	liq       = entry - side*available / (|size|*(1 - side/leverage))
//
// clamped at zero. ok is false when flat. A negative available margin
// is reported with immediate=true. A long at 1x leverage has no finite
// liquidation price and reports zero.
func (e *Entity) LiquidationPrice() (price decimal.Decimal, immediate, ok bool) {
	size, entry, leverage, ok := e.exposure()
	if !ok {
		return decimal.Zero, false, false
	}
	available := e.internal.Collateral.Sub(e.MaintenanceMargin())
	if available.IsNegative() {
		return decimal.Zero, true, true
	}
	side := decimal.NewFromInt(int64(e.internal.Lots[0].Amount.Sign()))
	denom := size.Mul(one.Sub(side.Div(leverage)))
	if denom.IsZero() {
		return decimal.Zero, false, true
	}
	price = entry.Sub(side.Mul(available).Div(denom))
	if price.IsNegative() {
		price = decimal.Zero
	}
	return price, false, true
}

// liquidatable reports whether the mark price has crossed the liquidation
// price in the adverse direction for the lot's side.
func (e *Entity) liquidatable() bool {
	price, immediate, ok := e.LiquidationPrice()
	if !ok {
		return false
	}
	if immediate {
		return true
	}
	if e.internal.Lots[0].Amount.IsNegative() {
		return e.global.MarkPrice.GreaterThanOrEqual(price)
	}
	return e.global.MarkPrice.LessThanOrEqual(price)
}

// UpdateState sets the market, liquidates if required, then settles
// funding: longs pay and shorts receive when the rate is positive.
func (e *Entity) UpdateState(state entity.GlobalState) error {
	g, err := entity.As[GlobalState](Kind, state)
	if err != nil {
		return err
	}
	e.global = g
	if e.liquidatable() {
		e.internal.Collateral = decimal.Zero
		e.internal.Lots = nil
	}
	funding := e.Size().Mul(g.MarkPrice).Mul(g.FundingRate)
	e.internal.Collateral = e.internal.Collateral.Sub(funding)
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

// State returns a deep copy of the internal state with its concrete type.
func (e *Entity) State() InternalState { return *e.internal.Clone().(*InternalState) }

// MarkPrice returns the last observed mark price.
func (e *Entity) MarkPrice() decimal.Decimal { return e.global.MarkPrice }

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
