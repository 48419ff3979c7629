package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/entity"
	"github.com/atmx/backtest-engine/internal/gmx"
	"github.com/atmx/backtest-engine/internal/hedge"
	"github.com/atmx/backtest-engine/internal/spot"
)

const (
	BasisName   = "basis"
	HedgeEntity = "HEDGE"
	SpotEntity  = "SPOT"
)

// Perp venues the basis hedge can run on.
const (
	VenueHedge = "hedge"
	VenueGMX   = "gmx"
)

// perp is the view Basis needs of its hedge leg.
type perp interface {
	entity.Entity
	Size() decimal.Decimal
	Leverage() decimal.Decimal
}

// BasisParams configures Basis. Leverage bounds apply to the hedge. An
// empty Venue selects the hedge venue; on the gmx venue HedgeMaxLeverage
// is the liquidation leverage.
type BasisParams struct {
	Venue            string          `json:"venue" mapstructure:"venue"`
	MinLeverage      decimal.Decimal `json:"min_leverage" mapstructure:"min_leverage"`
	TargetLeverage   decimal.Decimal `json:"target_leverage" mapstructure:"target_leverage"`
	MaxLeverage      decimal.Decimal `json:"max_leverage" mapstructure:"max_leverage"`
	InitialBalance   decimal.Decimal `json:"initial_balance" mapstructure:"initial_balance"`
	ExecutionCost    decimal.Decimal `json:"execution_cost" mapstructure:"execution_cost"`
	HedgeMaxLeverage decimal.Decimal `json:"hedge_max_leverage" mapstructure:"hedge_max_leverage"`
}

// DefaultBasisParams returns a 1x to 10x band around 2.5x on one million
// notional with a 0.5% execution cost.
func DefaultBasisParams() BasisParams {
	return BasisParams{
		Venue:            VenueHedge,
		MinLeverage:      decimal.NewFromInt(1),
		TargetLeverage:   decimal.NewFromFloat(2.5),
		MaxLeverage:      decimal.NewFromInt(10),
		InitialBalance:   decimal.NewFromInt(1_000_000),
		ExecutionCost:    decimal.NewFromFloat(0.005),
		HedgeMaxLeverage: decimal.NewFromInt(50),
	}
}

func (p BasisParams) validate() error {
	switch {
	case p.Venue != "" && p.Venue != VenueHedge && p.Venue != VenueGMX:
		return fmt.Errorf("%w: venue %q is not %s or %s", ErrInvalidParams, p.Venue, VenueHedge, VenueGMX)
	case !p.MinLeverage.IsPositive():
		return fmt.Errorf("%w: min_leverage %s must be positive", ErrInvalidParams, p.MinLeverage)
	case p.TargetLeverage.LessThan(p.MinLeverage) || p.TargetLeverage.GreaterThan(p.MaxLeverage):
		return fmt.Errorf("%w: target_leverage %s outside [%s, %s]", ErrInvalidParams, p.TargetLeverage, p.MinLeverage, p.MaxLeverage)
	case !p.InitialBalance.IsPositive():
		return fmt.Errorf("%w: initial_balance %s must be positive", ErrInvalidParams, p.InitialBalance)
	case p.ExecutionCost.IsNegative() || p.ExecutionCost.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: execution_cost %s outside [0, 1)", ErrInvalidParams, p.ExecutionCost)
	}
	return nil
}

// Basis holds spot product hedged one to one by a perp short. It splits
// equity so the hedge runs at the target leverage and rebalances when the
// leverage leaves [min, max] or the hedge was liquidated.
type Basis struct {
	p         BasisParams
	log       *zap.Logger
	deposited bool
}

// NewBasis validates p and returns the policy.
func NewBasis(p BasisParams, log *zap.Logger) (*Basis, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Basis{p: p, log: log}, nil
}

func buildBasis(raw map[string]any, log *zap.Logger) (engine.Policy, error) {
	p := DefaultBasisParams()
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return NewBasis(p, log)
}

func (b *Basis) Setup(r engine.Registrar) error {
	h, err := b.newPerp()
	if err != nil {
		return err
	}
	if err := r.Register(HedgeEntity, h); err != nil {
		return err
	}
	return r.Register(SpotEntity, spot.New(spot.Config{TradingFee: b.p.ExecutionCost}))
}

func (b *Basis) newPerp() (perp, error) {
	if b.p.Venue == VenueGMX {
		return gmx.New(gmx.Config{TradingFee: b.p.ExecutionCost, LiquidationLeverage: b.p.HedgeMaxLeverage})
	}
	return hedge.New(hedge.Config{TradingFee: b.p.ExecutionCost, MaxLeverage: b.p.HedgeMaxLeverage})
}

func (b *Basis) Predict(r engine.Registry) ([]engine.ActionToTake, error) {
	h, err := engine.Lookup[perp](r, HedgeEntity)
	if err != nil {
		return nil, err
	}
	s, err := engine.Lookup[*spot.Entity](r, SpotEntity)
	if err != nil {
		return nil, err
	}
	hb, sb := h.Balance(), s.Balance()
	switch {
	case hb.IsZero() && sb.IsZero():
		if b.deposited {
			return nil, nil
		}
		b.deposited = true
		return b.deposit(), nil
	case !hb.IsPositive() && sb.IsPositive():
		b.log.Debug("hedge liquidated, re-hedging", zap.Stringer("spot_balance", sb))
		return b.rebalance(h, s)
	}
	lev := h.Leverage()
	if lev.LessThan(b.p.MinLeverage) || lev.GreaterThan(b.p.MaxLeverage) {
		b.log.Debug("leverage out of band", zap.Stringer("leverage", lev))
		return b.rebalance(h, s)
	}
	return nil, nil
}

// deposit splits the initial balance, buys spot with the spot share and
// shorts exactly the product bought.
func (b *Basis) deposit() []engine.ActionToTake {
	toHedge := b.p.InitialBalance.Div(one.Add(b.p.TargetLeverage))
	toSpot := b.p.InitialBalance.Sub(toHedge)
	return []engine.ActionToTake{
		notional(SpotEntity, entity.Deposit, engine.Lit(toSpot)),
		notional(HedgeEntity, entity.Deposit, engine.Lit(toHedge)),
		notional(SpotEntity, entity.Buy, engine.Lit(toSpot)),
		product(HedgeEntity, entity.OpenPosition, engine.Field(SpotEntity, "amount").Neg()),
	}
}

// rebalance moves equity between the legs so the hedge holds
// equity/(1+target) and reopens the hedge to minus the spot amount.
func (b *Basis) rebalance(h perp, s *spot.Entity) ([]engine.ActionToTake, error) {
	price := s.Price()
	if !price.IsPositive() {
		return nil, fmt.Errorf("strategy: basis: cannot rebalance at spot price %s", price)
	}
	hb, sb := h.Balance(), s.Balance()
	equity := hb.Add(sb)
	targetHedge := equity.Div(one.Add(b.p.TargetLeverage))
	deltaSpot := equity.Sub(targetHedge).Sub(sb)
	deltaHedge := targetHedge.Sub(hb)

	// Neutral size is -SPOT.amount after the spot leg has traded; the
	// current size is subtracted so the open tops the hedge up to it.
	neutral := engine.Field(SpotEntity, "amount").Neg().Sub(engine.Lit(h.Size()))
	held := s.State().Amount

	b.log.Debug("rebalance",
		zap.Stringer("equity", equity),
		zap.Stringer("delta_spot", deltaSpot),
		zap.Stringer("delta_hedge", deltaHedge))

	switch {
	case !hb.IsPositive():
		sell := decimal.Min(deltaSpot.Neg().Div(price), held)
		if !sell.IsPositive() {
			return nil, nil
		}
		return []engine.ActionToTake{
			product(SpotEntity, entity.Sell, engine.Lit(sell)),
			notional(HedgeEntity, entity.Deposit, engine.Field(SpotEntity, "cash")),
			notional(SpotEntity, entity.Withdraw, engine.Field(SpotEntity, "cash")),
			product(HedgeEntity, entity.OpenPosition, neutral),
		}, nil
	case deltaSpot.IsPositive():
		move := deltaHedge.Neg()
		return []engine.ActionToTake{
			notional(HedgeEntity, entity.Withdraw, engine.Lit(move)),
			notional(SpotEntity, entity.Deposit, engine.Lit(move)),
			notional(SpotEntity, entity.Buy, engine.Lit(move)),
			product(HedgeEntity, entity.OpenPosition, neutral),
		}, nil
	case deltaSpot.IsNegative():
		sell := decimal.Min(deltaSpot.Neg().Div(price), held)
		return []engine.ActionToTake{
			product(SpotEntity, entity.Sell, engine.Lit(sell)),
			notional(HedgeEntity, entity.Deposit, engine.Field(SpotEntity, "cash")),
			product(HedgeEntity, entity.OpenPosition, neutral),
			notional(SpotEntity, entity.Withdraw, engine.Field(SpotEntity, "cash")),
		}, nil
	}
	return nil, nil
}

func notional(name string, action entity.ActionName, v engine.Value) engine.ActionToTake {
	return engine.ActionToTake{Entity: name, Action: action, Args: map[string]engine.Value{entity.ArgAmountInNotional: v}}
}

func product(name string, action entity.ActionName, v engine.Value) engine.ActionToTake {
	return engine.ActionToTake{Entity: name, Action: action, Args: map[string]engine.Value{entity.ArgAmountInProduct: v}}
}
