package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/backtest-engine/internal/amm"
	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/entity"
)

const (
	FullRangeName = "full_range"
	LPEntity      = "LP"
)

// FullRangeParams configures FullRange.
type FullRangeParams struct {
	InitialBalance decimal.Decimal `json:"initial_balance" mapstructure:"initial_balance"`
	Token0Decimals int             `json:"token0_decimals" mapstructure:"token0_decimals"`
	Token1Decimals int             `json:"token1_decimals" mapstructure:"token1_decimals"`
	FeesRate       decimal.Decimal `json:"fees_rate" mapstructure:"fees_rate"`
	TradingFee     decimal.Decimal `json:"trading_fee" mapstructure:"trading_fee"`
}

// DefaultFullRangeParams returns the default pool with one million
// notional.
func DefaultFullRangeParams() FullRangeParams {
	cfg := amm.DefaultConfig()
	return FullRangeParams{
		InitialBalance: decimal.NewFromInt(1_000_000),
		Token0Decimals: cfg.Token0Decimals,
		Token1Decimals: cfg.Token1Decimals,
		FeesRate:       cfg.FeesRate,
		TradingFee:     cfg.TradingFee,
	}
}

func (p FullRangeParams) validate() error {
	switch {
	case !p.InitialBalance.IsPositive():
		return fmt.Errorf("%w: initial_balance %s must be positive", ErrInvalidParams, p.InitialBalance)
	case p.TradingFee.IsNegative() || p.TradingFee.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: trading_fee %s outside [0, 1)", ErrInvalidParams, p.TradingFee)
	case p.Token0Decimals < 0 || p.Token1Decimals < 0:
		return fmt.Errorf("%w: token decimals %d/%d must not be negative", ErrInvalidParams, p.Token0Decimals, p.Token1Decimals)
	}
	return nil
}

// FullRange deposits once and provides all of it to a constant-product
// pool as soon as a price is known, then holds.
type FullRange struct {
	p         FullRangeParams
	log       *zap.Logger
	deposited bool
}

// NewFullRange validates p and returns the policy.
func NewFullRange(p FullRangeParams, log *zap.Logger) (*FullRange, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FullRange{p: p, log: log}, nil
}

func buildFullRange(raw map[string]any, log *zap.Logger) (engine.Policy, error) {
	p := DefaultFullRangeParams()
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return NewFullRange(p, log)
}

func (f *FullRange) Setup(r engine.Registrar) error {
	return r.Register(LPEntity, amm.New(amm.Config{
		FeesRate:       f.p.FeesRate,
		Token0Decimals: f.p.Token0Decimals,
		Token1Decimals: f.p.Token1Decimals,
		TradingFee:     f.p.TradingFee,
	}))
}

func (f *FullRange) Predict(r engine.Registry) ([]engine.ActionToTake, error) {
	lp, err := engine.Lookup[*amm.Entity](r, LPEntity)
	if err != nil {
		return nil, err
	}
	if !f.deposited {
		f.deposited = true
		return []engine.ActionToTake{notional(LPEntity, entity.Deposit, engine.Lit(f.p.InitialBalance))}, nil
	}
	if lp.Positioned() || !lp.Price().IsPositive() || !lp.State().Cash.IsPositive() {
		return nil, nil
	}
	f.log.Debug("providing liquidity", zap.Stringer("price", lp.Price()), zap.Stringer("cash", lp.State().Cash))
	return []engine.ActionToTake{notional(LPEntity, entity.OpenPosition, engine.Field(LPEntity, "cash"))}, nil
}
