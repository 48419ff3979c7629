package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/backtest-engine/internal/clmm"
	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/entity"
	"github.com/atmx/backtest-engine/internal/pool"
)

const (
	TauResetName = "tau_reset"
	PoolEntity   = "POOL"
)

// TauResetParams configures TauReset. Tau is the half width of the range
// in tick spacings.
type TauResetParams struct {
	Tau            float64         `json:"tau" mapstructure:"tau"`
	InitialBalance decimal.Decimal `json:"initial_balance" mapstructure:"initial_balance"`
	TickSpacing    int             `json:"tick_spacing" mapstructure:"tick_spacing"`
	Token0Decimals int             `json:"token0_decimals" mapstructure:"token0_decimals"`
	Token1Decimals int             `json:"token1_decimals" mapstructure:"token1_decimals"`
	FeesRate       decimal.Decimal `json:"fees_rate" mapstructure:"fees_rate"`
	TradingFee     decimal.Decimal `json:"trading_fee" mapstructure:"trading_fee"`
}

// DefaultTauResetParams returns tau 15 on the default pool with one
// million notional.
func DefaultTauResetParams() TauResetParams {
	cfg := pool.DefaultConfig()
	return TauResetParams{
		Tau:            15,
		InitialBalance: decimal.NewFromInt(1_000_000),
		TickSpacing:    cfg.TickSpacing,
		Token0Decimals: cfg.Token0Decimals,
		Token1Decimals: cfg.Token1Decimals,
		FeesRate:       cfg.FeesRate,
		TradingFee:     cfg.TradingFee,
	}
}

func (p TauResetParams) validate() error {
	switch {
	case p.Tau <= 0:
		return fmt.Errorf("%w: tau %v must be positive", ErrInvalidParams, p.Tau)
	case p.TickSpacing <= 0:
		return fmt.Errorf("%w: tick_spacing %d must be positive", ErrInvalidParams, p.TickSpacing)
	case !p.InitialBalance.IsPositive():
		return fmt.Errorf("%w: initial_balance %s must be positive", ErrInvalidParams, p.InitialBalance)
	case p.TradingFee.IsNegative() || p.TradingFee.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: trading_fee %s outside [0, 1)", ErrInvalidParams, p.TradingFee)
	}
	return nil
}

// TauReset keeps all funds in one concentrated range centred on the
// price and recentres it whenever the price leaves the range.
type TauReset struct {
	p         TauResetParams
	log       *zap.Logger
	deposited bool
}

// NewTauReset validates p and returns the policy.
func NewTauReset(p TauResetParams, log *zap.Logger) (*TauReset, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TauReset{p: p, log: log}, nil
}

func buildTauReset(raw map[string]any, log *zap.Logger) (engine.Policy, error) {
	p := DefaultTauResetParams()
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return NewTauReset(p, log)
}

func (t *TauReset) Setup(r engine.Registrar) error {
	return r.Register(PoolEntity, pool.New(pool.Config{
		FeesRate:       t.p.FeesRate,
		Token0Decimals: t.p.Token0Decimals,
		Token1Decimals: t.p.Token1Decimals,
		TradingFee:     t.p.TradingFee,
		TickSpacing:    t.p.TickSpacing,
	}))
}

func (t *TauReset) Predict(r engine.Registry) ([]engine.ActionToTake, error) {
	p, err := engine.Lookup[*pool.Entity](r, PoolEntity)
	if err != nil {
		return nil, err
	}
	if !p.Positioned() && !t.deposited {
		t.deposited = true
		return []engine.ActionToTake{notional(PoolEntity, entity.Deposit, engine.Lit(t.p.InitialBalance))}, nil
	}
	rng, ok := p.Range()
	if !ok {
		return t.reset(p)
	}
	if price := p.Price(); price.LessThan(rng.Lower) || price.GreaterThan(rng.Upper) {
		t.log.Debug("price left range",
			zap.Stringer("price", price),
			zap.Stringer("lower", rng.Lower),
			zap.Stringer("upper", rng.Upper))
		return t.reset(p)
	}
	return nil, nil
}

// reset closes any open position and reopens the whole cash balance
// around the current price.
func (t *TauReset) reset(p *pool.Entity) ([]engine.ActionToTake, error) {
	rng, err := clmm.RangeAround(p.Price(), t.p.Tau, t.p.TickSpacing)
	if err != nil {
		return nil, fmt.Errorf("strategy: tau_reset: range around %s: %w", p.Price(), err)
	}
	var actions []engine.ActionToTake
	if p.Positioned() {
		actions = append(actions, engine.ActionToTake{Entity: PoolEntity, Action: entity.ClosePosition})
	}
	return append(actions, engine.ActionToTake{
		Entity: PoolEntity,
		Action: entity.OpenPosition,
		Args: map[string]engine.Value{
			entity.ArgAmountInNotional: engine.Field(PoolEntity, "cash"),
			entity.ArgPriceLower:       engine.Lit(rng.Lower),
			entity.ArgPriceUpper:       engine.Lit(rng.Upper),
		},
	}), nil
}
