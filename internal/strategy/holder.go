package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/entity"
	"github.com/atmx/backtest-engine/internal/spot"
)

const (
	HolderName     = "holder"
	ExchangeEntity = "EXCHANGE"
)

// minTrade is the smallest product amount worth trading.
var minTrade = decimal.New(1, -6)

// HolderParams configures Holder.
type HolderParams struct {
	BuyPrice       decimal.Decimal `json:"buy_price" mapstructure:"buy_price"`
	SellPrice      decimal.Decimal `json:"sell_price" mapstructure:"sell_price"`
	TradeShare     decimal.Decimal `json:"trade_share" mapstructure:"trade_share"`
	InitialBalance decimal.Decimal `json:"initial_balance" mapstructure:"initial_balance"`
	TradingFee     decimal.Decimal `json:"trading_fee" mapstructure:"trading_fee"`
}

// DefaultHolderParams buys below 50k and sells above 60k, trading 1% at
// a time from 100k notional.
func DefaultHolderParams() HolderParams {
	return HolderParams{
		BuyPrice:       decimal.NewFromInt(50_000),
		SellPrice:      decimal.NewFromInt(60_000),
		TradeShare:     decimal.NewFromFloat(0.01),
		InitialBalance: decimal.NewFromInt(100_000),
		TradingFee:     spot.DefaultConfig().TradingFee,
	}
}

func (p HolderParams) validate() error {
	switch {
	case p.BuyPrice.GreaterThan(p.SellPrice):
		return fmt.Errorf("%w: buy_price %s above sell_price %s", ErrInvalidParams, p.BuyPrice, p.SellPrice)
	case !p.TradeShare.IsPositive() || p.TradeShare.GreaterThan(one):
		return fmt.Errorf("%w: trade_share %s outside (0, 1]", ErrInvalidParams, p.TradeShare)
	case !p.InitialBalance.IsPositive():
		return fmt.Errorf("%w: initial_balance %s must be positive", ErrInvalidParams, p.InitialBalance)
	case p.TradingFee.IsNegative() || p.TradingFee.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: trading_fee %s outside [0, 1)", ErrInvalidParams, p.TradingFee)
	}
	return nil
}

// Holder trades a fixed share of cash or holdings on price thresholds.
type Holder struct {
	p   HolderParams
	log *zap.Logger
}

// NewHolder validates p and returns the policy.
func NewHolder(p HolderParams, log *zap.Logger) (*Holder, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Holder{p: p, log: log}, nil
}

func buildHolder(raw map[string]any, log *zap.Logger) (engine.Policy, error) {
	p := DefaultHolderParams()
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return NewHolder(p, log)
}

// Setup registers the exchange and funds it directly.
func (h *Holder) Setup(r engine.Registrar) error {
	ex := spot.New(spot.Config{TradingFee: h.p.TradingFee})
	if err := r.Register(ExchangeEntity, ex); err != nil {
		return err
	}
	return ex.Execute(entity.Action{
		Name: entity.Deposit,
		Args: entity.Args{entity.ArgAmountInNotional: h.p.InitialBalance},
	})
}

func (h *Holder) Predict(r engine.Registry) ([]engine.ActionToTake, error) {
	ex, err := engine.Lookup[*spot.Entity](r, ExchangeEntity)
	if err != nil {
		return nil, err
	}
	price, st := ex.Price(), ex.State()
	if !price.IsPositive() {
		return nil, nil
	}
	switch {
	case price.LessThan(h.p.BuyPrice):
		spend := h.p.TradeShare.Mul(st.Cash)
		if spend.Div(price).LessThan(minTrade) {
			return nil, nil
		}
		h.log.Debug("buy", zap.Stringer("price", price), zap.Stringer("notional", spend))
		return []engine.ActionToTake{notional(ExchangeEntity, entity.Buy, engine.Lit(spend))}, nil
	case price.GreaterThan(h.p.SellPrice):
		amount := h.p.TradeShare.Mul(st.Amount)
		if amount.LessThan(minTrade) {
			return nil, nil
		}
		h.log.Debug("sell", zap.Stringer("price", price), zap.Stringer("amount", amount))
		return []engine.ActionToTake{product(ExchangeEntity, entity.Sell, engine.Lit(amount))}, nil
	}
	return nil, nil
}
