// Package amm implements a full-range constant-product (Uniswap v2 style)
// LP position.
//
// A position of liquidity L holds token0 = L*√price and
// token1 = L/√price, so token0*token1 = L² at every price and the two legs
// are always worth the same. Opening splits the notional, net of the
// trading fee, 50/50 between the legs. Fee income is the position's share
// of the pool's reported liquidity times the tick's fees.
package amm

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/clmm"
	"github.com/atmx/backtest-engine/internal/entity"
)

// Kind is the entity kind reported by amm entities.
const Kind = "amm"

var (
	// ErrPositionOpen is returned when opening while a position is open.
	ErrPositionOpen = errors.New("amm: position already open")

	// ErrNoPosition is returned when closing without an open position.
	ErrNoPosition = errors.New("amm: no position to close")

	// ErrNoPrice is returned when opening before a positive price is
	// observed.
	ErrNoPrice = errors.New("amm: no price observed")

	two = decimal.NewFromInt(2)
)

// Config holds per-pool parameters.
type Config struct {
	FeesRate       decimal.Decimal `json:"fees_rate" mapstructure:"fees_rate"`
	Token0Decimals int             `json:"token0_decimals" mapstructure:"token0_decimals"`
	Token1Decimals int             `json:"token1_decimals" mapstructure:"token1_decimals"`
	TradingFee     decimal.Decimal `json:"trading_fee" mapstructure:"trading_fee"`
}

// DefaultConfig returns an 18/18 decimals pool with a 0.5% fee tier and
// a 0.3% open/close cost.
func DefaultConfig() Config {
	return Config{
		FeesRate:       decimal.NewFromFloat(0.005),
		Token0Decimals: 18,
		Token1Decimals: 18,
		TradingFee:     decimal.NewFromFloat(0.003),
	}
}

// GlobalState is the observed pool. Liquidity is the pool-wide
// √(reserve0*reserve1) in raw token units and includes this position.
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

// InternalState is the open position plus idle cash. Liquidity is in
// whole-token units.
type InternalState struct {
	Token0Amount decimal.Decimal `json:"token0_amount"`
	Token1Amount decimal.Decimal `json:"token1_amount"`
	PriceInit    decimal.Decimal `json:"price_init"`
	Liquidity    decimal.Decimal `json:"position_liquidity"`
	Cash         decimal.Decimal `json:"cash"`
	Positioned   bool            `json:"positioned"`
}

func (s *InternalState) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"token0_amount":      s.Token0Amount,
		"token1_amount":      s.Token1Amount,
		"price_init":         s.PriceInit,
		"position_liquidity": s.Liquidity,
		"cash":               s.Cash,
		"positioned":         entity.Bool(s.Positioned),
	}
}

func (s *InternalState) Clone() entity.InternalState {
	c := *s
	return &c
}

// Entity is a full-range LP position.
type Entity struct {
	*entity.Dispatcher
	cfg      Config
	global   GlobalState
	internal *InternalState
}

// New creates an empty LP entity.
func New(cfg Config) *Entity {
	e := &Entity{cfg: cfg, internal: &InternalState{}}
	e.Dispatcher = entity.NewDispatcher(Kind).
		Handle(entity.Deposit, e.deposit).
		Handle(entity.Withdraw, e.withdraw).
		Handle(entity.OpenPosition, e.openPosition).
		Handle(entity.ClosePosition, e.closePosition)
	return e
}

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

// openPosition moves notional from cash into the pool, half in each
// token, after taking the trading fee.
func (e *Entity) openPosition(args entity.Args) error {
	if e.internal.Positioned {
		return ErrPositionOpen
	}
	amount, err := args.Get(entity.ArgAmountInNotional)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: open %s must be positive", entity.ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(e.internal.Cash) {
		return fmt.Errorf("%w: open %s > cash %s", entity.ErrInsufficientFunds, amount, e.internal.Cash)
	}
	price := e.global.Price
	if !price.IsPositive() {
		return ErrNoPrice
	}
	net := amount.Mul(decimal.NewFromInt(1).Sub(e.cfg.TradingFee))
	half := net.Div(two)

	e.internal.Cash = e.internal.Cash.Sub(amount)
	e.internal.Token0Amount = half
	e.internal.Token1Amount = half.Div(price)
	e.internal.Liquidity = half.Div(sqrt(price)).Round(clmm.Scale)
	e.internal.PriceInit = price
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

// UpdateState sets the pool market, moves the position along the
// constant-product curve and credits this position's share of the fees.
func (e *Entity) UpdateState(state entity.GlobalState) error {
	g, err := entity.As[GlobalState](Kind, state)
	if err != nil {
		return err
	}
	e.global = g
	if !e.internal.Positioned || !g.Price.IsPositive() {
		return nil
	}
	sp := sqrt(g.Price)
	e.internal.Token0Amount = e.internal.Liquidity.Mul(sp).Round(clmm.Scale)
	e.internal.Token1Amount = e.internal.Liquidity.Div(sp).Round(clmm.Scale)
	e.internal.Cash = e.internal.Cash.Add(e.fees())
	return nil
}

// fees is the position's share of the pool liquidity times the tick's
// fees, capped at the pool total. No pool liquidity means no income.
func (e *Entity) fees() decimal.Decimal {
	pool := e.global.Liquidity
	if !pool.IsPositive() {
		return decimal.Zero
	}
	scale := decimal.NewFromFloat(math.Pow(10, float64(e.cfg.Token0Decimals+e.cfg.Token1Decimals)/2))
	share := decimal.Min(e.internal.Liquidity.Mul(scale).Div(pool), decimal.NewFromInt(1))
	return share.Mul(e.global.Fees)
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

// Positioned reports whether a position is open.
func (e *Entity) Positioned() bool { return e.internal.Positioned }

// Price returns the last observed pool price.
func (e *Entity) Price() decimal.Decimal { return e.global.Price }

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

func sqrt(d decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(math.Sqrt(d.InexactFloat64()))
}
