// Package clmm implements the closed-form math of a concentrated-liquidity
// AMM position restricted to a single price range.
//
// Prices are quoted as token1/token0 with token0 as the notional leg, so a
// position's value is token0 + token1*price. Liquidity L relates the
// holdings to the square-root price:
//   - price <= lower: token0 = 0,                 token1 = L(1/√lower − 1/√upper)
//   - lower < price < upper: token0 = L(√price − √lower), token1 = L(1/√price − 1/√upper)
//   - price >= upper: token0 = L(√upper − √lower), token1 = 0
//
// Inputs and outputs are shopspring/decimal. Square roots and powers are
// taken in float64 and converted back at Scale decimal places.
package clmm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRange is returned when lower >= upper or a bound is not positive.
	ErrInvalidRange = errors.New("clmm: price range must satisfy 0 < lower < upper")

	// ErrPriceOutOfRange is returned when a position cannot be sized at the
	// current price because it sits on or outside the range.
	ErrPriceOutOfRange = errors.New("clmm: price must lie strictly inside (lower, upper)")

	// ErrInvalidDeposit is returned for a non-positive deposit.
	ErrInvalidDeposit = errors.New("clmm: deposit must be positive")

	// Scale is the number of decimal places kept for amounts and liquidity.
	Scale int32 = 12
)

// TickBase is the price ratio between adjacent ticks.
const TickBase = 1.0001

// q96 is the fixed-point scale of on-chain sqrt prices.
var q96 = math.Pow(2, 96)

// Range is a closed price interval [Lower, Upper].
type Range struct {
	Lower decimal.Decimal
	Upper decimal.Decimal
}

// NewRange validates and returns a price range.
func NewRange(lower, upper decimal.Decimal) (Range, error) {
	if !lower.IsPositive() || !upper.IsPositive() || lower.GreaterThanOrEqual(upper) {
		return Range{}, ErrInvalidRange
	}
	return Range{Lower: lower, Upper: upper}, nil
}

// Position is the outcome of sizing a deposit into a range.
type Position struct {
	Token0    decimal.Decimal
	Token1    decimal.Decimal
	Liquidity decimal.Decimal
}

// InRange reports whether price earns fees, i.e. lower < price < upper.
func (r Range) InRange(price decimal.Decimal) bool {
	return price.GreaterThan(r.Lower) && price.LessThan(r.Upper)
}

// Composition returns the token holdings of liquidity L at price using the
// three-region closed form.
func (r Range) Composition(liquidity, price decimal.Decimal) (token0, token1 decimal.Decimal) {
	l := liquidity.InexactFloat64()
	sl, su := sqrt(r.Lower), sqrt(r.Upper)
	switch {
	case price.LessThanOrEqual(r.Lower):
		return decimal.Zero, toDecimal(amount1(l, sl, su))
	case price.LessThan(r.Upper):
		return r.split(l, price)
	default:
		return toDecimal(amount0(l, sl, su)), decimal.Zero
	}
}

// split applies the in-range formula regardless of where price sits.
func (r Range) split(l float64, price decimal.Decimal) (token0, token1 decimal.Decimal) {
	sp, sl, su := sqrt(price), sqrt(r.Lower), sqrt(r.Upper)
	return toDecimal(amount0(l, sl, sp)), toDecimal(amount1(l, sp, su))
}

// Size splits a notional deposit into token0/token1 so that both legs back
// a single liquidity value. tradingFee is taken from the notional before
// conversion, so the position is worth notional*(1-fee) at price. The
// desired token0:token1 ratio is found by sizing half the net amount, then
// the net amount is allocated as net/(ratio+price) in token1 terms.
func (r Range) Size(notional, price, tradingFee decimal.Decimal) (Position, error) {
	if !notional.IsPositive() {
		return Position{}, ErrInvalidDeposit
	}
	if !r.InRange(price) {
		return Position{}, ErrPriceOutOfRange
	}

	p := price.InexactFloat64()
	sp, sl, su := math.Sqrt(p), sqrt(r.Lower), sqrt(r.Upper)
	net := notional.InexactFloat64() * (1 - tradingFee.InexactFloat64())

	half := net / 2 / p
	desired0 := amount0(half/(1/sp-1/su), sl, sp)
	ratio := desired0 / half

	token1 := net / (ratio + p)
	liquidity := token1 / (1/sp - 1/su)
	token0 := amount0(liquidity, sl, sp)

	if token0 <= 0 || token1 <= 0 || liquidity <= 0 {
		return Position{}, ErrInvalidDeposit
	}
	return Position{
		Token0:    toDecimal(token0),
		Token1:    toDecimal(token1),
		Liquidity: toDecimal(liquidity),
	}, nil
}

// LiquidityDelta converts token amounts into on-chain liquidity units at
// price, using Q96 sqrt prices and token decimal expansion. amount0 and
// amount1 are expanded with the opposite token's decimals, matching the
// inverted-price convention callers use.
func LiquidityDelta(price, lower, upper, amount0, amount1 decimal.Decimal, decimals0, decimals1 int) decimal.Decimal {
	amt0 := amount0.InexactFloat64() * math.Pow10(decimals1)
	amt1 := amount1.InexactFloat64() * math.Pow10(decimals0)

	s := sqrtX96(price.InexactFloat64(), decimals0, decimals1)
	sa := sqrtX96(lower.InexactFloat64(), decimals0, decimals1)
	sb := sqrtX96(upper.InexactFloat64(), decimals0, decimals1)

	var l float64
	switch {
	case s <= sa:
		l = liquidityForAmount0(sa, sb, amt0)
	case s < sb:
		l = math.Min(liquidityForAmount0(s, sb, amt0), liquidityForAmount1(sa, s, amt1))
	default:
		l = liquidityForAmount1(sa, sb, amt1)
	}
	return toDecimal(l)
}

// EstimateFee returns the share of fees earned by delta liquidity joining
// a pool that already holds poolLiquidity.
func EstimateFee(delta, poolLiquidity, fees decimal.Decimal) decimal.Decimal {
	total := poolLiquidity.Add(delta)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return fees.Mul(delta).Div(total)
}

// PriceToTick returns floor(log_1.0001(price)).
func PriceToTick(price decimal.Decimal) int64 {
	return int64(math.Floor(math.Log(price.InexactFloat64()) / math.Log(TickBase)))
}

// TickToPrice returns 1.0001^tick.
func TickToPrice(tick int64) decimal.Decimal {
	return toDecimal(math.Pow(TickBase, float64(tick)))
}

// RangeAround returns the range price*1.0001^(±tau*tickSpacing).
func RangeAround(price decimal.Decimal, tau float64, tickSpacing int) (Range, error) {
	width := math.Pow(TickBase, tau*float64(tickSpacing))
	p := price.InexactFloat64()
	return NewRange(toDecimal(p/width), toDecimal(p*width))
}

func amount0(l, sa, sb float64) float64 { return l * (sb - sa) }

func amount1(l, sa, sb float64) float64 { return l * (1/sa - 1/sb) }

func liquidityForAmount0(sa, sb, amount float64) float64 {
	return amount * (sb * sa / q96) / (sb - sa)
}

func liquidityForAmount1(sa, sb, amount float64) float64 {
	return amount * q96 / (sb - sa)
}

func sqrtX96(price float64, decimals0, decimals1 int) float64 {
	return math.Sqrt(price*math.Pow10(decimals0)/math.Pow10(decimals1)) * q96
}

func sqrt(d decimal.Decimal) float64 {
	return math.Sqrt(d.InexactFloat64())
}

// toDecimal converts a float64 result, mapping NaN and ±Inf to zero.
func toDecimal(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f).Round(Scale)
}
