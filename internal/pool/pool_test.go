package pool

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/entity"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func tick(t *testing.T, e *Entity, price, fees, liquidity float64) {
	t.Helper()
	err := e.UpdateState(GlobalState{Price: d(price), Fees: d(fees), Liquidity: d(liquidity)})
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
}

func openArgs(amount, lower, upper float64) entity.Action {
	return entity.Action{Name: entity.OpenPosition, Args: entity.Args{
		entity.ArgAmountInNotional: d(amount),
		entity.ArgPriceLower:       d(lower),
		entity.ArgPriceUpper:       d(upper),
	}}
}

// funded returns a pool with cash at the given price and no position.
func funded(t *testing.T, price, cash float64) *Entity {
	t.Helper()
	e := New(DefaultConfig())
	tick(t, e, price, 0, 0)
	if err := e.Execute(entity.Action{Name: entity.Deposit, Args: entity.Args{entity.ArgAmountInNotional: d(cash)}}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return e
}

func opened(t *testing.T) *Entity {
	t.Helper()
	e := funded(t, 1, 500)
	if err := e.Execute(openArgs(500, 0.9, 1.1)); err != nil {
		t.Fatalf("open: %v", err)
	}
	return e
}

// --- Open ---

func TestOpenPosition_FeeReducedBalance(t *testing.T) {
	e := opened(t)
	s := e.State()
	if !s.Positioned {
		t.Fatal("expected an open position")
	}
	if !s.Token0Amount.IsPositive() || !s.Token1Amount.IsPositive() {
		t.Errorf("expected both legs positive, got %s/%s", s.Token0Amount, s.Token1Amount)
	}
	if !s.Cash.IsZero() {
		t.Errorf("expected all cash deployed, got %s", s.Cash)
	}
	// 500*(1-0.003)
	if b := e.Balance(); b.Sub(d(498.5)).Abs().GreaterThan(d(1e-6)) {
		t.Errorf("expected balance 498.5, got %s", b)
	}
	if !s.PriceInit.Equal(d(1)) {
		t.Errorf("expected price_init 1, got %s", s.PriceInit)
	}
}

func TestOpenPosition_FeeSurvivesTickAtOpenPrice(t *testing.T) {
	e := opened(t)
	opening := e.Balance()
	tick(t, e, 1, 0, 0)
	if got := e.Balance(); got.Sub(opening).Abs().GreaterThan(d(1e-6)) {
		t.Errorf("tick at the opening price moved the balance from %s to %s", opening, got)
	}
	if !e.Balance().LessThan(d(499)) {
		t.Errorf("open fee was refunded, balance %s", e.Balance())
	}
}

func TestOpenPosition_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		action entity.Action
		want   error
	}{
		{"inverted bounds", 1, openArgs(100, 1.1, 0.9), ErrInvalidRange},
		{"non-positive bound", 1, openArgs(100, 0, 1.1), ErrInvalidRange},
		{"price below range", 1, openArgs(100, 1.2, 1.5), ErrInvalidRange},
		{"price at lower bound", 1, openArgs(100, 1, 1.5), ErrInvalidRange},
		{"insufficient cash", 1, openArgs(501, 0.9, 1.1), entity.ErrInsufficientFunds},
		{"missing bound", 1, entity.Action{Name: entity.OpenPosition, Args: entity.Args{entity.ArgAmountInNotional: d(1)}}, entity.ErrMissingArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := funded(t, tt.price, 500)
			if err := e.Execute(tt.action); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if e.Positioned() || !e.Balance().Equal(d(500)) {
				t.Errorf("rejected open must not mutate state: %+v", e.State())
			}
		})
	}
}

func TestOpenPosition_AlreadyOpen(t *testing.T) {
	e := opened(t)
	if err := e.Execute(openArgs(0, 0.9, 1.1)); !errors.Is(err, ErrPositionOpen) {
		t.Errorf("expected ErrPositionOpen, got %v", err)
	}
}

// --- Settlement ---

func TestUpdateState_Recomposition(t *testing.T) {
	e := opened(t)

	tick(t, e, 0.8, 0, 0)
	if s := e.State(); !s.Token0Amount.IsZero() || !s.Token1Amount.IsPositive() {
		t.Errorf("below range should be all token1, got %s/%s", s.Token0Amount, s.Token1Amount)
	}

	tick(t, e, 1.2, 0, 0)
	if s := e.State(); !s.Token0Amount.IsPositive() || !s.Token1Amount.IsZero() {
		t.Errorf("above range should be all token0, got %s/%s", s.Token0Amount, s.Token1Amount)
	}
}

func TestUpdateState_FeesOnlyInRange(t *testing.T) {
	e := opened(t)

	tick(t, e, 1.5, 10, 0)
	if !e.State().Cash.IsZero() {
		t.Errorf("out of range must earn nothing, cash %s", e.State().Cash)
	}

	// With no other liquidity the position earns the whole fee total.
	tick(t, e, 1, 2, 0)
	if !e.State().Cash.Equal(d(2)) {
		t.Errorf("expected cash 2, got %s", e.State().Cash)
	}

	tick(t, e, 1, 2, 1e22)
	earned := e.State().Cash.Sub(d(2))
	if !earned.IsPositive() || !earned.LessThan(d(2)) {
		t.Errorf("expected a pro-rata share below the total, got %s", earned)
	}
}

// --- Close ---

func TestClosePosition(t *testing.T) {
	e := opened(t)
	tick(t, e, 1.05, 0, 0)
	before := e.Balance()

	if err := e.Execute(entity.Action{Name: entity.ClosePosition}); err != nil {
		t.Fatalf("close: %v", err)
	}
	want := before.Mul(d(0.997))
	if !e.Balance().Equal(want) {
		t.Errorf("expected %s, got %s", want, e.Balance())
	}
	if e.Positioned() {
		t.Error("position should be closed")
	}
	if err := e.Execute(entity.Action{Name: entity.ClosePosition}); !errors.Is(err, ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	e := funded(t, 1, 100)
	err := e.Execute(entity.Action{Name: entity.Withdraw, Args: entity.Args{entity.ArgAmountInNotional: d(101)}})
	if !errors.Is(err, entity.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	e := funded(t, 1, 500)
	snap := e.InternalState()
	if err := e.Execute(openArgs(500, 0.9, 1.1)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if e.Positioned() || !e.Balance().Equal(d(500)) {
		t.Errorf("expected flat pool with 500 cash, got %+v", e.State())
	}
	positioned, err := entity.Field(e, "positioned")
	if err != nil || !positioned.IsZero() {
		t.Errorf("positioned field: %s, %v", positioned, err)
	}
}

func TestFields_PositionAndPoolLiquidity(t *testing.T) {
	e := opened(t)
	tick(t, e, 1, 0, 1e22)

	global, err := entity.Field(e, "liquidity")
	if err != nil || !global.Equal(d(1e22)) {
		t.Errorf("liquidity should read the pool-wide value, got %s, %v", global, err)
	}
	own, err := entity.Field(e, "position_liquidity")
	if err != nil || !own.Equal(e.State().Liquidity) || !own.IsPositive() {
		t.Errorf("position_liquidity: got %s, %v", own, err)
	}
}
