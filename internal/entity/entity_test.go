package entity

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type counterGlobal struct {
	Price decimal.Decimal `json:"price"`
}

func (g counterGlobal) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{"price": g.Price}
}

type counterInternal struct {
	Cash decimal.Decimal
}

func (s *counterInternal) Fields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{"cash": s.Cash}
}

func (s *counterInternal) Clone() InternalState {
	c := *s
	return &c
}

// counter is a minimal entity used to exercise the shared helpers.
type counter struct {
	*Dispatcher
	global   counterGlobal
	internal *counterInternal
}

func newCounter() *counter {
	c := &counter{internal: &counterInternal{}}
	c.Dispatcher = NewDispatcher("counter").
		Handle(Deposit, func(args Args) error {
			amount, err := args.Get(ArgAmountInNotional)
			if err != nil {
				return err
			}
			if err := RequireNonNegative(amount); err != nil {
				return err
			}
			c.internal.Cash = c.internal.Cash.Add(amount)
			return nil
		})
	return c
}

func (c *counter) UpdateState(state GlobalState) error {
	g, err := As[counterGlobal](c.Kind(), state)
	if err != nil {
		return err
	}
	c.global = g
	return nil
}

func (c *counter) Balance() decimal.Decimal { return c.internal.Cash }
func (c *counter) GlobalState() GlobalState { return c.global }
func (c *counter) InternalState() InternalState { return c.internal.Clone() }
func (c *counter) Restore(s InternalState) error { c.internal = s.Clone().(*counterInternal); return nil }
func (c *counter) DecodeState(b []byte) (GlobalState, error) { return Decode[counterGlobal](b) }
func (c *counter) Derived() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{"double": c.internal.Cash.Mul(decimal.NewFromInt(2))}
}

type otherGlobal struct{}

func (otherGlobal) Fields() map[string]decimal.Decimal { return nil }

// --- Dispatch tests ---

func TestDispatcher_ExecuteRegistered(t *testing.T) {
	c := newCounter()
	if err := c.Execute(Action{Name: Deposit, Args: Args{ArgAmountInNotional: d(10)}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Balance().Equal(d(10)) {
		t.Errorf("expected balance 10, got %s", c.Balance())
	}
}

func TestDispatcher_UnknownActionNamesKindAndActions(t *testing.T) {
	c := newCounter()
	err := c.Execute(Action{Name: Borrow})
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "counter") || !strings.Contains(msg, "deposit") {
		t.Errorf("error should name entity kind and legal actions: %s", msg)
	}
}

func TestDispatcher_MissingArgument(t *testing.T) {
	c := newCounter()
	err := c.Execute(Action{Name: Deposit})
	if !errors.Is(err, ErrMissingArgument) {
		t.Errorf("expected ErrMissingArgument, got %v", err)
	}
}

func TestDispatcher_NegativeAmount(t *testing.T) {
	c := newCounter()
	err := c.Execute(Action{Name: Deposit, Args: Args{ArgAmountInNotional: d(-1)}})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDispatcher_ActionsIsACopy(t *testing.T) {
	c := newCounter()
	names := c.Actions()
	names[0] = "tampered"
	if c.Actions()[0] != Deposit {
		t.Error("Actions must return a copy")
	}
	if !Supports(c, Deposit) || Supports(c, Sell) {
		t.Error("Supports disagrees with the registered table")
	}
}

func TestDispatcher_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate handler")
		}
	}()
	noop := func(Args) error { return nil }
	NewDispatcher("x").Handle(Deposit, noop).Handle(Deposit, noop)
}

// --- State helper tests ---

func TestAs_AcceptsValueAndPointer(t *testing.T) {
	c := newCounter()
	if err := c.UpdateState(counterGlobal{Price: d(2)}); err != nil {
		t.Fatalf("value: %v", err)
	}
	if err := c.UpdateState(&counterGlobal{Price: d(3)}); err != nil {
		t.Fatalf("pointer: %v", err)
	}
	if !c.global.Price.Equal(d(3)) {
		t.Errorf("expected price 3, got %s", c.global.Price)
	}
}

func TestAs_RejectsForeignState(t *testing.T) {
	c := newCounter()
	err := c.UpdateState(otherGlobal{})
	if !errors.Is(err, ErrStateType) {
		t.Errorf("expected ErrStateType, got %v", err)
	}
}

func TestDecode(t *testing.T) {
	c := newCounter()
	gs, err := c.DecodeState([]byte(`{"price":"1.25"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !gs.(counterGlobal).Price.Equal(d(1.25)) {
		t.Errorf("expected 1.25, got %v", gs)
	}
	if _, err := c.DecodeState([]byte(`{`)); err == nil {
		t.Error("expected error for malformed json")
	}
}

// --- Field lookup tests ---

func TestField_LookupOrder(t *testing.T) {
	c := newCounter()
	c.internal.Cash = d(5)
	c.global.Price = d(7)

	tests := []struct {
		name string
		want decimal.Decimal
	}{
		{"balance", d(5)},
		{"cash", d(5)},
		{"price", d(7)},
		{"double", d(10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Field(c, tt.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	if _, err := Field(c, "nope"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]decimal.Decimal{"b": d(1), "a": d(2), "c": d(3)})
	if strings.Join(keys, ",") != "a,b,c" {
		t.Errorf("expected a,b,c got %v", keys)
	}
}
