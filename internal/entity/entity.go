// Package entity defines the contract shared by every simulated position:
// spot holdings, loans, leveraged hedges and liquidity pool positions.
//
// An entity owns two disjoint state records. The global state is what the
// market reports each tick and is replaced wholesale by UpdateState. The
// internal state (cash, collateral, lots) is mutated only by the entity's
// own action handlers and settlement logic.
//
// All monetary values use shopspring/decimal.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownAction is returned when an action names a handler the
	// target entity does not expose.
	ErrUnknownAction = errors.New("entity: unknown action")

	// ErrMissingArgument is returned when a handler needs an argument the
	// action does not carry.
	ErrMissingArgument = errors.New("entity: missing action argument")

	// ErrInvalidAmount is returned for negative (or, where required,
	// non-positive) amounts.
	ErrInvalidAmount = errors.New("entity: invalid amount")

	// ErrInsufficientFunds is returned when cash, collateral or product
	// does not cover the requested amount.
	ErrInsufficientFunds = errors.New("entity: insufficient funds")

	// ErrStateType is returned when UpdateState receives a global state
	// belonging to a different entity kind.
	ErrStateType = errors.New("entity: unexpected global state type")

	// ErrUnknownField is returned by Field for names the entity does not
	// expose.
	ErrUnknownField = errors.New("entity: unknown field")
)

// ActionName names an entity operation.
type ActionName string

const (
	Deposit       ActionName = "deposit"
	Withdraw      ActionName = "withdraw"
	Buy           ActionName = "buy"
	Sell          ActionName = "sell"
	Borrow        ActionName = "borrow"
	Redeem        ActionName = "redeem"
	OpenPosition  ActionName = "open_position"
	ClosePosition ActionName = "close_position"
)

// Argument keys understood by the built-in entities.
const (
	ArgAmountInNotional = "amount_in_notional"
	ArgAmountInProduct  = "amount_in_product"
	ArgPriceLower       = "price_lower"
	ArgPriceUpper       = "price_upper"
)

// Args carries resolved action arguments.
type Args map[string]decimal.Decimal

// Get returns the named argument or ErrMissingArgument.
func (a Args) Get(key string) (decimal.Decimal, error) {
	v, ok := a[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	return v, nil
}

// Action is a named command with fully resolved arguments.
type Action struct {
	Name ActionName
	Args Args
}

// State is a record that can be flattened into named numeric columns.
type State interface {
	Fields() map[string]decimal.Decimal
}

// GlobalState is the market-observed part of an entity.
type GlobalState interface {
	State
}

// InternalState is the entity-owned part of an entity. Clone must return
// a deep copy so snapshots are not corrupted by later mutation.
type InternalState interface {
	State
	Clone() InternalState
}

// Entity is a simulated position driven by the strategy engine.
type Entity interface {
	// Kind names the entity type, e.g. "hedge".
	Kind() string

	// Actions lists exactly the action names Execute accepts.
	Actions() []ActionName

	// Execute dispatches an action to its handler.
	Execute(action Action) error

	// UpdateState replaces the global state and runs settlement.
	UpdateState(state GlobalState) error

	// Balance is the position value in notional, a pure function of the
	// current states.
	Balance() decimal.Decimal

	GlobalState() GlobalState
	InternalState() InternalState

	// Restore replaces the internal state with a previously cloned one.
	Restore(state InternalState) error

	// DecodeState parses a JSON global state for this entity kind.
	DecodeState(data []byte) (GlobalState, error)
}

// Deriver is implemented by entities exposing computed fields such as
// size or leverage.
type Deriver interface {
	Derived() map[string]decimal.Decimal
}

// As converts a global state to the concrete type T, accepting both T and *T.
func As[T GlobalState](kind string, state GlobalState) (T, error) {
	if s, ok := state.(T); ok {
		return s, nil
	}
	if p, ok := any(state).(*T); ok && p != nil {
		return *p, nil
	}
	var zero T
	return zero, fmt.Errorf("%w: %s got %T", ErrStateType, kind, state)
}

// Decode unmarshals JSON into the concrete global state type T.
func Decode[T GlobalState](data []byte) (GlobalState, error) {
	var s T
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("entity: decode %T: %w", s, err)
	}
	return s, nil
}

// RequireNonNegative rejects negative amounts.
func RequireNonNegative(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s < 0", ErrInvalidAmount, amount)
	}
	return nil
}
