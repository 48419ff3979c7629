package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/entity"
)

// ErrDivisionByZero is returned when a Div value resolves a zero divisor.
var ErrDivisionByZero = errors.New("engine: division by zero in action argument")

type valueOp uint8

const (
	opLit valueOp = iota
	opField
	opNeg
	opAdd
	opSub
	opMul
	opDiv
	opFunc
)

// Value is an action argument. It is either a literal, a read of an
// entity field, arithmetic over other values, or a named function. Values
// that read fields are resolved immediately before their action executes,
// so an action can depend on the realized effect of an earlier action in
// the same tick. The zero Value is the literal 0.
type Value struct {
	op     valueOp
	lit    decimal.Decimal
	entity string
	field  string
	args   []Value
	fn     func(Registry) (decimal.Decimal, error)
}

// Lit returns a literal value.
func Lit(v decimal.Decimal) Value { return Value{op: opLit, lit: v} }

// Float returns a literal value from a float64.
func Float(f float64) Value { return Lit(decimal.NewFromFloat(f)) }

// Field returns a value that reads field from the named entity at
// resolution time. See entity.Field for the lookup order.
func Field(name, field string) Value {
	return Value{op: opField, entity: name, field: field}
}

// Func wraps an arbitrary resolver. label is used as the value's String
// form and should describe what fn computes.
func Func(label string, fn func(Registry) (decimal.Decimal, error)) Value {
	return Value{op: opFunc, field: label, fn: fn}
}

func (v Value) Neg() Value { return Value{op: opNeg, args: []Value{v}} }
func (v Value) Add(o Value) Value { return Value{op: opAdd, args: []Value{v, o}} }
func (v Value) Sub(o Value) Value { return Value{op: opSub, args: []Value{v, o}} }
func (v Value) Mul(o Value) Value { return Value{op: opMul, args: []Value{v, o}} }
func (v Value) Div(o Value) Value { return Value{op: opDiv, args: []Value{v, o}} }
func (v Value) IsLiteral() bool { return v.op == opLit }

// Resolve evaluates the value against the registry.
func (v Value) Resolve(r Registry) (decimal.Decimal, error) {
	switch v.op {
	case opLit:
		return v.lit, nil
	case opField:
		e, ok := r.Entity(v.entity)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrUnregisteredEntity, v.entity)
		}
		return entity.Field(e, v.field)
	case opFunc:
		return v.fn(r)
	case opNeg:
		x, err := v.args[0].Resolve(r)
		if err != nil {
			return decimal.Zero, err
		}
		return x.Neg(), nil
	}

	a, err := v.args[0].Resolve(r)
	if err != nil {
		return decimal.Zero, err
	}
	b, err := v.args[1].Resolve(r)
	if err != nil {
		return decimal.Zero, err
	}
	switch v.op {
	case opAdd:
		return a.Add(b), nil
	case opSub:
		return a.Sub(b), nil
	case opMul:
		return a.Mul(b), nil
	default:
		if b.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrDivisionByZero, v)
		}
		return a.Div(b), nil
	}
}

// String renders the value, e.g. "-(SPOT.amount)" or "(100 - SPOT.amount)".
func (v Value) String() string {
	switch v.op {
	case opLit:
		return v.lit.String()
	case opField:
		return v.entity + "." + v.field
	case opFunc:
		return v.field + "()"
	case opNeg:
		return "-(" + v.args[0].String() + ")"
	}
	sym := map[valueOp]string{opAdd: "+", opSub: "-", opMul: "*", opDiv: "/"}[v.op]
	return "(" + v.args[0].String() + " " + sym + " " + v.args[1].String() + ")"
}
