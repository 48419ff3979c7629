package entity

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// FieldBalance is the name under which Field exposes Balance.
const FieldBalance = "balance"

// Field reads a named numeric value from an entity. Lookup order is
// balance, internal state, global state, then derived fields.
func Field(e Entity, name string) (decimal.Decimal, error) {
	if name == FieldBalance {
		return e.Balance(), nil
	}
	if v, ok := e.InternalState().Fields()[name]; ok {
		return v, nil
	}
	if v, ok := e.GlobalState().Fields()[name]; ok {
		return v, nil
	}
	if dv, ok := e.(Deriver); ok {
		if v, ok := dv.Derived()[name]; ok {
			return v, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s has no field %q", ErrUnknownField, e.Kind(), name)
}

// SortedKeys returns the keys of a field map in ascending order.
func SortedKeys(fields map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Bool encodes a flag as a numeric field.
func Bool(b bool) decimal.Decimal {
	if b {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}
