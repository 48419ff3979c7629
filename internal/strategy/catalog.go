// Package strategy holds the built-in policies and a catalog that builds
// them by name from loosely typed parameters.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/launcher"
)

var (
	// ErrUnknownStrategy is returned for a name missing from the catalog.
	ErrUnknownStrategy = errors.New("strategy: unknown strategy")

	// ErrInvalidParams wraps every parameter decoding or validation
	// failure.
	ErrInvalidParams = errors.New("strategy: invalid params")

	one = decimal.NewFromInt(1)
)

// Builder creates a fresh policy from raw params. Policies keep state
// between ticks, so every trajectory needs its own.
type Builder func(params map[string]any, log *zap.Logger) (engine.Policy, error)

// Info describes a catalog entry.
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Entities    []string       `json:"entities"`
	Defaults    map[string]any `json:"defaults"`
}

type entry struct {
	info  Info
	build Builder
}

// Catalog maps strategy names to builders.
type Catalog struct {
	entries map[string]entry
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]entry)}
}

// Default returns a catalog holding every built-in strategy.
func Default() *Catalog {
	c := NewCatalog()
	c.Register(Info{
		Name:        BasisName,
		Description: "Delta-neutral spot long hedged by a perp short on the hedge or gmx venue, rebalanced to a target leverage.",
		Entities:    []string{HedgeEntity, SpotEntity},
		Defaults:    defaults(DefaultBasisParams()),
	}, buildBasis)
	c.Register(Info{
		Name:        TauResetName,
		Description: "Concentrated liquidity range of width tau tick spacings, reset when the price leaves it.",
		Entities:    []string{PoolEntity},
		Defaults:    defaults(DefaultTauResetParams()),
	}, buildTauReset)
	c.Register(Info{
		Name:        FullRangeName,
		Description: "Full-range constant-product liquidity provided once and held.",
		Entities:    []string{LPEntity},
		Defaults:    defaults(DefaultFullRangeParams()),
	}, buildFullRange)
	c.Register(Info{
		Name:        HolderName,
		Description: "Buys a share of cash below a price and sells a share of holdings above another.",
		Entities:    []string{ExchangeEntity},
		Defaults:    defaults(DefaultHolderParams()),
	}, buildHolder)
	return c
}

// Register adds a builder. Registering a name twice panics.
func (c *Catalog) Register(info Info, b Builder) {
	if _, dup := c.entries[info.Name]; dup {
		panic(fmt.Sprintf("strategy: %q registered twice", info.Name))
	}
	c.entries[info.Name] = entry{info: info, build: b}
}

// List returns every entry sorted by name.
func (c *Catalog) List() []Info {
	out := make([]Info, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build creates one policy.
func (c *Catalog) Build(name string, params map[string]any, log *zap.Logger) (engine.Policy, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return e.build(params, log.With(zap.String("strategy", name)))
}

// Factory validates params once by building a throwaway engine, then
// returns a launcher factory producing a fresh policy and engine per
// call.
func (c *Catalog) Factory(name string, params map[string]any, log *zap.Logger, opts ...engine.Option) (launcher.Factory, error) {
	factory := func() (*engine.Engine, error) {
		p, err := c.Build(name, params, log)
		if err != nil {
			return nil, err
		}
		return engine.New(p, opts...)
	}
	if _, err := factory(); err != nil {
		return nil, err
	}
	return factory, nil
}

// decodeParams overlays raw onto out, which must point at a params
// struct already holding defaults. Unknown keys are rejected.
func decodeParams(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decimalHook,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook accepts strings and every JSON or Go number for decimal
// fields.
func decimalHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	}
	return data, nil
}

// defaults renders a params struct through its JSON tags.
func defaults(params any) map[string]any {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(err)
	}
	return m
}
