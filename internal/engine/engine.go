// Package engine drives a set of named entities through a sequence of
// market observations under a policy.
//
// Each Step validates the observation, pushes the new global states to
// the entities, asks the policy for actions, then resolves and executes
// those actions one at a time before recording a snapshot row. An engine
// and its entities form one trajectory and must not be shared between
// goroutines; run independent trajectories on fresh engines (see package
// launcher).
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/backtest-engine/internal/entity"
)

var (
	// ErrUnregisteredEntity is returned when an observation or action
	// names an entity that was never registered.
	ErrUnregisteredEntity = errors.New("engine: unregistered entity")

	// ErrDuplicateEntity is returned when a name is registered twice.
	ErrDuplicateEntity = errors.New("engine: entity already registered")

	// ErrInvalidName is returned for an empty entity name.
	ErrInvalidName = errors.New("engine: entity name must not be empty")

	// ErrNoActions is returned when registering an entity that exposes no
	// actions.
	ErrNoActions = errors.New("engine: entity exposes no actions")

	// ErrTimestampOrder is returned when an observation is older than the
	// previous one.
	ErrTimestampOrder = errors.New("engine: observation timestamps must be non-decreasing")
)

// Registry gives read access to the registered entities.
type Registry interface {
	// Entity returns the entity registered under name.
	Entity(name string) (entity.Entity, bool)

	// Names returns the registered names in ascending order.
	Names() []string
}

// Registrar is the registry view handed to Policy.Setup.
type Registrar interface {
	Registry
	Register(name string, e entity.Entity) error
}

// Policy decides which actions to take each tick.
type Policy interface {
	// Setup registers the policy's entities. It runs once, from New.
	Setup(r Registrar) error

	// Predict returns the actions for the current tick. It must depend
	// only on the state reachable through r.
	Predict(r Registry) ([]ActionToTake, error)
}

// Recorder receives every observation before the policy sees it.
type Recorder interface {
	Record(obs Observation) error
}

// Observation is one discrete time step: the new global state of each
// named entity.
type Observation struct {
	Timestamp time.Time
	States    map[string]entity.GlobalState
}

// ActionToTake targets a registered entity with an action whose
// arguments are resolved just before execution.
type ActionToTake struct {
	Entity string
	Action entity.ActionName
	Args   map[string]Value
}

// String renders the action with its unresolved arguments, e.g.
// "HEDGE.open_position(amount_in_product=-(SPOT.amount))".
func (a ActionToTake) String() string {
	keys := make([]string, 0, len(a.Args))
	for k := range a.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + a.Args[k].String()
	}
	return fmt.Sprintf("%s.%s(%s)", a.Entity, a.Action, strings.Join(parts, ", "))
}

// resolve evaluates every argument in key order.
func (a ActionToTake) resolve(r Registry) (entity.Args, error) {
	args := make(entity.Args, len(a.Args))
	keys := make([]string, 0, len(a.Args))
	for k := range a.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := a.Args[k].Resolve(r)
		if err != nil {
			return nil, fmt.Errorf("resolve %s=%s: %w", k, a.Args[k], err)
		}
		args[k] = v
	}
	return args, nil
}

// ActionError reports the action that aborted a run. All entities are
// restored to their state from before the tick's first action.
type ActionError struct {
	Tick      int
	Timestamp time.Time
	Entity    string
	Action    entity.ActionName
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("engine: tick %d (%s): %s.%s: %v",
		e.Tick, e.Timestamp.Format(time.RFC3339), e.Entity, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for tick and action debug logs.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRecorder persists every observation the engine consumes.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithActionHook is called after every successfully executed action.
func WithActionHook(h func(name string, action entity.Action)) Option {
	return func(e *Engine) { e.hook = h }
}

// Engine owns the entity registry and the accumulated rows of one run.
type Engine struct {
	policy   Policy
	entities map[string]entity.Entity
	names    []string
	log      *zap.Logger
	recorder Recorder
	hook     func(string, entity.Action)

	tick int
	last time.Time
	rows []Row
}

// New creates an engine and runs the policy's Setup.
func New(policy Policy, opts ...Option) (*Engine, error) {
	e := &Engine{
		policy:   policy,
		entities: make(map[string]entity.Entity),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := policy.Setup(e); err != nil {
		return nil, fmt.Errorf("engine: setup: %w", err)
	}
	return e, nil
}

// Register adds an entity under a unique name.
func (e *Engine) Register(name string, ent entity.Entity) error {
	if name == "" {
		return ErrInvalidName
	}
	if _, dup := e.entities[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEntity, name)
	}
	if ent == nil || len(ent.Actions()) == 0 {
		return fmt.Errorf("%w: %s", ErrNoActions, name)
	}
	e.entities[name] = ent
	i := sort.SearchStrings(e.names, name)
	e.names = append(e.names, "")
	copy(e.names[i+1:], e.names[i:])
	e.names[i] = name
	e.log.Debug("entity registered", zap.String("name", name), zap.String("kind", ent.Kind()))
	return nil
}

// Entity returns the entity registered under name.
func (e *Engine) Entity(name string) (entity.Entity, bool) {
	ent, ok := e.entities[name]
	return ent, ok
}

// Names returns the registered names in ascending order.
func (e *Engine) Names() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// Lookup returns the entity registered under name as its concrete type.
func Lookup[T entity.Entity](r Registry, name string) (T, error) {
	var zero T
	ent, ok := r.Entity(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnregisteredEntity, name)
	}
	t, ok := ent.(T)
	if !ok {
		return zero, fmt.Errorf("engine: %s is %T, not %T", name, ent, zero)
	}
	return t, nil
}

// Step processes one observation. Validation failures leave every entity
// untouched. An action failure restores every entity's internal state to
// its value before the first action and returns an *ActionError; no row
// is recorded for that tick.
func (e *Engine) Step(obs Observation) error {
	keys := make([]string, 0, len(obs.States))
	for name := range obs.States {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		if _, ok := e.entities[name]; !ok {
			return fmt.Errorf("%w: %s in observation at %s", ErrUnregisteredEntity, name, obs.Timestamp.Format(time.RFC3339))
		}
	}
	if e.tick > 0 && obs.Timestamp.Before(e.last) {
		return fmt.Errorf("%w: %s after %s", ErrTimestampOrder, obs.Timestamp.Format(time.RFC3339), e.last.Format(time.RFC3339))
	}

	for _, name := range keys {
		if err := e.entities[name].UpdateState(obs.States[name]); err != nil {
			return fmt.Errorf("engine: update %s: %w", name, err)
		}
	}
	if e.recorder != nil {
		if err := e.recorder.Record(obs); err != nil {
			return fmt.Errorf("engine: record observation: %w", err)
		}
	}

	actions, err := e.policy.Predict(e)
	if err != nil {
		return fmt.Errorf("engine: predict at tick %d: %w", e.tick, err)
	}
	if err := e.validate(obs.Timestamp, actions); err != nil {
		return err
	}
	if err := e.execute(obs.Timestamp, actions); err != nil {
		return err
	}

	e.rows = append(e.rows, e.snapshot(obs.Timestamp))
	e.last = obs.Timestamp
	e.tick++
	return nil
}

// validate checks every action's target and name before any executes.
func (e *Engine) validate(ts time.Time, actions []ActionToTake) error {
	for _, a := range actions {
		var cause error
		if ent, ok := e.entities[a.Entity]; !ok {
			cause = fmt.Errorf("%w: %s", ErrUnregisteredEntity, a.Entity)
		} else if !entity.Supports(ent, a.Action) {
			cause = entity.UnknownActionError(ent.Kind(), a.Action, ent.Actions())
		}
		if cause != nil {
			return &ActionError{Tick: e.tick, Timestamp: ts, Entity: a.Entity, Action: a.Action, Err: cause}
		}
	}
	return nil
}

// execute resolves and applies actions in order, restoring every entity
// if one fails.
func (e *Engine) execute(ts time.Time, actions []ActionToTake) error {
	if len(actions) == 0 {
		return nil
	}
	saved := make(map[string]entity.InternalState, len(e.names))
	for _, name := range e.names {
		saved[name] = e.entities[name].InternalState()
	}
	fail := func(a ActionToTake, cause error) error {
		for _, name := range e.names {
			if err := e.entities[name].Restore(saved[name]); err != nil {
				e.log.Error("restore failed", zap.String("entity", name), zap.Error(err))
			}
		}
		e.log.Debug("tick rolled back",
			zap.Int("tick", e.tick),
			zap.String("action", a.String()),
			zap.Error(cause))
		return &ActionError{Tick: e.tick, Timestamp: ts, Entity: a.Entity, Action: a.Action, Err: cause}
	}

	for _, a := range actions {
		args, err := a.resolve(e)
		if err != nil {
			return fail(a, err)
		}
		act := entity.Action{Name: a.Action, Args: args}
		if err := e.entities[a.Entity].Execute(act); err != nil {
			return fail(a, err)
		}
		e.log.Debug("action executed",
			zap.Int("tick", e.tick),
			zap.String("entity", a.Entity),
			zap.String("action", string(a.Action)),
			zap.Any("args", args))
		if e.hook != nil {
			e.hook(a.Entity, act)
		}
	}
	return nil
}

func (e *Engine) snapshot(ts time.Time) Row {
	row := Row{
		Timestamp: ts,
		Balances:  make(map[string]decimal.Decimal, len(e.names)),
		Internal:  make(map[string]entity.InternalState, len(e.names)),
		Global:    make(map[string]entity.GlobalState, len(e.names)),
	}
	for _, name := range e.names {
		ent := e.entities[name]
		row.Balances[name] = ent.Balance()
		row.Internal[name] = ent.InternalState()
		row.Global[name] = ent.GlobalState()
	}
	return row
}

// Run steps through every observation in order. On error the rows
// recorded so far are returned together with the error.
func (e *Engine) Run(observations []Observation) (*Result, error) {
	for _, obs := range observations {
		if err := e.Step(obs); err != nil {
			return e.Result(), err
		}
	}
	return e.Result(), nil
}

// Result returns the rows accumulated so far.
func (e *Engine) Result() *Result {
	rows := make([]Row, len(e.rows))
	copy(rows, e.rows)
	return &Result{Entities: e.Names(), Rows: rows}
}

// DecodeObservation builds an observation from raw JSON global states
// using each named entity's own decoder.
func (e *Engine) DecodeObservation(ts time.Time, raw map[string]json.RawMessage) (Observation, error) {
	obs := Observation{Timestamp: ts, States: make(map[string]entity.GlobalState, len(raw))}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data := raw[name]
		ent, ok := e.entities[name]
		if !ok {
			return Observation{}, fmt.Errorf("%w: %s", ErrUnregisteredEntity, name)
		}
		state, err := ent.DecodeState(data)
		if err != nil {
			return Observation{}, fmt.Errorf("engine: decode %s: %w", name, err)
		}
		obs.States[name] = state
	}
	return obs, nil
}
