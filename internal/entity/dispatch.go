package entity

import (
	"fmt"
	"strings"
)

// Handler applies one action's arguments to an entity.
type Handler func(args Args) error

// Dispatcher is an entity's action table, built once in its constructor.
// Embedding it gives an entity Kind, Actions and Execute.
type Dispatcher struct {
	kind     string
	names    []ActionName
	handlers map[ActionName]Handler
}

// NewDispatcher creates an empty action table for the given entity kind.
func NewDispatcher(kind string) *Dispatcher {
	return &Dispatcher{
		kind:     kind,
		handlers: make(map[ActionName]Handler),
	}
}

// Handle registers a handler. Registering the same name twice or a nil
// handler is a programming error and panics.
func (d *Dispatcher) Handle(name ActionName, h Handler) *Dispatcher {
	if h == nil {
		panic(fmt.Sprintf("entity: nil handler for %s.%s", d.kind, name))
	}
	if _, dup := d.handlers[name]; dup {
		panic(fmt.Sprintf("entity: duplicate handler for %s.%s", d.kind, name))
	}
	d.handlers[name] = h
	d.names = append(d.names, name)
	return d
}

// Kind returns the entity kind.
func (d *Dispatcher) Kind() string { return d.kind }

// Actions returns the registered action names in registration order.
func (d *Dispatcher) Actions() []ActionName {
	out := make([]ActionName, len(d.names))
	copy(out, d.names)
	return out
}

// Supports reports whether name is a registered action.
func (d *Dispatcher) Supports(name ActionName) bool {
	_, ok := d.handlers[name]
	return ok
}

// Execute runs the handler registered for the action's name.
func (d *Dispatcher) Execute(action Action) error {
	h, ok := d.handlers[action.Name]
	if !ok {
		return UnknownActionError(d.kind, action.Name, d.names)
	}
	args := action.Args
	if args == nil {
		args = Args{}
	}
	return h(args)
}

// UnknownActionError builds the error returned for an action the entity
// does not expose, naming the entity kind and its legal actions.
func UnknownActionError(kind string, name ActionName, available []ActionName) error {
	list := make([]string, len(available))
	for i, n := range available {
		list[i] = string(n)
	}
	return fmt.Errorf("%w: %q is not available for %s, available actions: [%s]",
		ErrUnknownAction, name, kind, strings.Join(list, ", "))
}

// Supports reports whether e exposes the named action.
func Supports(e Entity, name ActionName) bool {
	for _, n := range e.Actions() {
		if n == name {
			return true
		}
	}
	return false
}
