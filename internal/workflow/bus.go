// Package workflow hosts the registry that maps input types to workflow
// handlers and the per-run step machinery the executor drives.
//
// Registration is explicit: every input type resolves to exactly one
// handler, recorded under the type's runtime identity. The key set is fixed
// once the process is wired, so lookups need no locking after startup.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

var (
	ErrUnregisteredWorkflow = errors.New("no workflow registered for input type")
	ErrDuplicateInputType   = errors.New("input type already bound to a workflow")
	ErrDuplicateWorkflow    = errors.New("workflow name already registered")
)

// Handler executes one workflow. Implementations are produced by Register
// and dispatch to a typed function after decoding the persisted input.
type Handler interface {
	Name() string
	InputTypeName() string
	Run(ctx context.Context, run *Run, input json.RawMessage) (json.RawMessage, error)
}

// Bus resolves workflows by input type (for scheduling) and by name
// (for execution).
type Bus struct {
	byInput map[string]Handler
	byName  map[string]Handler
}

func NewBus() *Bus {
	return &Bus{
		byInput: make(map[string]Handler),
		byName:  make(map[string]Handler),
	}
}

// Func is a typed workflow body. The returned value is serialized into the
// execution record's output column.
type Func[T any] func(ctx context.Context, run *Run, input T) (any, error)

type typedHandler[T any] struct {
	name      string
	inputType string
	fn        Func[T]
}

func (h *typedHandler[T]) Name() string          { return h.name }
func (h *typedHandler[T]) InputTypeName() string { return h.inputType }

func (h *typedHandler[T]) Run(ctx context.Context, run *Run, input json.RawMessage) (json.RawMessage, error) {
	var in T
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("failed to decode %s input: %w", h.inputType, err)
		}
	}

	out, err := h.fn(ctx, run, in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s output: %w", h.name, err)
	}
	return raw, nil
}

// Register binds a workflow to the input type T. It fails if T or the
// workflow name is already bound.
func Register[T any](bus *Bus, name string, fn Func[T]) error {
	inputType := TypeName[T]()

	if existing, ok := bus.byInput[inputType]; ok {
		return fmt.Errorf("%w: %s is handled by %s", ErrDuplicateInputType, inputType, existing.Name())
	}
	if _, ok := bus.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, name)
	}

	h := &typedHandler[T]{name: name, inputType: inputType, fn: fn}
	bus.byInput[inputType] = h
	bus.byName[name] = h
	return nil
}

// MustRegister is Register for process wiring, where a duplicate is a
// programming error.
func MustRegister[T any](bus *Bus, name string, fn Func[T]) {
	if err := Register(bus, name, fn); err != nil {
		panic(err)
	}
}

// ResolveInput returns the handler bound to the runtime type of input.
func (b *Bus) ResolveInput(input any) (Handler, error) {
	typeName := typeNameOf(reflect.TypeOf(input))
	h, ok := b.byInput[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredWorkflow, typeName)
	}
	return h, nil
}

// ResolveInputType returns the handler bound to a persisted type
// discriminator.
func (b *Bus) ResolveInputType(typeName string) (Handler, error) {
	h, ok := b.byInput[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredWorkflow, typeName)
	}
	return h, nil
}

// ResolveName returns the handler registered under a workflow name.
func (b *Bus) ResolveName(name string) (Handler, error) {
	h, ok := b.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrUnregisteredWorkflow, name)
	}
	return h, nil
}

// WorkflowNames returns the registered workflow names in sorted order.
func (b *Bus) WorkflowNames() []string {
	names := make([]string, 0, len(b.byName))
	for name := range b.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypeName is the stable schema identifier persisted alongside an input's
// JSON so loads dispatch to the correct decoder.
func TypeName[T any]() string {
	return typeNameOf(reflect.TypeOf((*T)(nil)).Elem())
}

func typeNameOf(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// EncodeInput serializes an input value together with its type
// discriminator.
func EncodeInput(input any) (typeName string, raw json.RawMessage, err error) {
	raw, err = json.Marshal(input)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode workflow input: %w", err)
	}
	return typeNameOf(reflect.TypeOf(input)), raw, nil
}
