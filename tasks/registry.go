package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Func is a task function. Args arrive as the JSON the submitter passed;
// implementations decode into their typed argument struct. The context
// carries the queue's job timeout.
type Func func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps stable function names to task functions, optionally with a
// JSON Schema the submitted args must satisfy. It replaces dynamic dotted
// imports with explicit registration at startup: an unknown name is a
// permanent task failure. Safe for concurrent use; registration normally
// happens before workers start.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]registration
}

type registration struct {
	fn     Func
	schema *jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]registration)}
}

// Register binds name to fn. Re-registering a name is an error; names are
// part of persisted task records and must stay stable.
func (r *Registry) Register(name string, fn Func) error {
	return r.register(name, fn, nil)
}

// RegisterWithSchema binds name to fn and compiles schemaJSON; submitted
// args failing validation fail the task permanently before fn runs.
func (r *Registry) RegisterWithSchema(name string, fn Func, schemaJSON []byte) error {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("tasks: schema for %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("tasks: schema for %q: %w", name, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("tasks: compile schema for %q: %w", name, err)
	}
	return r.register(name, fn, schema)
}

func (r *Registry) register(name string, fn Func, schema *jsonschema.Schema) error {
	if name == "" {
		return fmt.Errorf("tasks: function name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("tasks: function %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.funcs[name]; dup {
		return fmt.Errorf("tasks: function %q already registered", name)
	}
	r.funcs[name] = registration{fn: fn, schema: schema}
	return nil
}

// Resolve returns the function bound to name, validating args against the
// registered schema when one exists. Both failure modes are permanent.
func (r *Registry) Resolve(name string, args json.RawMessage) (Func, error) {
	r.mu.RLock()
	reg, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownFunction, name))
	}
	if reg.schema != nil {
		var payload any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, Permanent(fmt.Errorf("tasks: decode args for %q: %w", name, err))
			}
		}
		if err := reg.schema.Validate(payload); err != nil {
			return nil, Permanent(fmt.Errorf("tasks: args for %q: %w", name, err))
		}
	}
	return reg.fn, nil
}

// Names lists registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
