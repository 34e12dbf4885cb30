package tasking

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler is a task function. It receives the task-scoped context (carrying
// the task id, trace id and cooperative cancellation) and the task's JSON
// args, and returns a JSON result. A non-nil error marks the task FAILED; a
// returned context cancellation marks it CANCELED when cancellation was
// requested.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Function is one registered task function plus its dispatch metadata.
type Function struct {
	Name        string
	Description string

	// RestartSafe marks a handler whose partial execution may be retried:
	// crash recovery requeues its orphaned tasks instead of failing them.
	RestartSafe bool

	handler Handler
	schema  *jsonschema.Schema
}

// Call invokes the handler.
func (f *Function) Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f.handler(ctx, args)
}

// ValidateArgs checks args against the function's registered schema. A
// function without a schema accepts anything.
func (f *Function) ValidateArgs(args json.RawMessage) error {
	if f.schema == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return fmt.Errorf("%w: args are not valid JSON: %v", ErrInvalidArgs, err)
	}
	if err := f.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

type registration struct {
	description string
	restartSafe bool
	schemaJSON  string
}

// RegisterOption configures one registration.
type RegisterOption func(*registration)

// WithArgsSchema attaches a JSON Schema for the function's args. The schema
// is compiled at registration, so a broken schema fails startup instead of
// the first dispatch.
func WithArgsSchema(schemaJSON string) RegisterOption {
	return func(r *registration) { r.schemaJSON = schemaJSON }
}

// WithRestartSafe marks the function safe to re-run after a worker crash.
func WithRestartSafe() RegisterOption {
	return func(r *registration) { r.restartSafe = true }
}

// WithDescription sets the human-readable description shown by the CLI.
func WithDescription(s string) RegisterOption {
	return func(r *registration) { r.description = s }
}

// Registry maps function names to handlers. All registration normally
// happens during startup, but the lock keeps later registrations (tests,
// plugins) safe against concurrent dispatches.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]*Function
}

func NewRegistry() *Registry {
	return &Registry{functions: make(map[string]*Function)}
}

// Register adds a named function. It rejects empty names, nil handlers and
// duplicates, and compiles the args schema if one is given.
func (r *Registry) Register(name string, h Handler, opts ...RegisterOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyFunction
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", name)
	}

	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}

	fn := &Function{
		Name:        name,
		Description: reg.description,
		RestartSafe: reg.restartSafe,
		handler:     h,
	}
	if reg.schemaJSON != "" {
		schema, err := compileSchema(name, reg.schemaJSON)
		if err != nil {
			return err
		}
		fn.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.functions[name]; dup {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateFunction)
	}
	r.functions[name] = fn
	return nil
}

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("register %q: unmarshal args schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("register %q: add args schema: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("register %q: compile args schema: %w", name, err)
	}
	return schema, nil
}

// Lookup returns the registered function, or false when the name is unknown.
func (r *Registry) Lookup(name string) (*Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// RestartSafe reports whether the named function may be re-run after a
// worker crash. Unknown functions are never restart-safe.
func (r *Registry) RestartSafe(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return ok && fn.RestartSafe
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.functions))
	for name := range r.functions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
