// Package tools holds the tool registry the execute_tool and compensate_tool
// activities dispatch through. Tools are plain functions over map payloads;
// registration may attach a JSON schema that inputs are validated against
// before the handler runs. The package also derives risk flags for known
// tools so triage sees irreversibility and rights impact without the planner
// having to annotate every step.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/fault"
)

// Handler executes one tool invocation.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Option customizes a tool registration.
type Option func(*tool) error

// WithSchema attaches a JSON schema (draft 2020-12) validated against the
// input map before the handler runs.
func WithSchema(raw []byte) Option {
	return func(t *tool) error {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return fmt.Errorf("parse schema for tool %q: %w", t.name, err)
		}
		compiler := jsonschema.NewCompiler()
		resource := t.name + ".schema.json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return fmt.Errorf("add schema for tool %q: %w", t.name, err)
		}
		schema, err := compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("compile schema for tool %q: %w", t.name, err)
		}
		t.schema = schema
		return nil
	}
}

type tool struct {
	name    string
	handler Handler
	schema  *jsonschema.Schema
}

// Registry maps tool names to handlers. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*tool)}
}

// Register adds a tool. Re-registering a name is an error.
func (r *Registry) Register(name string, handler Handler, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q handler is required", name)
	}
	t := &tool{name: name, handler: handler}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Execute validates the input against the tool's schema (when present) and
// runs the handler. Unknown tools and schema violations are fatal: retrying
// will not make an unregistered tool appear or an invalid payload valid.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindToolFatal, "unknown tool %q", name)
	}
	if t.schema != nil {
		if err := t.schema.Validate(normalizeForSchema(input)); err != nil {
			return nil, fault.New(fault.KindToolFatal, "tool %q input rejected by schema: %v", name, err)
		}
	}
	return t.handler(ctx, input)
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalizeForSchema converts Go-typed values into the JSON shapes the
// schema validator expects (ints become float64 and so on).
func normalizeForSchema(input map[string]any) any {
	if input == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case map[string]any:
		return normalizeForSchema(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
