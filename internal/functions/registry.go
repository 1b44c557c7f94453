package functions

import (
	"context"
	"fmt"
	"sort"

	"aigw/internal/llm"
)

// Registry stores available functions.
type Registry struct {
	funcs map[string]Function
}

// NewRegistry builds a registry from items.
func NewRegistry(items ...Function) *Registry {
	reg := &Registry{funcs: map[string]Function{}}
	for _, item := range items {
		reg.Register(item)
	}
	return reg
}

// Register adds or replaces a function.
func (r *Registry) Register(fn Function) {
	r.funcs[fn.Name()] = fn
}

// Get returns a function by name.
func (r *Registry) Get(name string) (Function, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns sorted function names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations converts the registered functions into query declarations,
// sorted by name.
func (r *Registry) Declarations() []llm.Function {
	decls := make([]llm.Function, 0, len(r.funcs))
	for _, name := range r.Names() {
		fn := r.funcs[name]
		decls = append(decls, llm.Function{
			Name:        fn.Name(),
			Description: fn.Description(),
			Parameters:  fn.Schema(),
		})
	}
	return decls
}

// Execute runs the function named by call. Unknown names are unhandled and
// yield nil without an error.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (any, error) {
	fn, ok := r.funcs[call.Name]
	if !ok {
		return nil, nil
	}
	value, err := fn.Execute(ctx, call.ArgumentsJSON())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.Name, err)
	}
	return value, nil
}
