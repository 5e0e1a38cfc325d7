package acqboard

import (
	"fmt"
	"sort"
)

// Registry maps reply heads to parameters. It is built once per connection
// and never modified afterwards, so lookups need no locking.
type Registry struct {
	params map[string]*Parameter
	names  []string
}

// NewRegistry validates specs and builds a registry.
//
// Returns ErrInvalidValue when a spec is malformed or a name appears twice.
func NewRegistry(specs []ParamSpec) (*Registry, error) {
	r := &Registry{
		params: make(map[string]*Parameter, len(specs)),
		names:  make([]string, 0, len(specs)),
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.params[spec.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate parameter %s", ErrInvalidValue, spec.Name)
		}
		r.params[spec.Name] = newParameter(spec)
		r.names = append(r.names, spec.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the parameter registered under name.
func (r *Registry) Lookup(name string) (*Parameter, bool) {
	p, ok := r.params[name]
	return p, ok
}

// Get is Lookup with an ErrUnknownParameter error.
func (r *Registry) Get(name string) (*Parameter, error) {
	p, ok := r.params[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}
	return p, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Specs returns the declarations in name order.
func (r *Registry) Specs() []ParamSpec {
	out := make([]ParamSpec, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.params[name].ParamSpec)
	}
	return out
}

// Len returns the number of parameters.
func (r *Registry) Len() int {
	return len(r.params)
}
