package registry

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotRegistered   = errors.New("no service registered for path")
	ErrDuplicateName   = errors.New("duplicate service name")
	ErrDuplicatePrefix = errors.New("duplicate service prefix")
	ErrInvalidEndpoint = errors.New("invalid service endpoint")
)

// Registry maps request paths to service endpoints by longest segment-aware
// prefix match.
type Registry struct {
	// routes is ordered by prefix length, longest first.
	routes []ServiceEndpoint
	byName map[string]ServiceEndpoint
}

// New builds a registry. The result does not depend on the order of
// endpoints.
func New(endpoints ...ServiceEndpoint) (*Registry, error) {
	r := &Registry{
		routes: make([]ServiceEndpoint, 0, len(endpoints)),
		byName: make(map[string]ServiceEndpoint, len(endpoints)),
	}
	prefixes := make(map[string]string, len(endpoints))

	for _, e := range endpoints {
		if e.Name == "" || e.BaseURL == nil {
			return nil, fmt.Errorf("%w: name and base URL are required", ErrInvalidEndpoint)
		}
		if _, exists := r.byName[e.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, e.Name)
		}
		e.Prefix = NormalizePrefix(e.Prefix)
		if owner, exists := prefixes[e.Prefix]; exists {
			return nil, fmt.Errorf("%w: %s used by %s and %s", ErrDuplicatePrefix, e.Prefix, owner, e.Name)
		}
		prefixes[e.Prefix] = e.Name
		r.byName[e.Name] = e
		r.routes = append(r.routes, e)
	}

	sort.Slice(r.routes, func(i, j int) bool {
		if len(r.routes[i].Prefix) != len(r.routes[j].Prefix) {
			return len(r.routes[i].Prefix) > len(r.routes[j].Prefix)
		}
		return r.routes[i].Name < r.routes[j].Name
	})

	return r, nil
}

// Lookup returns the endpoint owning path or ErrNotRegistered.
func (r *Registry) Lookup(path string) (ServiceEndpoint, error) {
	for _, e := range r.routes {
		if e.matches(path) {
			return e, nil
		}
	}
	return ServiceEndpoint{}, fmt.Errorf("%w: %s", ErrNotRegistered, path)
}

func (r *Registry) Get(name string) (ServiceEndpoint, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// Endpoints returns every endpoint sorted by name.
func (r *Registry) Endpoints() []ServiceEndpoint {
	out := make([]ServiceEndpoint, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	return len(r.byName)
}
