package resolver

import (
	"fmt"
	"strings"
)

// Registry holds one resolver per collection. Collections without configuration use
// the plain timestamp rule.
type Registry struct {
	byCollection map[string]*Resolver
	fallback     *Resolver
}

// NewRegistry creates a registry from per-collection field strategies
func NewRegistry(config map[string]FieldStrategies) *Registry {
	r := &Registry{
		byCollection: make(map[string]*Resolver, len(config)),
		fallback:     New(nil),
	}
	for collection, fields := range config {
		r.byCollection[collection] = New(fields)
	}
	return r
}

// For returns the resolver for a collection
func (r *Registry) For(collection string) *Resolver {
	if r == nil {
		return New(nil)
	}
	if res, ok := r.byCollection[collection]; ok {
		return res
	}
	return r.fallback
}

// ParseFieldStrategies parses "collection.field=strategy" definitions
func ParseFieldStrategies(defs []string) (map[string]FieldStrategies, error) {
	config := make(map[string]FieldStrategies)
	for _, def := range defs {
		target, name, ok := strings.Cut(def, "=")
		if !ok {
			return nil, fmt.Errorf("invalid field strategy %q: expected collection.field=strategy", def)
		}
		collection, field, ok := strings.Cut(strings.TrimSpace(target), ".")
		if !ok || collection == "" || field == "" {
			return nil, fmt.Errorf("invalid field strategy target %q: expected collection.field", target)
		}
		strategy, err := ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		if config[collection] == nil {
			config[collection] = make(FieldStrategies)
		}
		config[collection][field] = strategy
	}
	return config, nil
}
