package schema

import (
	"fmt"
	"sort"

	apperrors "github.com/nabulines/nabulines/pkg/errors"
)

// Registry holds the schemas of all known entity types. Index names are
// global, so the registry refuses two fields that would share index keys.
// Register is meant for startup; it is not safe to call concurrently with Get.
type Registry struct {
	schemas     map[string]*Schema
	indexOwners map[string]string
}

// NewRegistry builds a registry from the given schemas.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{
		schemas:     make(map[string]*Schema),
		indexOwners: make(map[string]string),
	}
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a schema.
func (r *Registry) Register(s *Schema) error {
	if _, dup := r.schemas[s.Type]; dup {
		return fmt.Errorf("registry: entity type %q already registered", s.Type)
	}
	for _, f := range s.Indexed() {
		if owner, taken := r.indexOwners[f.Index.Name]; taken {
			return fmt.Errorf("registry: index %q of %s.%s already declared by %s",
				f.Index.Name, s.Type, f.Name, owner)
		}
	}
	for _, f := range s.Indexed() {
		r.indexOwners[f.Index.Name] = s.Type + "." + f.Name
	}
	r.schemas[s.Type] = s
	return nil
}

// Get returns the schema for entityType.
func (r *Registry) Get(entityType string) (*Schema, error) {
	s, ok := r.schemas[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownEntityType, entityType)
	}
	return s, nil
}

// Types returns all registered entity types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
