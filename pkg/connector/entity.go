// Package connector defines the common surface every data source
// implements: entity discovery, connection pooling, query planning and
// compilation, prepared-query handles and result streaming.
package connector

import (
	"strings"
	"sync"

	"github.com/tessera-db/tessera/pkg/data"
)

// EntityAttributeConfig describes one column of an entity.
type EntityAttributeConfig struct {
	Name        string        `yaml:"name" json:"name"`
	Type        data.DataType `yaml:"-" json:"-"`
	Nullable    bool          `yaml:"nullable" json:"nullable"`
	PrimaryKey  bool          `yaml:"primary_key" json:"primary_key"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// EntityConfig is a named relation exposed by a data source. The ordered
// attribute list matches the ordinal positions in the source's catalog.
type EntityConfig struct {
	ID          string                  `yaml:"id" json:"id"`
	Description string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Attributes  []EntityAttributeConfig `yaml:"attributes" json:"attributes"`

	// SourceConfig is the connector-specific blob (schema/table/column
	// renames, file path, ...).
	SourceConfig map[string]string `yaml:"source,omitempty" json:"source,omitempty"`
}

// Attribute returns the attribute with the given name.
func (e *EntityConfig) Attribute(name string) (EntityAttributeConfig, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return EntityAttributeConfig{}, false
}

// PrimaryKeys returns the primary-key attributes in declared order.
func (e *EntityConfig) PrimaryKeys() []EntityAttributeConfig {
	var keys []EntityAttributeConfig
	for _, a := range e.Attributes {
		if a.PrimaryKey {
			keys = append(keys, a)
		}
	}
	return keys
}

// EntityRegistry holds the entities of one data source, preserving
// registration order.
type EntityRegistry struct {
	mu       sync.RWMutex
	order    []string
	entities map[string]*EntityConfig
}

// NewEntityRegistry creates an empty registry.
func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{entities: make(map[string]*EntityConfig)}
}

// Add registers an entity, replacing any previous entity with the same id.
func (r *EntityRegistry) Add(e EntityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entities[e.ID]; !exists {
		r.order = append(r.order, e.ID)
	}
	r.entities[e.ID] = &e
}

// Get returns the entity with the given id.
func (r *EntityRegistry) Get(id string) (*EntityConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// All returns every entity in registration order.
func (r *EntityRegistry) All() []*EntityConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entities[id])
	}
	return out
}

// DiscoveryOptions filters entity discovery.
type DiscoveryOptions struct {
	// RemoteSchema is a glob over the source's qualified relation names.
	// Supports '*' and '%' (any run) and '?' (single character). Empty
	// matches everything.
	RemoteSchema string
}

// MatchesRemoteSchema applies the glob to the qualified name.
func (o DiscoveryOptions) MatchesRemoteSchema(qualified string) bool {
	if o.RemoteSchema == "" {
		return true
	}
	return globMatch(o.RemoteSchema, qualified)
}

// globMatch matches pattern against s with '*'/'%' wildcards and '?' single
// characters.
func globMatch(pattern, s string) bool {
	// Normalise '%' to '*'.
	pattern = strings.ReplaceAll(pattern, "%", "*")

	var match func(p, s string) bool
	match = func(p, s string) bool {
		for len(p) > 0 {
			switch p[0] {
			case '*':
				// Collapse consecutive stars.
				for len(p) > 0 && p[0] == '*' {
					p = p[1:]
				}
				if len(p) == 0 {
					return true
				}
				for i := 0; i <= len(s); i++ {
					if match(p, s[i:]) {
						return true
					}
				}
				return false
			case '?':
				if len(s) == 0 {
					return false
				}
				p, s = p[1:], s[1:]
			default:
				if len(s) == 0 || p[0] != s[0] {
					return false
				}
				p, s = p[1:], s[1:]
			}
		}
		return len(s) == 0
	}

	return match(pattern, s)
}

// RowColumn is one column of a result row structure.
type RowColumn struct {
	Name string
	Type data.DataType
}

// RowStructure is the ordered column layout of a result stream.
type RowStructure struct {
	Cols []RowColumn
}

// Types returns the column types in order.
func (s RowStructure) Types() []data.DataType {
	types := make([]data.DataType, len(s.Cols))
	for i, c := range s.Cols {
		types[i] = c.Type
	}
	return types
}
