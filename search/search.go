// Package search defines the indexed-lookup abstraction over entity fields:
// equality conjunctions, direct key lookup, and single-field conditional
// search with comparison/LIKE/IN operators, scoped by entity type within a
// namespace.
package search

import "context"

// Op is a comparison operator usable in findByCondition.
type Op string

const (
	OpEq   Op = "="
	OpGt   Op = ">"
	OpLt   Op = "<"
	OpGte  Op = ">="
	OpLte  Op = "<="
	OpLike Op = "LIKE"
	OpIn   Op = "IN"
)

// Condition is one equality term in a Find conjunction.
type Condition struct {
	Field string
	Value any
}

// FindOptions bounds and paginates a Find/FindByCondition call.
type FindOptions struct {
	Limit  int
	Offset int
}

// Result is one matched entity: its durable job key and a JSON context
// snapshot of the indexed fields.
type Result struct {
	Key     string
	Context map[string]any
}

// Index is the SearchIndex abstraction. entity scopes the search to one
// entity type within the index's namespace/appId.
type Index interface {
	// Find returns entities matching every condition (an equality
	// conjunction).
	Find(ctx context.Context, entity string, conditions []Condition, opts FindOptions) ([]Result, error)
	// FindByID returns the entity with the given primary-key id, if any.
	FindByID(ctx context.Context, entity, id string) (*Result, bool, error)
	// FindByCondition returns entities where field compares to value via op.
	FindByCondition(ctx context.Context, entity, field string, value any, op Op, opts FindOptions) ([]Result, error)
	// CreateIndex hints the backend to build/maintain an index on field for
	// entity (e.g. an inverted index for array fields, a B-tree for range
	// queries). Backends that need no explicit index (e.g. full scans) may
	// no-op.
	CreateIndex(ctx context.Context, entity, field string) error
}
