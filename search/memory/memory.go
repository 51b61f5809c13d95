// Package memory implements search.Index as a linear scan over an in-memory
// store.Store, used by tests. It has no external dependency.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	storemem "github.com/hotmeshio/memflow/store/memory"

	"github.com/hotmeshio/memflow/search"
)

// Index scans a *storemem.Store for entities matching a search, since the
// in-memory backend has no secondary index structure of its own.
type Index struct {
	st *storemem.Store
}

// New returns an Index scanning the given in-memory store.
func New(st *storemem.Store) *Index {
	return &Index{st: st}
}

// document returns the entity doc for rawKey along with the job's recorded
// EntityType, since the job key itself carries no entity-type segment
// (JobKey.String is "{ns}:{appId}:j:{jobId}") — entity scoping must compare
// against store.Job.EntityType, not the raw key string.
func (i *Index) document(rawKey string) (doc map[string]any, entityType string, ok bool) {
	job, attrs, found := i.st.Snapshot(rawKey)
	if !found {
		return nil, "", false
	}
	attr, ok := attrs["doc"]
	if !ok {
		return nil, job.EntityType, false
	}
	if err := json.Unmarshal([]byte(attr.Value), &doc); err != nil {
		return nil, job.EntityType, false
	}
	return doc, job.EntityType, true
}

func matchesEntityType(actual, wanted string) bool {
	return wanted == "" || actual == wanted
}

func (i *Index) Find(_ context.Context, entity string, conditions []search.Condition, opts search.FindOptions) ([]search.Result, error) {
	var results []search.Result
	for _, rawKey := range i.st.Keys() {
		doc, entityType, ok := i.document(rawKey)
		if !ok || !matchesEntityType(entityType, entity) {
			continue
		}
		if matchesAll(doc, conditions) {
			results = append(results, search.Result{Key: rawKey, Context: doc})
		}
	}
	return paginate(results, opts), nil
}

func (i *Index) FindByID(_ context.Context, entity, id string) (*search.Result, bool, error) {
	for _, rawKey := range i.st.Keys() {
		if !strings.HasSuffix(rawKey, ":j:"+id) {
			continue
		}
		doc, entityType, ok := i.document(rawKey)
		if !ok || !matchesEntityType(entityType, entity) {
			return nil, false, nil
		}
		return &search.Result{Key: rawKey, Context: doc}, true, nil
	}
	return nil, false, nil
}

func (i *Index) FindByCondition(_ context.Context, entity, field string, value any, op search.Op, opts search.FindOptions) ([]search.Result, error) {
	var results []search.Result
	for _, rawKey := range i.st.Keys() {
		doc, entityType, ok := i.document(rawKey)
		if !ok || !matchesEntityType(entityType, entity) {
			continue
		}
		fv, present := doc[field]
		if !present {
			continue
		}
		match, err := compare(fv, value, op)
		if err != nil {
			return nil, err
		}
		if match {
			results = append(results, search.Result{Key: rawKey, Context: doc})
		}
	}
	return paginate(results, opts), nil
}

func (i *Index) CreateIndex(context.Context, string, string) error { return nil }

func matchesAll(doc map[string]any, conditions []search.Condition) bool {
	for _, c := range conditions {
		fv, ok := doc[c.Field]
		if !ok {
			return false
		}
		if fmt.Sprint(fv) != fmt.Sprint(c.Value) {
			return false
		}
	}
	return true
}

func compare(fv, value any, op search.Op) (bool, error) {
	switch op {
	case search.OpEq:
		return fmt.Sprint(fv) == fmt.Sprint(value), nil
	case search.OpLike:
		pattern, _ := value.(string)
		return strings.Contains(fmt.Sprint(fv), strings.Trim(pattern, "%")), nil
	case search.OpIn:
		values, ok := value.([]any)
		if !ok {
			return false, fmt.Errorf("search: IN operator requires a slice value")
		}
		for _, v := range values {
			if fmt.Sprint(v) == fmt.Sprint(fv) {
				return true, nil
			}
		}
		return false, nil
	case search.OpGt, search.OpLt, search.OpGte, search.OpLte:
		a, aok := toFloat(fv)
		b, bok := toFloat(value)
		if !aok || !bok {
			return false, fmt.Errorf("search: %s comparison requires numeric operands", op)
		}
		switch op {
		case search.OpGt:
			return a > b, nil
		case search.OpLt:
			return a < b, nil
		case search.OpGte:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, fmt.Errorf("search: unsupported operator %q", op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func paginate(results []search.Result, opts search.FindOptions) []search.Result {
	sort.Slice(results, func(a, b int) bool { return results[a].Key < results[b].Key })
	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil
		}
		results = results[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(results) {
		results = results[:opts.Limit]
	}
	return results
}
