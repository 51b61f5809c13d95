// Package entity implements the shared, mutable JSON document scoped to one
// workflow id, persisted under the job's udata attributes. Every mutation is
// expressed against a dotted path and is atomic relative to other mutations
// on the same job, because Document.Apply always runs inside a single
// store.Store transaction round trip.
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hotmeshio/memflow/store"
)

// DocField is the udata attribute field holding the serialized document,
// exported so callers outside this package (e.g. client.Handle.Interrupt's
// descent into "_children") can read it directly via store.Store.HGet.
const DocField = "doc"

// Op is one entity mutation primitive.
type Op string

const (
	OpSet            Op = "set"
	OpMerge          Op = "merge"
	OpAppend         Op = "append"
	OpPrepend        Op = "prepend"
	OpIncrement      Op = "increment"
	OpToggle         Op = "toggle"
	OpSetIfNotExists Op = "setIfNotExists"
)

// Mutation describes one call against the document.
type Mutation struct {
	Op    Op
	Path  string // dotted path; empty means the document root (valid for OpSet and OpMerge)
	Value any
	Delta float64 // used by OpIncrement; defaults to 1 when zero and Op==OpIncrement
}

// Document is the JSON-tree value type backing one job's entity. Document
// is a thin wrapper over map[string]any/[]any/scalars, avoiding reflection
// in favor of the small mutation-op set the spec enumerates. version is the
// Job.Version this Document was last read at or committed to, the basis for
// Apply's optimistic-concurrency check.
type Document struct {
	root    any
	version int
}

// applyLocks serializes Apply's read-check-commit sequence per job, closing
// the race a bare version check still leaves between two Apply calls in the
// same process (e.g. a running workflow step and a Hook invocation mutating
// the same document concurrently, which the spec explicitly allows).
var applyLocks sync.Map // store.JobKey -> *sync.Mutex

func lockFor(key store.JobKey) *sync.Mutex {
	v, _ := applyLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Load reconstructs a Document from its persisted udata attribute, or
// returns an empty document if the job has none yet, recording the job's
// current Version as the optimistic-concurrency baseline for Apply.
func Load(ctx context.Context, st store.Store, key store.JobKey) (*Document, error) {
	d := &Document{}
	if err := d.reload(ctx, st, key); err != nil {
		return nil, fmt.Errorf("entity: load: %w", err)
	}
	return d, nil
}

// reload re-reads the document and its Version from st, overwriting d's
// in-memory state. Callers must not hold applyLocks's mutex for key via a
// path other than Apply when calling this, since Apply already holds it.
func (d *Document) reload(ctx context.Context, st store.Store, key store.JobKey) error {
	job, err := st.GetJob(ctx, key)
	switch {
	case err == nil:
		d.version = job.Version
	case err == store.ErrGetState:
		d.version = 0
	default:
		return fmt.Errorf("read job version: %w", err)
	}
	raw, _, ok, err := st.HGet(ctx, key, DocField)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if !ok {
		d.root = map[string]any{}
		return nil
	}
	var root any
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	d.root = root
	return nil
}

// Raw returns the document's current JSON encoding.
func (d *Document) Raw() ([]byte, error) { return json.Marshal(d.root) }

// Get returns the value at path, or nil if it does not resolve.
func (d *Document) Get(path string) any {
	v, _ := navigate(d.root, splitPath(path), false)
	return v
}

// maxApplyRetries bounds how many times Apply reloads and reapplies its
// mutations against a fresher document after losing an optimistic-version
// race, before giving up.
const maxApplyRetries = 5

// Apply performs every mutation against the in-memory document in order,
// then persists the result through a store.Transaction so the whole batch
// commits atomically relative to other mutations on the same job. Commit is
// gated by an optimistic check against the job's Version (captured at Load
// or at the last successful Apply): if another Apply committed first — a
// Hook mutating the same document while the owning workflow step is also
// mutating it, per the spec's "Hook... sharing its entity and memory" — this
// call reloads the latest document, reapplies the same mutations on top of
// it, and retries, so the loser reconciles onto the winner instead of
// silently overwriting it.
func (d *Document) Apply(ctx context.Context, st store.Store, key store.JobKey, muts ...Mutation) error {
	mu := lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; ; attempt++ {
		for _, m := range muts {
			if err := d.applyOne(m); err != nil {
				return fmt.Errorf("entity: apply %s %q: %w", m.Op, m.Path, err)
			}
		}
		raw, err := d.Raw()
		if err != nil {
			return fmt.Errorf("entity: encode: %w", err)
		}

		job, err := st.GetJob(ctx, key)
		current := store.Job{JobID: key.JobID}
		switch {
		case err == nil:
			current = *job
		case err == store.ErrGetState:
			// no job row yet; treat as version 0, the Load baseline.
		default:
			return fmt.Errorf("entity: read job for version check: %w", err)
		}

		if current.Version != d.version {
			if attempt >= maxApplyRetries {
				return fmt.Errorf("entity: apply: exceeded %d retries against a concurrently mutated document", maxApplyRetries)
			}
			if err := d.reload(ctx, st, key); err != nil {
				return fmt.Errorf("entity: reload after version conflict: %w", err)
			}
			continue
		}

		updated := current
		updated.JobID = key.JobID
		updated.Version = current.Version + 1
		txn, err := st.Transact(ctx)
		if err != nil {
			return fmt.Errorf("entity: begin txn: %w", err)
		}
		txn = txn.SetJob(key, &updated)
		txn = txn.HSet(key, DocField, string(raw), store.AttrUdata)
		if _, err := txn.Exec(ctx); err != nil {
			txn.Discard()
			return fmt.Errorf("entity: commit: %w", err)
		}
		d.version = updated.Version
		return nil
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func (d *Document) applyOne(m Mutation) error {
	switch m.Op {
	case OpSet:
		if m.Path == "" {
			d.root = m.Value
			return nil
		}
		return setAt(&d.root, splitPath(m.Path), m.Value, true)
	case OpMerge:
		cur, _ := navigate(d.root, splitPath(m.Path), true)
		merged := deepMerge(cur, m.Value)
		return setAt(&d.root, splitPath(m.Path), merged, true)
	case OpAppend, OpPrepend:
		cur, _ := navigate(d.root, splitPath(m.Path), true)
		arr, ok := cur.([]any)
		if cur == nil {
			arr = []any{}
		} else if !ok {
			return fmt.Errorf("path does not resolve to an array")
		}
		if m.Op == OpAppend {
			arr = append(arr, m.Value)
		} else {
			arr = append([]any{m.Value}, arr...)
		}
		return setAt(&d.root, splitPath(m.Path), arr, true)
	case OpIncrement:
		cur, _ := navigate(d.root, splitPath(m.Path), true)
		var n float64
		switch v := cur.(type) {
		case nil:
			n = 0
		case float64:
			n = v
		case int:
			n = float64(v)
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return fmt.Errorf("path does not resolve to a number")
			}
			n = f
		default:
			return fmt.Errorf("path does not resolve to a number")
		}
		delta := m.Delta
		if delta == 0 {
			delta = 1
		}
		return setAt(&d.root, splitPath(m.Path), n+delta, true)
	case OpToggle:
		cur, _ := navigate(d.root, splitPath(m.Path), true)
		b, _ := cur.(bool)
		return setAt(&d.root, splitPath(m.Path), !b, true)
	case OpSetIfNotExists:
		if v, ok := navigate(d.root, splitPath(m.Path), false); ok && v != nil {
			return nil
		}
		return setAt(&d.root, splitPath(m.Path), m.Value, true)
	default:
		return fmt.Errorf("unknown op %q", m.Op)
	}
}

// navigate walks path from root, returning (value, found). When create is
// true, intermediate maps are not mutated (navigate never mutates root) —
// missing intermediates simply yield (nil, false).
func navigate(root any, path []string, create bool) (any, bool) {
	cur := root
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			if create {
				return nil, false
			}
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// setAt writes value at path within *root, creating intermediate maps as
// needed when create is true.
func setAt(root *any, path []string, value any, create bool) error {
	if len(path) == 0 {
		*root = value
		return nil
	}
	if *root == nil {
		*root = map[string]any{}
	}
	m, ok := (*root).(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set path through a non-object value")
	}
	cur := m
	for i, seg := range path[:len(path)-1] {
		next, ok := cur[seg]
		if !ok {
			if !create {
				return fmt.Errorf("missing intermediate path segment %q", strings.Join(path[:i+1], "."))
			}
			nm := map[string]any{}
			cur[seg] = nm
			cur = nm
			continue
		}
		nm, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path segment %q is not an object", seg)
		}
		cur = nm
	}
	cur[path[len(path)-1]] = value
	return nil
}

// deepMerge recursively merges partial into base: object keys merge,
// arrays and scalars overwrite at their leaf path.
func deepMerge(base, partial any) any {
	baseMap, baseOK := base.(map[string]any)
	partialMap, partialOK := partial.(map[string]any)
	if baseOK && partialOK {
		out := make(map[string]any, len(baseMap))
		for k, v := range baseMap {
			out[k] = v
		}
		for k, v := range partialMap {
			if existing, ok := out[k]; ok {
				out[k] = deepMerge(existing, v)
			} else {
				out[k] = v
			}
		}
		return out
	}
	return partial
}

// ParsePathIndex parses a numeric array-index path segment, used by callers
// that need to address array elements directly (e.g. "items.0.name").
func ParsePathIndex(seg string) (int, bool) {
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}
