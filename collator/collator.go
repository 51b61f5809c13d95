// Package collator assigns dimensional thread ids, notarizes leg-1
// completion, and detects duplicate or stale replays arriving from
// at-least-once stream redelivery. Its errors are deliberately swallowed by
// callers (see retrypolicy.Kind.Silent): a duplicate claim or a message from
// a superseded dimension is an expected consequence of at-least-once
// delivery, not a failure.
package collator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/retrypolicy"
	"github.com/hotmeshio/memflow/store"
)

// Activity identifies one journaled step instance subject to collation:
// the (dimension, execIndex) pair within a job.
type Activity struct {
	Dimension journal.Dimension
	ExecIndex int
}

// Collator tracks leg-1 notarization and dimension generations for one job,
// guarding against duplicate claims and stale (generational) re-entries.
type Collator struct {
	st  store.Store
	key store.JobKey

	mu          sync.Mutex
	notarized   map[Activity]bool
	generation  map[journal.Dimension]int // current generation per dimension lineage
	dimVersions map[string]int            // lineage root -> highest generation minted
}

// New returns a Collator bound to the given job key.
func New(st store.Store, key store.JobKey) *Collator {
	return &Collator{
		st:          st,
		key:         key,
		notarized:   make(map[Activity]bool),
		generation:  make(map[journal.Dimension]int),
		dimVersions: make(map[string]int),
	}
}

// NotarizeLeg1Completion marks that the pre-suspension half of act has
// durably committed via txn (the same transaction that wrote state + status
// + outbound publish). Returns a *retrypolicy.Error{Kind: KindCollation} if
// act was already notarized — callers must treat this as a benign duplicate,
// not propagate it.
func (c *Collator) NotarizeLeg1Completion(ctx context.Context, act Activity, txn store.Transaction) (store.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notarized[act] {
		return txn, retrypolicy.New(retrypolicy.KindCollation, 0,
			fmt.Errorf("collator: duplicate leg1 notarization for dimension=%q execIndex=%d", act.Dimension, act.ExecIndex))
	}
	c.notarized[act] = true

	field := fmt.Sprintf("hmark:notarized:%s:%d", act.Dimension, act.ExecIndex)
	return txn.HSet(c.key, field, "1", store.AttrHmark), nil
}

// Load reconstructs notarization state from persisted hmark attributes,
// called once when a Collator is rehydrated for a resumed job.
func (c *Collator) Load(ctx context.Context) error {
	attrs, err := c.st.HGetAll(ctx, c.key)
	if err != nil {
		return fmt.Errorf("collator: load: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for field := range attrs {
		rest, ok := strings.CutPrefix(field, "hmark:notarized:")
		if !ok {
			continue
		}
		i := strings.LastIndex(rest, ":")
		if i < 0 {
			continue
		}
		idx, err := strconv.Atoi(rest[i+1:])
		if err != nil {
			continue
		}
		c.notarized[Activity{Dimension: journal.Dimension(rest[:i]), ExecIndex: idx}] = true
	}
	return nil
}

// ResolveReentryDimension mints a new dimension string when a cycle
// re-enters ancestor (the dimension the loop body belongs to), so the new
// pass's journal entries never clash with any prior pass's. The returned
// dimension encodes the ancestor and a monotonically increasing generation
// number: "{ancestor}/{n}".
func (c *Collator) ResolveReentryDimension(ancestor journal.Dimension) journal.Dimension {
	c.mu.Lock()
	defer c.mu.Unlock()
	root := string(ancestor)
	c.dimVersions[root]++
	gen := c.dimVersions[root]
	return journal.Dimension(fmt.Sprintf("%s/%d", root, gen))
}

// CheckGeneration verifies that dim is still the current (or an ancestor)
// generation for its lineage. Returns a *retrypolicy.Error{Kind:
// KindGenerational} if dim names a generation older than the latest minted
// for its lineage — a message arriving for a superseded loop iteration.
func (c *Collator) CheckGeneration(dim journal.Dimension) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, gen := splitLineage(dim)
	if latest, ok := c.dimVersions[root]; ok && gen < latest {
		return retrypolicy.New(retrypolicy.KindGenerational, 0,
			fmt.Errorf("collator: stale dimension %q (latest generation %d)", dim, latest))
	}
	return nil
}

func splitLineage(dim journal.Dimension) (root string, generation int) {
	s := string(dim)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			var n int
			if _, err := fmt.Sscanf(s[i+1:], "%d", &n); err == nil {
				return s[:i], n
			}
			break
		}
	}
	return s, 0
}
