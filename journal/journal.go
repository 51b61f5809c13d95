// Package journal implements the per-workflow replay log described by the
// data model: an append-only sequence of entries indexed by execIndex,
// persisted through store.Store as jmark/hmark attributes. On replay, every
// side-effecting primitive consults the journal at its execIndex before
// performing any effect, so a restarted workflow reproduces identical
// observable calls in identical order.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hotmeshio/memflow/store"
)

// Kind identifies the category of a journaled decision.
type Kind string

const (
	KindActivityCall Kind = "activity-call"
	KindChildExec    Kind = "child-exec"
	KindChildStart   Kind = "child-start"
	KindSleep        Kind = "sleep"
	KindWaitFor      Kind = "wait-for"
	KindSignal       Kind = "signal"
	KindRandom       Kind = "random"
	KindTrace        Kind = "trace"
	KindEmit         Kind = "emit"
)

// Dimension identifies a re-entered execution branch. The empty dimension
// ("") is the workflow's primary thread; cycles mint new dimension strings
// via collator.ResolveReentryDimension so their execIndex sequences never
// clash with the ancestor's.
type Dimension string

// Entry is one journaled decision: (jobId implicit via Journal, execIndex,
// dimension, kind, payload).
type Entry struct {
	ExecIndex int             `json:"i"`
	Dimension Dimension       `json:"d"`
	Kind      Kind            `json:"k"`
	Payload   json.RawMessage `json:"p"`
}

func fieldName(dim Dimension, execIndex int) string {
	if dim == "" {
		return fmt.Sprintf("jmark:%d", execIndex)
	}
	return fmt.Sprintf("jmark:%s:%d", dim, execIndex)
}

// Journal is the replay log for one job. It is not safe for concurrent use
// by more than one workflow-step evaluation at a time (the Engine guarantees
// single-threaded evaluation per step, per the cooperative scheduling model).
type Journal struct {
	st  store.Store
	key store.JobKey

	mu      sync.Mutex
	cursors map[Dimension]int // next execIndex to allocate, per dimension
}

// New returns a Journal bound to the given job key.
func New(st store.Store, key store.JobKey) *Journal {
	return &Journal{st: st, key: key, cursors: make(map[Dimension]int)}
}

// NextIndex allocates the next sequential execIndex for dim, incrementing by
// one per call. Promise.all-style groups allocate the group's leading index
// here and then consecutive sibling indices with further calls.
func (j *Journal) NextIndex(dim Dimension) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	idx := j.cursors[dim]
	j.cursors[dim] = idx + 1
	return idx
}

// Seed sets the cursor for dim to resume at n, used when a Journal is
// reconstructed from persisted entries during a replay.
func (j *Journal) Seed(dim Dimension, n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if cur, ok := j.cursors[dim]; !ok || n > cur {
		j.cursors[dim] = n
	}
}

// Lookup returns the recorded entry for (dim, execIndex), if any. A present
// result means the effect already ran and its payload must be returned
// as-is rather than re-executed.
func (j *Journal) Lookup(ctx context.Context, dim Dimension, execIndex int) (*Entry, bool, error) {
	raw, typ, ok, err := j.st.HGet(ctx, j.key, fieldName(dim, execIndex))
	if err != nil {
		return nil, false, fmt.Errorf("journal: lookup: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	_ = typ
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, false, fmt.Errorf("journal: decode entry: %w", err)
	}
	return &e, true, nil
}

// Append persists a new entry directly (outside of an engine transaction),
// overwriting any entry already stored at the same (dimension, execIndex).
func (j *Journal) Append(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: encode entry: %w", err)
	}
	attrType := store.AttrJmark
	if e.Kind == KindActivityCall || e.Kind == KindChildExec {
		attrType = store.AttrHmark
	}
	if err := j.st.HSet(ctx, j.key, fieldName(e.Dimension, e.ExecIndex), string(raw), attrType); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// AppendTxn queues the entry write onto an in-flight store.Transaction, for
// entries that must commit atomically with the rest of a leg-1 step (state
// write + status update + outbound publish + journal notarization).
func AppendTxn(txn store.Transaction, key store.JobKey, e Entry) (store.Transaction, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return txn, fmt.Errorf("journal: encode entry: %w", err)
	}
	attrType := store.AttrJmark
	if e.Kind == KindActivityCall || e.Kind == KindChildExec {
		attrType = store.AttrHmark
	}
	return txn.HSet(key, fieldName(e.Dimension, e.ExecIndex), string(raw), attrType), nil
}
