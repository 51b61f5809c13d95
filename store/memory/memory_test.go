package memory

import (
	"context"
	"testing"

	"github.com/hotmeshio/memflow/store"
)

func TestGetJobMissingReturnsErrGetState(t *testing.T) {
	st := New()
	if _, err := st.GetJob(context.Background(), store.JobKey{Namespace: "ns", AppID: "app", JobID: "missing"}); err != store.ErrGetState {
		t.Fatalf("expected ErrGetState, got %v", err)
	}
}

func TestSetJobThenGetJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "j1"}
	if err := st.SetJob(ctx, key, &store.Job{JobID: "j1", Status: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	job, err := st.GetJob(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != 1 {
		t.Fatalf("unexpected status %d", job.Status)
	}
}

func TestHIncrAccumulates(t *testing.T) {
	ctx := context.Background()
	st := New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "j1"}
	v, err := st.HIncr(ctx, key, "counter", 3)
	if err != nil || v != 3 {
		t.Fatalf("first incr: %d, %v", v, err)
	}
	v, err = st.HIncr(ctx, key, "counter", -1)
	if err != nil || v != 2 {
		t.Fatalf("second incr: %d, %v", v, err)
	}
}

func TestHStripRemovesNonDurableAttributes(t *testing.T) {
	ctx := context.Background()
	st := New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "j1"}
	st.HSet(ctx, key, "doc", "{}", store.AttrUdata)
	st.HSet(ctx, key, "hmark:x", "1", store.AttrHmark)
	st.HSet(ctx, key, "adata:y", "1", store.AttrAdata)

	stripped, err := st.HStrip(ctx, key, false)
	if err != nil {
		t.Fatalf("strip: %v", err)
	}
	if stripped != 2 {
		t.Fatalf("expected 2 stripped, got %d", stripped)
	}
	attrs, _ := st.HGetAll(ctx, key)
	if _, ok := attrs["doc"]; !ok {
		t.Fatal("durable udata attribute must survive strip")
	}
	if _, ok := attrs["hmark:x"]; ok {
		t.Fatal("non-durable hmark must be stripped when keepHmark=false")
	}
}

func TestHStripKeepsHmarkWhenRequested(t *testing.T) {
	ctx := context.Background()
	st := New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "j1"}
	st.HSet(ctx, key, "hmark:x", "1", store.AttrHmark)

	if _, err := st.HStrip(ctx, key, true); err != nil {
		t.Fatalf("strip: %v", err)
	}
	attrs, _ := st.HGetAll(ctx, key)
	if _, ok := attrs["hmark:x"]; !ok {
		t.Fatal("hmark should survive strip when keepHmark=true")
	}
}

func TestTransactionAppliesAtomically(t *testing.T) {
	ctx := context.Background()
	st := New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "j1"}

	txn, err := st.Transact(ctx)
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	txn = txn.SetJob(key, &store.Job{JobID: "j1", Status: 2})
	txn = txn.HSet(key, "doc", `{"a":1}`, store.AttrUdata)
	txn = txn.HIncr(key, "counter", 5)
	results, err := txn.Exec(ctx)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[2] != int64(5) {
		t.Fatalf("expected HIncr result 5, got %v", results[2])
	}

	job, _ := st.GetJob(ctx, key)
	if job.Status != 2 {
		t.Fatalf("expected status 2 after commit, got %d", job.Status)
	}
}

func TestTransactionPublishInvokesPublisherAfterCommit(t *testing.T) {
	ctx := context.Background()
	st := New()
	var published []string
	st.Publisher = func(ctx context.Context, stream string, body []byte) error {
		published = append(published, stream)
		return nil
	}
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "j1"}
	txn, _ := st.Transact(ctx)
	txn = txn.SetJob(key, &store.Job{JobID: "j1", Status: 1})
	txn = txn.Publish("wf1:", []byte("hello"))
	if _, err := txn.Exec(ctx); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(published) != 1 || published[0] != "wf1:" {
		t.Fatalf("expected one publish to wf1:, got %v", published)
	}
}

func TestDiscardAbandonsQueuedOps(t *testing.T) {
	ctx := context.Background()
	st := New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "j1"}
	txn, _ := st.Transact(ctx)
	txn = txn.SetJob(key, &store.Job{JobID: "j1", Status: 99})
	txn.Discard()

	if _, err := st.GetJob(ctx, key); err != store.ErrGetState {
		t.Fatalf("expected discarded txn to leave no trace, got err=%v", err)
	}
}
