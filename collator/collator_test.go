package collator

import (
	"context"
	"testing"

	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/retrypolicy"
	"github.com/hotmeshio/memflow/store"
	memstore "github.com/hotmeshio/memflow/store/memory"
)

func TestNotarizeLeg1CompletionDetectsDuplicate(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "job1"}
	c := New(st, key)
	act := Activity{Dimension: "", ExecIndex: 0}

	txn, err := st.Transact(ctx)
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	txn, err = c.NotarizeLeg1Completion(ctx, act, txn)
	if err != nil {
		t.Fatalf("first notarization should succeed: %v", err)
	}
	if _, err := txn.Exec(ctx); err != nil {
		t.Fatalf("exec: %v", err)
	}

	txn2, _ := st.Transact(ctx)
	_, err = c.NotarizeLeg1Completion(ctx, act, txn2)
	if err == nil {
		t.Fatal("expected duplicate notarization error")
	}
	re, ok := retrypolicy.As(err)
	if !ok || re.Kind != retrypolicy.KindCollation {
		t.Fatalf("expected KindCollation error, got %v", err)
	}
	if !re.Kind.Silent() {
		t.Fatal("collation errors must be silent")
	}
}

func TestLoadReconstructsNotarizationState(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "job1"}
	c := New(st, key)
	act := Activity{Dimension: "sub/1", ExecIndex: 2}

	txn, _ := st.Transact(ctx)
	txn, _ = c.NotarizeLeg1Completion(ctx, act, txn)
	if _, err := txn.Exec(ctx); err != nil {
		t.Fatalf("exec: %v", err)
	}

	// A freshly constructed Collator (e.g. after a worker restart) must
	// recover the same notarization state from persisted hmark attributes.
	fresh := New(st, key)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	dupTxn, _ := st.Transact(ctx)
	if _, err := fresh.NotarizeLeg1Completion(ctx, act, dupTxn); err == nil {
		t.Fatal("expected duplicate detection after Load")
	}
}

func TestResolveReentryDimensionMintsIncreasingGenerations(t *testing.T) {
	c := New(memstore.New(), store.JobKey{Namespace: "ns", AppID: "app", JobID: "job1"})
	d1 := c.ResolveReentryDimension("loop")
	d2 := c.ResolveReentryDimension("loop")
	if d1 == d2 {
		t.Fatalf("expected distinct dimensions, got %q twice", d1)
	}
	if d1 != "loop/1" || d2 != "loop/2" {
		t.Fatalf("unexpected dimension sequence: %q, %q", d1, d2)
	}
}

func TestCheckGenerationRejectsStale(t *testing.T) {
	c := New(memstore.New(), store.JobKey{Namespace: "ns", AppID: "app", JobID: "job1"})
	stale := c.ResolveReentryDimension("loop")
	_ = c.ResolveReentryDimension("loop")

	err := c.CheckGeneration(stale)
	if err == nil {
		t.Fatal("expected stale generation to be rejected")
	}
	re, ok := retrypolicy.As(err)
	if !ok || re.Kind != retrypolicy.KindGenerational {
		t.Fatalf("expected KindGenerational, got %v", err)
	}

	current := journal.Dimension("loop/2")
	if err := c.CheckGeneration(current); err != nil {
		t.Fatalf("current generation should be accepted: %v", err)
	}
}
