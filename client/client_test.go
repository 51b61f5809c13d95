package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hotmeshio/memflow/engine"
	"github.com/hotmeshio/memflow/entity"
	"github.com/hotmeshio/memflow/store"
	memstore "github.com/hotmeshio/memflow/store/memory"
	"github.com/hotmeshio/memflow/stream"
	streammemory "github.com/hotmeshio/memflow/stream/memory"
)

func TestStartPublishesStartMessage(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	c := New(st, bus, nil, "ns", "app")

	h, err := c.Start(ctx, StartOptions{WorkflowName: "greet", TaskQueue: "default", Args: map[string]string{"name": "world"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.WorkflowID() == "" {
		t.Fatal("expected a generated workflow id")
	}

	msgs, err := bus.Consume(ctx, h.WorkflowID()+":", stream.GroupEngine, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one start message, got %d, err=%v", len(msgs), err)
	}
	var msg StartMessage
	json.Unmarshal(msgs[0].Body, &msg)
	if msg.WorkflowName != "greet" || msg.WorkflowID != h.WorkflowID() {
		t.Fatalf("unexpected start message: %+v", msg)
	}
}

func TestResultReturnsTerminalValue(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	c := New(st, bus, nil, "ns", "app")
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf1"}
	h := &Handle{c: c, key: key}

	if err := st.SetJob(ctx, key, &store.Job{JobID: "wf1", Status: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	type outcome struct {
		value json.RawMessage
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := h.Result(ctx, ResultOptions{}, 5*time.Millisecond)
		done <- outcome{v, err}
	}()

	time.Sleep(20 * time.Millisecond)
	value, _ := json.Marshal("ok")
	if err := st.HSet(ctx, key, "jdata", string(value), store.AttrJdata); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := st.SetJob(ctx, key, &store.Job{JobID: "wf1", Status: 0}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("result: %v", out.err)
		}
		if string(out.value) != string(value) {
			t.Fatalf("expected terminal value %s, got %s", value, out.value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Result did not observe completion")
	}
}

func TestResultReturnsInterruptError(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	c := New(st, bus, nil, "ns", "app")
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf2"}
	if err := st.SetJob(ctx, key, &store.Job{JobID: "wf2", Status: engine.InterruptSentinel}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := &Handle{c: c, key: key}
	if _, err := h.Result(ctx, ResultOptions{}, time.Millisecond); err == nil {
		t.Fatal("expected interrupt error")
	}
}

func TestSignalBeforeWaitIsStashed(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	c := New(st, bus, nil, "ns", "app")
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf3"}
	h := &Handle{c: c, key: key}

	if err := h.Signal(ctx, "approve", map[string]bool{"ok": true}); err != nil {
		t.Fatalf("signal: %v", err)
	}

	// With no wait parked yet, the signal is stashed under
	// hmark:signal:<id> rather than lost.
	raw, _, ok, err := st.HGet(ctx, key, "hmark:signal:approve")
	if err != nil || !ok {
		t.Fatalf("expected stashed signal: ok=%v err=%v", ok, err)
	}
	if raw == "" {
		t.Fatal("expected non-empty stashed signal payload")
	}
}

func TestInterruptCascadesToChildren(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	c := New(st, bus, nil, "ns", "app")
	parentKey := store.JobKey{Namespace: "ns", AppID: "app", JobID: "parent"}
	childKey := store.JobKey{Namespace: "ns", AppID: "app", JobID: "child"}

	if err := st.SetJob(ctx, parentKey, &store.Job{JobID: "parent", Status: 1}); err != nil {
		t.Fatalf("seed parent: %v", err)
	}
	if err := st.SetJob(ctx, childKey, &store.Job{JobID: "child", Status: 1}); err != nil {
		t.Fatalf("seed child: %v", err)
	}

	doc, err := entity.Load(ctx, st, parentKey)
	if err != nil {
		t.Fatalf("load entity: %v", err)
	}
	if err := doc.Apply(ctx, st, parentKey, entity.Mutation{Op: entity.OpSet, Path: "_children", Value: []any{"child"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	h := &Handle{c: c, key: parentKey}
	if err := h.Interrupt(ctx, InterruptOptions{Descend: true}); err != nil {
		t.Fatalf("interrupt: %v", err)
	}

	parentJob, err := st.GetJob(ctx, parentKey)
	if err != nil || parentJob.Status != engine.InterruptSentinel {
		t.Fatalf("expected parent interrupted: job=%+v err=%v", parentJob, err)
	}
	childJob, err := st.GetJob(ctx, childKey)
	if err != nil || childJob.Status != engine.InterruptSentinel {
		t.Fatalf("expected child interrupted via descent: job=%+v err=%v", childJob, err)
	}
}

func TestExportIncludesAttributes(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	c := New(st, bus, nil, "ns", "app")
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf4"}
	if err := st.SetJob(ctx, key, &store.Job{JobID: "wf4", Status: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.HSet(ctx, key, "jmark:0", "{}", store.AttrJmark); err != nil {
		t.Fatalf("hset: %v", err)
	}
	h := &Handle{c: c, key: key}
	job, attrs, err := h.Export(ctx, ExportOptions{IncludeAttributes: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if job.JobID != "wf4" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, ok := attrs["jmark:0"]; !ok {
		t.Fatalf("expected exported attributes to include jmark:0, got %v", attrs)
	}
}
