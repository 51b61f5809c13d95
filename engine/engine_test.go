package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hotmeshio/memflow/activity"
	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/store"
	memstore "github.com/hotmeshio/memflow/store/memory"
	"github.com/hotmeshio/memflow/stream"
	streammemory "github.com/hotmeshio/memflow/stream/memory"
)

func newJob(t *testing.T, st store.Store, key store.JobKey) {
	t.Helper()
	if err := st.SetJob(context.Background(), key, &store.Job{JobID: key.JobID, AppID: key.AppID, Status: 1}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestRunCompletesSynchronousWorkflow(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf1"}
	newJob(t, st, key)

	fn := func(ctx context.Context, wctx *WorkflowContext) (json.RawMessage, error) {
		return json.Marshal("done")
	}

	e := New()
	res, err := e.Run(ctx, Step{Key: key, Fn: fn, Store: st, Bus: bus})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Done || res.Suspended {
		t.Fatalf("expected Done, got %+v", res)
	}
	var got string
	json.Unmarshal(res.Value, &got)
	if got != "done" {
		t.Fatalf("expected 'done', got %q", got)
	}

	job, err := st.GetJob(ctx, key)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != 0 {
		t.Fatalf("expected job status 0 after completion, got %d", job.Status)
	}
}

func TestRunSuspendsOnActivityThenResumes(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf2"}
	newJob(t, st, key)

	fn := func(ctx context.Context, wctx *WorkflowContext) (json.RawMessage, error) {
		idx := wctx.NextExecIndex()
		val, err := wctx.ExecuteActivity(ctx, idx, "greet", map[string]string{"name": "world"})
		if err != nil {
			return nil, err
		}
		return val, nil
	}

	e := New()
	res, err := e.Run(ctx, Step{Key: key, Fn: fn, Store: st, Bus: bus, ActivityOpts: activity.Options{TaskQueue: "default"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Suspended || res.Done {
		t.Fatalf("expected Suspended, got %+v", res)
	}

	job, _ := st.GetJob(ctx, key)
	if job.Status != 2 {
		t.Fatalf("expected status incremented to 2 on leg1 commit, got %d", job.Status)
	}

	msgs, err := bus.Consume(ctx, "default", stream.GroupWorker, "w1", stream.ConsumeOptions{BatchSize: 10})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one worker request, got %d, err=%v", len(msgs), err)
	}
	var req activity.Request
	json.Unmarshal(msgs[0].Body, &req)
	if req.Name != "greet" {
		t.Fatalf("unexpected request: %+v", req)
	}

	// Worker resolves the activity and resumes the job via the journal.
	jrnl := journal.New(st, key)
	proxy := activity.New(activity.Options{TaskQueue: "default"}, jrnl, st, bus, key)
	value, _ := json.Marshal("hello world")
	if err := proxy.Resume(ctx, activity.Result{
		WorkflowID: key.JobID, Dimension: req.Dimension, ExecIndex: req.ExecIndex, Value: value, Attempt: 1,
	}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	res2, err := e.Run(ctx, Step{Key: key, Fn: fn, Store: st, Bus: bus, ActivityOpts: activity.Options{TaskQueue: "default"}})
	if err != nil {
		t.Fatalf("run after resume: %v", err)
	}
	if !res2.Done {
		t.Fatalf("expected Done after resume, got %+v", res2)
	}
	var got string
	json.Unmarshal(res2.Value, &got)
	if got != "hello world" {
		t.Fatalf("expected 'hello world', got %q", got)
	}
}

func TestRunOnDoneJobIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf3"}
	if err := st.SetJob(ctx, key, &store.Job{JobID: key.JobID, Status: 0}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := New()
	res, err := e.Run(ctx, Step{Key: key, Store: st, Bus: bus, Fn: func(ctx context.Context, wctx *WorkflowContext) (json.RawMessage, error) {
		t.Fatal("workflow body must not run for an already-done job")
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected Done, got %+v", res)
	}
}

func TestRunOnInterruptedJobReturnsInterruptError(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf4"}
	if err := st.SetJob(ctx, key, &store.Job{JobID: key.JobID, Status: InterruptSentinel}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := New()
	_, err := e.Run(ctx, Step{Key: key, Store: st, Bus: bus, Fn: func(ctx context.Context, wctx *WorkflowContext) (json.RawMessage, error) {
		t.Fatal("workflow body must not run for an interrupted job")
		return nil, nil
	}})
	if err == nil {
		t.Fatal("expected interrupt error")
	}
}

func TestReplayDeterminismRandomDraw(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	bus := streammemory.New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf5"}
	newJob(t, st, key)

	var observed []float64
	fn := func(ctx context.Context, wctx *WorkflowContext) (json.RawMessage, error) {
		idx := wctx.NextExecIndex()
		v, err := wctx.Random(ctx, idx)
		if err != nil {
			return nil, err
		}
		observed = append(observed, v)
		return json.Marshal(v)
	}

	e := New()
	if _, err := e.Run(ctx, Step{Key: key, Fn: fn, Store: st, Bus: bus}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A second, independent Engine re-evaluating the same job from scratch
	// (simulating a crash/redelivery) must draw the identical value: the
	// replay tape, not wall-clock randomness, is authoritative.
	if err := st.SetJob(ctx, key, &store.Job{JobID: key.JobID, AppID: key.AppID, Status: 1}); err != nil {
		t.Fatalf("reset job status: %v", err)
	}
	e2 := New()
	if _, err := e2.Run(ctx, Step{Key: key, Fn: fn, Store: st, Bus: bus}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(observed) != 2 || observed[0] != observed[1] {
		t.Fatalf("expected deterministic replay, got %v", observed)
	}
}
