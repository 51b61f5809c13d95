package activity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/retrypolicy"
	"github.com/hotmeshio/memflow/store"
	memstore "github.com/hotmeshio/memflow/store/memory"
	"github.com/hotmeshio/memflow/stream"
	streammemory "github.com/hotmeshio/memflow/stream/memory"
)

func newProxy(t *testing.T) (*Proxy, *journal.Journal, stream.Bus, store.JobKey) {
	t.Helper()
	st := memstore.New()
	bus := streammemory.New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf1"}
	jrnl := journal.New(st, key)
	p := New(Options{TaskQueue: "default"}, jrnl, st, bus, key)
	return p, jrnl, bus, key
}

func TestCallPublishesAndSuspendsThenResumes(t *testing.T) {
	ctx := context.Background()
	p, _, bus, _ := newProxy(t)

	args, _ := json.Marshal(map[string]any{"x": 1})
	out, err := p.Call(ctx, "", 0, "doThing", args)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !out.Suspended || out.Resolved {
		t.Fatalf("expected Suspended outcome, got %+v", out)
	}

	msgs, err := bus.Consume(ctx, "default", stream.GroupWorker, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one published request, got %d, err=%v", len(msgs), err)
	}
	var req Request
	if err := json.Unmarshal(msgs[0].Body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Name != "doThing" || req.ExecIndex != 0 {
		t.Fatalf("unexpected request: %+v", req)
	}

	// Until Resume runs, the journal holds only Call's pending marker, which
	// does not resolve the call; Resume overwrites it with the worker's value.
	value, _ := json.Marshal(42)
	if err := p.Resume(ctx, Result{WorkflowID: "wf1", Dimension: "", ExecIndex: 0, Value: value, Attempt: 1}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	out2, err := p.Call(ctx, "", 0, "doThing", args)
	if err != nil {
		t.Fatalf("call after resume: %v", err)
	}
	if !out2.Resolved || out2.Suspended {
		t.Fatalf("expected Resolved after resume, got %+v", out2)
	}
	var got int
	if err := json.Unmarshal(out2.Value, &got); err != nil || got != 42 {
		t.Fatalf("expected resolved value 42, got %v (%v)", got, err)
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, _, _, _ := newProxy(t)

	first, _ := json.Marshal(1)
	second, _ := json.Marshal(2)
	if err := p.Resume(ctx, Result{Dimension: "", ExecIndex: 0, Value: first, Attempt: 1}); err != nil {
		t.Fatalf("first resume: %v", err)
	}
	if err := p.Resume(ctx, Result{Dimension: "", ExecIndex: 0, Value: second, Attempt: 1}); err != nil {
		t.Fatalf("second resume: %v", err)
	}

	out, err := p.Call(ctx, "", 0, "doThing", nil)
	if err != nil || !out.Resolved {
		t.Fatalf("call: out=%+v err=%v", out, err)
	}
	var got int
	json.Unmarshal(out.Value, &got)
	if got != 1 {
		t.Fatalf("expected first result to win, got %d", got)
	}
}

func TestHandleRequestSuccessPublishesResult(t *testing.T) {
	ctx := context.Background()
	bus := streammemory.New()
	req := Request{WorkflowID: "wf1", Dimension: "", ExecIndex: 0, Name: "doThing", Attempt: 1}
	h := func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal("ok")
	}
	if err := HandleRequest(ctx, bus, "default", req, h, time.Now); err != nil {
		t.Fatalf("handle: %v", err)
	}
	msgs, err := bus.Consume(ctx, "wf1:", stream.GroupEngine, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one result on engine stream: %d, %v", len(msgs), err)
	}
	var res Result
	json.Unmarshal(msgs[0].Body, &res)
	if res.ErrorKind != "" {
		t.Fatalf("expected success result, got %+v", res)
	}
}

func TestHandleRequestTransientRetriesThenExhausts(t *testing.T) {
	ctx := context.Background()
	bus := streammemory.New()
	policy := retrypolicy.Policy{MaximumAttempts: 1, InitialInterval: time.Millisecond, BackoffCoefficient: 1, MaximumInterval: time.Second}
	req := Request{WorkflowID: "wf1", Dimension: "", ExecIndex: 0, Name: "doThing", Attempt: 1, RetryPolicy: policy}
	failing := func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		return nil, retrypolicy.New(retrypolicy.KindTransient, 0, context.DeadlineExceeded)
	}
	if err := HandleRequest(ctx, bus, "default", req, failing, time.Now); err != nil {
		t.Fatalf("handle attempt 1: %v", err)
	}
	// The retry is published with the policy's backoff delay (1ms here) and
	// stays invisible to Consume until that delay has passed.
	time.Sleep(5 * time.Millisecond)
	msgs, _ := bus.Consume(ctx, "default", stream.GroupWorker, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if len(msgs) != 1 {
		t.Fatalf("expected a republished retry, got %d", len(msgs))
	}
	var retried Request
	json.Unmarshal(msgs[0].Body, &retried)
	if retried.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", retried.Attempt)
	}

	if err := HandleRequest(ctx, bus, "default", retried, failing, time.Now); err != nil {
		t.Fatalf("handle attempt 2: %v", err)
	}
	final, _ := bus.Consume(ctx, "wf1:", stream.GroupEngine, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if len(final) != 1 {
		t.Fatalf("expected a terminal result on exhaustion, got %d", len(final))
	}
	var res Result
	json.Unmarshal(final[0].Body, &res)
	if res.ErrorKind != retrypolicy.KindMaxedOut.String() {
		t.Fatalf("expected MaxedOut, got %q", res.ErrorKind)
	}
}

func TestHandleRequestFatalSkipsRetry(t *testing.T) {
	ctx := context.Background()
	bus := streammemory.New()
	req := Request{WorkflowID: "wf1", Dimension: "", ExecIndex: 0, Name: "doThing", Attempt: 1}
	failing := func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		return nil, retrypolicy.New(retrypolicy.KindFatal, 0, context.Canceled)
	}
	if err := HandleRequest(ctx, bus, "default", req, failing, time.Now); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n, _ := bus.Depth(ctx, "default"); n != 0 {
		t.Fatalf("fatal error must not be retried, worker stream depth = %d", n)
	}
	msgs, _ := bus.Consume(ctx, "wf1:", stream.GroupEngine, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if len(msgs) != 1 {
		t.Fatalf("expected terminal fatal result, got %d", len(msgs))
	}
	var res Result
	json.Unmarshal(msgs[0].Body, &res)
	if res.ErrorKind != retrypolicy.KindFatal.String() {
		t.Fatalf("expected Fatal, got %q", res.ErrorKind)
	}
}
