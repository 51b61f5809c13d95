// Package engine implements the execIndex/journal state machine: it
// executes one workflow step per invocation, interprets the replay tape,
// and commits the transition atomically. The WorkflowContext shape
// (Context/WorkflowID/ExecuteActivity/WaitForSignal/Logger/Metrics/Tracer/
// Now) generalizes the teacher's engine abstraction so every "activity"
// call is routed through a durable stream.Bus round trip recorded in the
// Journal, instead of through an embedded SDK.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hotmeshio/memflow/activity"
	"github.com/hotmeshio/memflow/collator"
	"github.com/hotmeshio/memflow/entity"
	"github.com/hotmeshio/memflow/idgen"
	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/retrypolicy"
	"github.com/hotmeshio/memflow/scheduler"
	"github.com/hotmeshio/memflow/store"
	"github.com/hotmeshio/memflow/stream"
	"github.com/hotmeshio/memflow/telemetry"
)

// InterruptSentinel is the status value threshold at and below which a job
// is considered interrupted (status <= -1,000,000).
const InterruptSentinel int64 = -1_000_000

// Status classifies a job's semaphore value.
type Status int

const (
	StatusActive Status = iota
	StatusDone
	StatusInterrupted
)

// StatusOf classifies a raw job status semaphore value.
func StatusOf(status int64) Status {
	switch {
	case status <= InterruptSentinel:
		return StatusInterrupted
	case status == 0:
		return StatusDone
	default:
		return StatusActive
	}
}

// WorkflowFunc is user-authored workflow code. It receives a WorkflowContext
// and runs deterministically between suspension points; returning
// ErrSuspended (wrapped) signals the engine to halt this step and await the
// next resumption message.
type WorkflowFunc func(ctx context.Context, wctx *WorkflowContext) (json.RawMessage, error)

// ErrSuspended is returned by a WorkflowFunc (passed up from a suspension
// call such as ExecuteActivity, SleepFor or WaitForSignal) to signal that
// the step halted at a suspension point and must resume later.
var ErrSuspended = fmt.Errorf("engine: workflow suspended")

// WorkflowContext is the handle user code receives. Its ExecuteActivity,
// SleepFor, WaitForSignal, and entity accessors are the workflow's only
// legal suspension points; everything else must be deterministic.
type WorkflowContext struct {
	Context    context.Context
	WorkflowID string
	Dimension  journal.Dimension

	activityProxy *activity.Proxy
	scheduler     *scheduler.Scheduler
	col           *collator.Collator
	doc           *entity.Document
	jrnl          *journal.Journal
	st            store.Store
	bus           stream.Bus
	key           store.JobKey

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	Now func() int64 // unix seconds; overridable for deterministic tests

	execCursor int
	suspended  bool
}

// SleepFor parks the workflow at execIndex until duration has elapsed,
// returning ErrSuspended on the pass that arms the timer and nil once the
// journal shows the deadline already passed (replay or timer-fired resume).
func (w *WorkflowContext) SleepFor(ctx context.Context, execIndex int, duration time.Duration) error {
	suspended, err := w.scheduler.SleepFor(ctx, w.Dimension, execIndex, duration, time.Unix(w.Now(), 0))
	if err != nil {
		return fmt.Errorf("engine: sleep: %w", err)
	}
	if suspended {
		w.suspended = true
		return ErrSuspended
	}
	return nil
}

// WaitForSignal parks the workflow at execIndex until signalID is delivered
// (via client.Handle.Signal / scheduler.Scheduler.Signal) or timeout elapses
// if non-zero, returning the signal's payload once resolved.
func (w *WorkflowContext) WaitForSignal(ctx context.Context, execIndex int, signalID string, timeout time.Duration) (json.RawMessage, error) {
	suspended, payload, err := w.scheduler.WaitFor(ctx, w.Dimension, execIndex, signalID, timeout, time.Unix(w.Now(), 0))
	if err != nil {
		return nil, fmt.Errorf("engine: wait for signal: %w", err)
	}
	if suspended {
		w.suspended = true
		return nil, ErrSuspended
	}
	return payload, nil
}

// EnterCycle mints a fresh dimensional thread for a new pass through a
// cyclic region of the workflow body (a loop iteration re-entering the same
// code), so the new pass's execIndex sequence never collides with any prior
// pass's journal entries. The context's Dimension becomes the minted value;
// callers re-enter their loop body after calling this once per iteration.
func (w *WorkflowContext) EnterCycle() journal.Dimension {
	dim := w.col.ResolveReentryDimension(w.Dimension)
	w.Dimension = dim
	w.execCursor = 0
	return dim
}

// NextExecIndex allocates and returns the next execIndex on the context's
// current dimension.
func (w *WorkflowContext) NextExecIndex() int {
	idx := w.jrnl.NextIndex(w.Dimension)
	w.execCursor = idx
	return idx
}

// Random returns the deterministic random value for the given execIndex,
// recording it in the journal so replays reproduce the same draw.
func (w *WorkflowContext) Random(ctx context.Context, execIndex int) (float64, error) {
	e, ok, err := w.jrnl.Lookup(ctx, w.Dimension, execIndex)
	if err != nil {
		return 0, err
	}
	if ok {
		var v float64
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return 0, err
		}
		return v, nil
	}
	v := idgen.Random(int64(execIndex))
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	if err := w.jrnl.Append(ctx, journal.Entry{ExecIndex: execIndex, Dimension: w.Dimension, Kind: journal.KindRandom, Payload: payload}); err != nil {
		return 0, err
	}
	return v, nil
}

// ExecuteActivity calls name with args through the ActivityProxy. On the
// first pass it publishes the request and returns ErrSuspended; on
// resumption (replay) it returns the recorded value.
func (w *WorkflowContext) ExecuteActivity(ctx context.Context, execIndex int, name string, args any) (json.RawMessage, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("engine: encode activity args: %w", err)
	}
	outcome, err := w.activityProxy.Call(ctx, w.Dimension, execIndex, name, encoded)
	if err != nil {
		return nil, err
	}
	if outcome.Suspended {
		w.suspended = true
		return nil, ErrSuspended
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return outcome.Value, nil
}

// Document returns the workflow's shared entity document.
func (w *WorkflowContext) Document() *entity.Document { return w.doc }

// MutateEntity applies mutations to the shared document and persists them
// atomically, available to both the workflow body and its hooks.
func (w *WorkflowContext) MutateEntity(ctx context.Context, muts ...entity.Mutation) error {
	return w.doc.Apply(ctx, w.st, w.key, muts...)
}

// Step holds everything the Engine needs to evaluate one workflow
// invocation: the job key, the compiled WorkflowFunc, and the backing
// store/bus.
type Step struct {
	Key          store.JobKey
	Fn           WorkflowFunc
	Store        store.Store
	Bus          stream.Bus
	ActivityOpts activity.Options
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
	Tracer       telemetry.Tracer
	Now          func() int64

	// Dimension selects which dimensional thread this invocation resumes.
	// Zero value ("") is the workflow's primary thread; a resumption
	// envelope (activity result, timer fire, signal, child result) carries
	// the dimension it targets so a stale message from a superseded loop
	// generation can be rejected by collator.Collator.CheckGeneration.
	Dimension journal.Dimension
}

// ChildOptions configures a child workflow start.
type ChildOptions struct {
	WorkflowID   string // optional; generated via idgen.NewGUID if empty
	WorkflowName string
	TaskQueue    string
	Args         any
}

// ChildResult is the ENGINE-stream payload a child's commitTerminal
// publishes to its parent when the child's job row carries a parentLink,
// resuming any ExecuteChildWorkflow call parked awaiting it.
type ChildResult struct {
	ParentDimension string          `json:"dimension"`
	ParentExecIndex int             `json:"execIndex"`
	ChildWorkflowID string          `json:"childWorkflowId"`
	Value           json.RawMessage `json:"value,omitempty"`
	ErrorMsg        string          `json:"errorMsg,omitempty"`
}

// parentLinkField is the hmark attribute a child job row carries, naming the
// (parent, dimension, execIndex) its completion must notify.
const parentLinkField = "hmark:parent"

// parentLink is parentLinkField's decoded payload.
type parentLink struct {
	ParentWorkflowID string `json:"parentWorkflowId"`
	ParentDimension  string `json:"parentDimension"`
	ParentExecIndex  int    `json:"parentExecIndex"`
}

func encodeParentLink(parentWorkflowID string, dim journal.Dimension, execIndex int) (string, error) {
	raw, err := json.Marshal(parentLink{ParentWorkflowID: parentWorkflowID, ParentDimension: string(dim), ParentExecIndex: execIndex})
	return string(raw), err
}

// childStartRecord is the journaled KindChildStart payload recording which
// child workflow id a (dimension, execIndex) minted, making a replayed
// StartChildWorkflow call idempotent.
type childStartRecord struct {
	ChildWorkflowID string `json:"childWorkflowId"`
}

// childStartMessage mirrors client.StartMessage's wire shape by field name
// only (engine cannot import client without creating an import cycle, since
// client already imports engine), so a child-workflow start publishes an
// envelope cmd/memflow-engine's envelope classification decodes identically
// to a top-level client.Start call.
type childStartMessage struct {
	WorkflowID   string             `json:"workflowId"`
	WorkflowName string             `json:"workflowName"`
	TaskQueue    string             `json:"taskQueue"`
	Args         json.RawMessage    `json:"args"`
	RetryPolicy  retrypolicy.Policy `json:"retryPolicy"`
}

// StartChildWorkflow fire-and-forget starts a child workflow at execIndex,
// recording the parent-child link on both sides (parentLinkField on the
// child's row, and a "_children" entity-document append on the parent,
// following the same path client.Handle.Interrupt's descend walks) and
// returning the child's workflowId immediately without waiting for it to
// run. Idempotent under replay: a previously recorded KindChildStart entry
// returns the same child id without re-publishing.
func (w *WorkflowContext) StartChildWorkflow(ctx context.Context, execIndex int, opts ChildOptions) (string, error) {
	entry, ok, err := w.jrnl.Lookup(ctx, w.Dimension, execIndex)
	if err != nil {
		return "", fmt.Errorf("engine: child start lookup: %w", err)
	}
	if ok {
		var rec childStartRecord
		if err := json.Unmarshal(entry.Payload, &rec); err != nil {
			return "", fmt.Errorf("engine: decode recorded child start: %w", err)
		}
		return rec.ChildWorkflowID, nil
	}

	childWorkflowID := opts.WorkflowID
	if childWorkflowID == "" {
		id, err := idgen.NewGUID()
		if err != nil {
			return "", fmt.Errorf("engine: generate child workflow id: %w", err)
		}
		childWorkflowID = id
	}
	childKey := store.JobKey{Namespace: w.key.Namespace, AppID: w.key.AppID, JobID: childWorkflowID}

	args, err := json.Marshal(opts.Args)
	if err != nil {
		return "", fmt.Errorf("engine: encode child args: %w", err)
	}
	policy := retrypolicy.DefaultPolicy()
	body, err := json.Marshal(childStartMessage{
		WorkflowID:   childWorkflowID,
		WorkflowName: opts.WorkflowName,
		TaskQueue:    opts.TaskQueue,
		Args:         args,
		RetryPolicy:  policy,
	})
	if err != nil {
		return "", fmt.Errorf("engine: encode child start message: %w", err)
	}

	link, err := encodeParentLink(w.key.JobID, w.Dimension, execIndex)
	if err != nil {
		return "", fmt.Errorf("engine: encode parent link: %w", err)
	}
	if err := w.st.HSet(ctx, childKey, parentLinkField, link, store.AttrHmark); err != nil {
		return "", fmt.Errorf("engine: link child %s to parent: %w", childWorkflowID, err)
	}
	if err := w.doc.Apply(ctx, w.st, w.key, entity.Mutation{Op: entity.OpAppend, Path: "_children", Value: childWorkflowID}); err != nil {
		return "", fmt.Errorf("engine: record child %s on parent document: %w", childWorkflowID, err)
	}
	if w.bus == nil {
		return "", fmt.Errorf("engine: child workflow start requires a configured bus")
	}
	if _, err := w.bus.Publish(ctx, childWorkflowID+":", [][]byte{body}, stream.PublishOptions{
		BackoffCoefficient: policy.BackoffCoefficient,
		MaxInterval:        policy.MaximumInterval,
	}); err != nil {
		return "", fmt.Errorf("engine: publish child start: %w", err)
	}

	recPayload, err := json.Marshal(childStartRecord{ChildWorkflowID: childWorkflowID})
	if err != nil {
		return "", fmt.Errorf("engine: encode child start record: %w", err)
	}
	if err := w.jrnl.Append(ctx, journal.Entry{ExecIndex: execIndex, Dimension: w.Dimension, Kind: journal.KindChildStart, Payload: recPayload}); err != nil {
		return "", fmt.Errorf("engine: record child start: %w", err)
	}
	return childWorkflowID, nil
}

// ExecuteChildWorkflow starts (if not already started) and awaits a child
// workflow's terminal result at execIndex, suspending the caller until the
// child's commitTerminal publishes a ChildResult that ResumeChild records.
// Mirrors ExecuteActivity's Call/Resume suspend-and-replay shape.
func (w *WorkflowContext) ExecuteChildWorkflow(ctx context.Context, execIndex int, opts ChildOptions) (json.RawMessage, error) {
	entry, ok, err := w.jrnl.Lookup(ctx, w.Dimension, execIndex)
	if err != nil {
		return nil, fmt.Errorf("engine: child exec lookup: %w", err)
	}
	if ok {
		var res ChildResult
		if err := json.Unmarshal(entry.Payload, &res); err != nil {
			return nil, fmt.Errorf("engine: decode recorded child result: %w", err)
		}
		if res.ChildWorkflowID == "" {
			// pending marker only; no result recorded yet.
			w.suspended = true
			return nil, ErrSuspended
		}
		if res.ErrorMsg != "" {
			return nil, retrypolicy.New(retrypolicy.KindFatal, 0, fmt.Errorf("%s", res.ErrorMsg))
		}
		return res.Value, nil
	}

	// StartChildWorkflow needs its own journal slot distinct from this call's
	// await slot, since both would otherwise serialize to the same
	// (dimension, execIndex) field and overwrite each other.
	startIndex := w.jrnl.NextIndex(w.Dimension)
	if _, err := w.StartChildWorkflow(ctx, startIndex, opts); err != nil {
		return nil, err
	}
	if err := w.jrnl.Append(ctx, journal.Entry{ExecIndex: execIndex, Dimension: w.Dimension, Kind: journal.KindChildExec, Payload: json.RawMessage(`{}`)}); err != nil {
		return nil, fmt.Errorf("engine: record child exec pending marker: %w", err)
	}
	w.suspended = true
	return nil, ErrSuspended
}

// ResumeChild records a child workflow's terminal ChildResult into the
// parent job's journal at the (dimension, execIndex) its ExecuteChildWorkflow
// call parked on. Idempotent like activity.Proxy.Resume: a duplicate
// ChildResult for an already-resolved execIndex is a no-op.
func ResumeChild(ctx context.Context, st store.Store, key store.JobKey, res ChildResult) error {
	jrnl := journal.New(st, key)
	dim := journal.Dimension(res.ParentDimension)
	existing, ok, err := jrnl.Lookup(ctx, dim, res.ParentExecIndex)
	if err != nil {
		return fmt.Errorf("engine: resume child: lookup: %w", err)
	}
	if ok {
		var prev ChildResult
		if err := json.Unmarshal(existing.Payload, &prev); err == nil && prev.ChildWorkflowID != "" {
			return nil // already resolved; duplicate child notification
		}
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("engine: resume child: encode: %w", err)
	}
	return jrnl.Append(ctx, journal.Entry{ExecIndex: res.ParentExecIndex, Dimension: dim, Kind: journal.KindChildExec, Payload: payload})
}

// Engine evaluates workflow steps: entry (verify active, load context),
// leg1 (execute until suspension, commit atomically), and leg2 (apply
// resumption, decrement the semaphore).
type Engine struct{}

// New returns an Engine. Engine carries no state of its own; all state
// lives in the per-job Store/Journal/Collator so any worker can evaluate
// any step.
func New() *Engine { return &Engine{} }

// Result is the outcome of one Run invocation.
type Result struct {
	Done      bool
	Value     json.RawMessage
	Err       error
	Suspended bool
}

// Run evaluates one workflow step to completion or to its next suspension
// point. It is safe to call repeatedly (at-least-once redelivery): entry
// verifies the job is still active, and collator notarization makes
// duplicate leg-1 commits for the same execIndex a no-op.
func (e *Engine) Run(ctx context.Context, s Step) (Result, error) {
	job, err := s.Store.GetJob(ctx, s.Key)
	if err != nil {
		if err == store.ErrGetState {
			return Result{}, retrypolicy.New(retrypolicy.KindInactive, 0, err)
		}
		return Result{}, fmt.Errorf("engine: get job: %w", err)
	}
	switch StatusOf(job.Status) {
	case StatusDone:
		return Result{Done: true}, nil
	case StatusInterrupted:
		return Result{}, retrypolicy.New(retrypolicy.KindInterrupt, 0, fmt.Errorf("job %s is interrupted", s.Key.JobID))
	}

	jrnl := journal.New(s.Store, s.Key)
	doc, err := entity.Load(ctx, s.Store, s.Key)
	if err != nil {
		return Result{}, fmt.Errorf("engine: load entity: %w", err)
	}
	col := collator.New(s.Store, s.Key)
	if err := col.Load(ctx); err != nil {
		return Result{}, fmt.Errorf("engine: load collator: %w", err)
	}
	if s.Dimension != "" {
		if err := col.CheckGeneration(s.Dimension); err != nil {
			if rerr, ok := retrypolicy.As(err); ok && rerr.Kind.Silent() {
				return Result{}, nil
			}
			return Result{}, err
		}
	}
	sched := scheduler.New(s.Store, s.Bus, s.Key, jrnl)
	proxy := activity.New(s.ActivityOpts, jrnl, s.Store, s.Bus, s.Key)

	now := s.Now
	if now == nil {
		now = func() int64 { return 0 }
	}

	wctx := &WorkflowContext{
		Context:       ctx,
		WorkflowID:    s.Key.JobID,
		Dimension:     s.Dimension,
		activityProxy: proxy,
		scheduler:     sched,
		col:           col,
		doc:           doc,
		jrnl:          jrnl,
		st:            s.Store,
		bus:           s.Bus,
		key:           s.Key,
		Logger:        s.Logger,
		Metrics:       s.Metrics,
		Tracer:        s.Tracer,
		Now:           now,
	}

	// leg1: run user code until it completes or hits a suspension point.
	value, runErr := s.Fn(ctx, wctx)

	if runErr == ErrSuspended || wctx.suspended {
		if err := e.commitLeg1(ctx, s, col, collator.Activity{Dimension: wctx.Dimension, ExecIndex: wctx.execCursor}); err != nil {
			return Result{}, err
		}
		return Result{Suspended: true}, nil
	}
	if runErr != nil {
		if rerr, ok := retrypolicy.As(runErr); ok && rerr.Kind.Silent() {
			return Result{}, nil
		}
		if err := e.commitTerminal(ctx, s, nil, runErr); err != nil {
			return Result{}, err
		}
		return Result{Done: true, Err: runErr}, nil
	}

	if err := e.commitTerminal(ctx, s, value, nil); err != nil {
		return Result{}, err
	}
	return Result{Done: true, Value: value}, nil
}

// commitLeg1 atomically writes the job's updated status (one open leg) and
// notarizes the leg-1 completion, so a crash between the workflow's publish
// and this commit simply gets redelivered and re-evaluated from scratch. The
// job row is re-read fresh rather than reusing Run's pre-execution snapshot,
// since Fn may have bumped Version via entity.Document.Apply while running;
// reusing the stale snapshot here would silently roll that bump back.
func (e *Engine) commitLeg1(ctx context.Context, s Step, col *collator.Collator, act collator.Activity) error {
	current, err := s.Store.GetJob(ctx, s.Key)
	if err != nil {
		return fmt.Errorf("engine: commit leg1: reload job: %w", err)
	}
	txn, err := s.Store.Transact(ctx)
	if err != nil {
		return fmt.Errorf("engine: begin leg1 txn: %w", err)
	}
	updated := *current
	updated.Status++
	txn = txn.SetJob(s.Key, &updated)
	txn, err = col.NotarizeLeg1Completion(ctx, act, txn)
	if err != nil {
		if rerr, ok := retrypolicy.As(err); ok && rerr.Kind.Silent() {
			return nil
		}
		return fmt.Errorf("engine: notarize leg1: %w", err)
	}
	if _, err := txn.Exec(ctx); err != nil {
		txn.Discard()
		return fmt.Errorf("engine: commit leg1: %w", err)
	}
	return nil
}

// commitTerminal atomically decrements the job's semaphore to 0 (done),
// persists the workflow's return value as durable jdata, records the final
// job row, and — if this job is a child workflow (parentLinkField present)
// — publishes a ChildResult notifying the parent's parked
// ExecuteChildWorkflow, all in the same transaction. Like commitLeg1, the
// job row is re-read fresh to avoid clobbering a Version bump made by Fn's
// entity.Document.Apply calls.
func (e *Engine) commitTerminal(ctx context.Context, s Step, value json.RawMessage, runErr error) error {
	current, err := s.Store.GetJob(ctx, s.Key)
	if err != nil {
		return fmt.Errorf("engine: commit terminal: reload job: %w", err)
	}
	txn, err := s.Store.Transact(ctx)
	if err != nil {
		return fmt.Errorf("engine: begin terminal txn: %w", err)
	}
	updated := *current
	updated.Status = 0
	txn = txn.SetJob(s.Key, &updated)
	if value != nil {
		txn = txn.HSet(s.Key, "jdata", string(value), store.AttrJdata)
	}

	raw, _, ok, err := s.Store.HGet(ctx, s.Key, parentLinkField)
	if err != nil {
		txn.Discard()
		return fmt.Errorf("engine: commit terminal: read parent link: %w", err)
	}
	if ok {
		var link parentLink
		if err := json.Unmarshal([]byte(raw), &link); err != nil {
			txn.Discard()
			return fmt.Errorf("engine: commit terminal: decode parent link: %w", err)
		}
		msg := ChildResult{
			ParentDimension: link.ParentDimension,
			ParentExecIndex: link.ParentExecIndex,
			ChildWorkflowID: s.Key.JobID,
			Value:           value,
		}
		if runErr != nil {
			msg.ErrorMsg = runErr.Error()
		}
		body, err := json.Marshal(msg)
		if err != nil {
			txn.Discard()
			return fmt.Errorf("engine: commit terminal: encode child result: %w", err)
		}
		txn = txn.Publish(link.ParentWorkflowID+":", body)
	}

	if _, err := txn.Exec(ctx); err != nil {
		txn.Discard()
		return fmt.Errorf("engine: commit terminal: %w", err)
	}
	return nil
}

// Interrupt forces a job's status to the interrupt sentinel. It interrupts
// only the given job; cascading to children is done by
// client.Handle.Interrupt, which walks the "_children" entity path that
// StartChildWorkflow appends to.
func (e *Engine) Interrupt(ctx context.Context, st store.Store, key store.JobKey) error {
	job, err := st.GetJob(ctx, key)
	if err != nil {
		return fmt.Errorf("engine: interrupt: get job: %w", err)
	}
	job.Status = InterruptSentinel
	if err := st.SetJob(ctx, key, job); err != nil {
		return fmt.Errorf("engine: interrupt: set job: %w", err)
	}
	return nil
}
