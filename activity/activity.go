// Package activity implements the ActivityProxy: it wraps user activity
// functions into retryable, journaled remote calls between engine and
// worker. At workflow time a Call first consults the Journal; if unrecorded
// it publishes one WORKER-stream message and suspends until the worker's
// reply resumes the owning workflow.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/retrypolicy"
	"github.com/hotmeshio/memflow/store"
	"github.com/hotmeshio/memflow/stream"
	"github.com/hotmeshio/memflow/telemetry"
)

// Options configures a Proxy for one set of activities.
type Options struct {
	TaskQueue   string
	RetryPolicy retrypolicy.Policy
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
}

// Request is the WORKER-stream payload describing one activity invocation.
type Request struct {
	WorkflowID string          `json:"workflowId"`
	Dimension  string          `json:"dimension"`
	ExecIndex  int             `json:"execIndex"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	Attempt    int             `json:"attempt"`
	RetryPolicy retrypolicy.Policy `json:"retryPolicy"`
}

// Result is the ENGINE-stream reply a worker publishes back once a Request
// is handled, successfully or not.
type Result struct {
	WorkflowID string          `json:"workflowId"`
	Dimension  string          `json:"dimension"`
	ExecIndex  int             `json:"execIndex"`
	Value      json.RawMessage `json:"value,omitempty"`
	ErrorKind  string          `json:"errorKind,omitempty"`
	ErrorMsg   string          `json:"errorMsg,omitempty"`
	Attempt    int             `json:"attempt"`
}

// Handler is the user-supplied activity function a worker invokes for a
// Request, returning a JSON-serializable value or a *retrypolicy.Error.
type Handler func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

// Proxy is the ActivityProxy bound to one job's journal and the stream bus
// used to dispatch requests/replies.
type Proxy struct {
	opts Options
	jrnl *journal.Journal
	bus  stream.Bus
	st   store.Store
	key  store.JobKey
}

// New returns a Proxy for the given job, journal, store and bus.
func New(opts Options, jrnl *journal.Journal, st store.Store, bus stream.Bus, key store.JobKey) *Proxy {
	if opts.RetryPolicy == (retrypolicy.Policy{}) {
		opts.RetryPolicy = retrypolicy.DefaultPolicy()
	}
	return &Proxy{opts: opts, jrnl: jrnl, bus: bus, st: st, key: key}
}

// Outcome is the result of evaluating a Call at the current execIndex:
// either the journal already held the answer (Resolved), or a request was
// just published and the workflow must suspend (Suspended).
type Outcome struct {
	Resolved  bool
	Suspended bool
	Value     json.RawMessage
	Err       error
}

// Call evaluates one activity invocation at (dim, execIndex). If the
// journal already recorded a result, it is returned immediately (Resolved).
// Otherwise a WORKER-stream Request is published and the workflow must
// suspend (Suspended) until the worker's Result resumes it via Resume.
func (p *Proxy) Call(ctx context.Context, dim journal.Dimension, execIndex int, name string, args json.RawMessage) (Outcome, error) {
	entry, ok, err := p.jrnl.Lookup(ctx, dim, execIndex)
	if err != nil {
		return Outcome{}, fmt.Errorf("activity: lookup: %w", err)
	}
	if ok {
		var res Result
		if err := json.Unmarshal(entry.Payload, &res); err != nil {
			return Outcome{}, fmt.Errorf("activity: decode recorded result: %w", err)
		}
		if res.Attempt == 0 {
			// pending marker only; the worker's Result has not been recorded yet.
			return Outcome{Suspended: true}, nil
		}
		if res.ErrorKind != "" {
			return Outcome{Resolved: true, Err: decodeError(res)}, nil
		}
		return Outcome{Resolved: true, Value: res.Value}, nil
	}

	workerStream := p.opts.TaskQueue // worker streams carry no trailing colon
	req := Request{
		WorkflowID:  p.key.JobID,
		Dimension:   string(dim),
		ExecIndex:   execIndex,
		Name:        name,
		Args:        args,
		Attempt:     1,
		RetryPolicy: p.opts.RetryPolicy,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("activity: encode request: %w", err)
	}
	if _, err := p.bus.Publish(ctx, workerStream, [][]byte{body}, stream.PublishOptions{
		BackoffCoefficient: p.opts.RetryPolicy.BackoffCoefficient,
		MaxInterval:        p.opts.RetryPolicy.MaximumInterval,
	}); err != nil {
		return Outcome{}, fmt.Errorf("activity: publish request: %w", err)
	}
	if err := p.jrnl.Append(ctx, journal.Entry{
		ExecIndex: execIndex,
		Dimension: dim,
		Kind:      journal.KindActivityCall,
		Payload:   json.RawMessage(`{"pending":true}`),
	}); err != nil {
		return Outcome{}, fmt.Errorf("activity: record pending marker: %w", err)
	}
	return Outcome{Suspended: true}, nil
}

// Resume records a worker's Result into the journal, overwriting the
// pending marker left by Call. It is idempotent: a duplicate Result for an
// already-resolved execIndex is a no-op (at-least-once worker redelivery).
func (p *Proxy) Resume(ctx context.Context, res Result) error {
	dim := journal.Dimension(res.Dimension)
	existing, ok, err := p.jrnl.Lookup(ctx, dim, res.ExecIndex)
	if err != nil {
		return fmt.Errorf("activity: resume lookup: %w", err)
	}
	if ok {
		var prev Result
		if err := json.Unmarshal(existing.Payload, &prev); err == nil && prev.Attempt != 0 {
			return nil // already resolved; duplicate worker reply
		}
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("activity: encode result: %w", err)
	}
	return p.jrnl.Append(ctx, journal.Entry{
		ExecIndex: res.ExecIndex,
		Dimension: dim,
		Kind:      journal.KindActivityCall,
		Payload:   payload,
	})
}

func decodeError(res Result) error {
	var kind retrypolicy.Kind
	switch res.ErrorKind {
	case retrypolicy.KindFatal.String():
		kind = retrypolicy.KindFatal
	case retrypolicy.KindMaxedOut.String():
		kind = retrypolicy.KindMaxedOut
	case retrypolicy.KindInterrupt.String():
		kind = retrypolicy.KindInterrupt
	default:
		kind = retrypolicy.KindTransient
	}
	return retrypolicy.New(kind, res.Attempt, fmt.Errorf("%s", res.ErrorMsg))
}

// HandleRequest is invoked worker-side (by router) to run h against req,
// applying retry/backoff on transient failure and republishing to
// workerStream at the computed delay, or to the owning ENGINE stream on
// terminal success/failure.
func HandleRequest(ctx context.Context, bus stream.Bus, workerStream string, req Request, h Handler, now func() time.Time) error {
	value, err := h(ctx, req.Name, req.Args)
	if err == nil {
		return publishResult(ctx, bus, req, Result{
			WorkflowID: req.WorkflowID, Dimension: req.Dimension, ExecIndex: req.ExecIndex,
			Value: value, Attempt: req.Attempt,
		})
	}

	rerr, _ := retrypolicy.As(err)
	if rerr == nil {
		rerr = retrypolicy.New(retrypolicy.KindTransient, req.Attempt, err)
	}
	if rerr.Kind == retrypolicy.KindFatal {
		return publishResult(ctx, bus, req, Result{
			WorkflowID: req.WorkflowID, Dimension: req.Dimension, ExecIndex: req.ExecIndex,
			ErrorKind: retrypolicy.KindFatal.String(), ErrorMsg: rerr.Error(), Attempt: req.Attempt,
		})
	}

	delay, ok := req.RetryPolicy.NextDelay(req.Attempt)
	if !ok {
		return publishResult(ctx, bus, req, Result{
			WorkflowID: req.WorkflowID, Dimension: req.Dimension, ExecIndex: req.ExecIndex,
			ErrorKind: retrypolicy.KindMaxedOut.String(), ErrorMsg: rerr.Error(), Attempt: req.Attempt,
		})
	}

	next := req
	next.Attempt++
	body, encErr := json.Marshal(next)
	if encErr != nil {
		return fmt.Errorf("activity: encode retry request: %w", encErr)
	}
	_, pubErr := bus.Publish(ctx, workerStream, [][]byte{body}, stream.PublishOptions{
		BackoffCoefficient: req.RetryPolicy.BackoffCoefficient,
		MaxInterval:        req.RetryPolicy.MaximumInterval,
		Delay:              delay,
	})
	return pubErr
}

func publishResult(ctx context.Context, bus stream.Bus, req Request, res Result) error {
	engineStream := req.WorkflowID + ":"
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("activity: encode result: %w", err)
	}
	_, err = bus.Publish(ctx, engineStream, [][]byte{body}, stream.PublishOptions{})
	return err
}
