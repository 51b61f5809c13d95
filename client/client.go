// Package client implements the external API surface: start, signal,
// interrupt, result, state, export, hook, and search — matching the
// teacher's own Client/WorkflowHandle shape. The spec describes this
// surface as language-neutral; no RPC transport is mandated, so Client is a
// direct Go API rather than a gRPC/REST service.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hotmeshio/memflow/engine"
	"github.com/hotmeshio/memflow/entity"
	"github.com/hotmeshio/memflow/idgen"
	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/retrypolicy"
	"github.com/hotmeshio/memflow/scheduler"
	"github.com/hotmeshio/memflow/search"
	"github.com/hotmeshio/memflow/store"
	"github.com/hotmeshio/memflow/stream"
)

// StartOptions configures a new workflow execution.
type StartOptions struct {
	Args         any
	TaskQueue    string
	WorkflowName string
	WorkflowID   string // optional; generated via idgen.NewGUID if empty
	Namespace    string
	AppID        string
	Entity       string
	Expire       time.Duration
	SignalIn     string
	Search       map[string]string
	RetryPolicy  retrypolicy.Policy
}

// StartMessage is the ENGINE-stream "start" payload published by
// Client.Start.
type StartMessage struct {
	WorkflowID   string          `json:"workflowId"`
	WorkflowName string          `json:"workflowName"`
	TaskQueue    string          `json:"taskQueue"`
	Args         json.RawMessage `json:"args"`
	SignalIn     string          `json:"signalIn,omitempty"`
	RetryPolicy  retrypolicy.Policy `json:"retryPolicy"`
}

// Client is the external entry point: it publishes start/hook/signal
// messages and mints Handles bound to a workflowId.
type Client struct {
	st    store.Store
	bus   stream.Bus
	index search.Index // optional; nil disables Search
	ns    string
	appID string
}

// New returns a Client bound to the given store and bus, within namespace
// ns and appID. index may be nil if search is not configured.
func New(st store.Store, bus stream.Bus, index search.Index, ns, appID string) *Client {
	return &Client{st: st, bus: bus, index: index, ns: ns, appID: appID}
}

// Start publishes a "start" message to the workflow's ENGINE stream and
// returns a Handle bound to its workflowId.
func (c *Client) Start(ctx context.Context, opts StartOptions) (*Handle, error) {
	workflowID := opts.WorkflowID
	if workflowID == "" {
		id, err := idgen.NewGUID()
		if err != nil {
			return nil, fmt.Errorf("client: generate workflow id: %w", err)
		}
		workflowID = id
	}
	args, err := json.Marshal(opts.Args)
	if err != nil {
		return nil, fmt.Errorf("client: encode start args: %w", err)
	}
	policy := opts.RetryPolicy
	if policy == (retrypolicy.Policy{}) {
		policy = retrypolicy.DefaultPolicy()
	}
	msg := StartMessage{
		WorkflowID:   workflowID,
		WorkflowName: opts.WorkflowName,
		TaskQueue:    opts.TaskQueue,
		Args:         args,
		SignalIn:     opts.SignalIn,
		RetryPolicy:  policy,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("client: encode start message: %w", err)
	}
	appID := opts.AppID
	if appID == "" {
		appID = c.appID
	}
	key := store.JobKey{Namespace: c.ns, AppID: appID, JobID: workflowID}
	if _, err := c.bus.Publish(ctx, workflowID+":", [][]byte{body}, stream.PublishOptions{
		BackoffCoefficient: policy.BackoffCoefficient,
		MaxInterval:        policy.MaximumInterval,
	}); err != nil {
		return nil, fmt.Errorf("client: publish start: %w", err)
	}
	return &Handle{c: c, key: key}, nil
}

// Hook runs a function in an already-running job's context, sharing its
// entity and memory, by publishing a hook message onto the job's own
// ENGINE stream.
func (c *Client) Hook(ctx context.Context, workflowID, taskQueue, workflowName string, args any) error {
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("client: encode hook args: %w", err)
	}
	msg := struct {
		Kind         string          `json:"kind"`
		WorkflowName string          `json:"workflowName"`
		TaskQueue    string          `json:"taskQueue"`
		Args         json.RawMessage `json:"args"`
	}{Kind: "hook", WorkflowName: workflowName, TaskQueue: taskQueue, Args: encoded}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: encode hook message: %w", err)
	}
	_, err = c.bus.Publish(ctx, workflowID+":", [][]byte{body}, stream.PublishOptions{})
	return err
}

// Search delegates to the configured search.Index. Returns an error if no
// index is configured.
func (c *Client) Search(ctx context.Context, entityType string, conditions []search.Condition, opts search.FindOptions) ([]search.Result, error) {
	if c.index == nil {
		return nil, fmt.Errorf("client: no search index configured")
	}
	return c.index.Find(ctx, entityType, conditions, opts)
}

// Handle binds the external API surface to one started workflow.
type Handle struct {
	c   *Client
	key store.JobKey
}

// WorkflowID returns the handle's bound job id.
func (h *Handle) WorkflowID() string { return h.key.JobID }

// ResultOptions configures Handle.Result.
type ResultOptions struct {
	// State is not read by Result: Result always waits for a terminal
	// status and never returns a state snapshot.
	State bool
}

// Result subscribes to the job's terminal event and returns its recorded
// return value, or a typed error on interrupt or max-retries exhaustion.
// Terminal detection is a poll over the job's status semaphore; a
// production deployment may instead subscribe to a completion pub/sub
// channel published by the Engine, but the polling contract observed here
// satisfies the same external behavior.
func (h *Handle) Result(ctx context.Context, opts ResultOptions, pollInterval time.Duration) (json.RawMessage, error) {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := h.c.st.GetJob(ctx, h.key)
		if err != nil {
			if err == store.ErrGetState {
				return nil, retrypolicy.New(retrypolicy.KindInactive, 0, err)
			}
			return nil, err
		}
		switch engine.StatusOf(job.Status) {
		case engine.StatusInterrupted:
			return nil, retrypolicy.New(retrypolicy.KindInterrupt, 0, fmt.Errorf("workflow %s was interrupted", h.key.JobID))
		case engine.StatusDone:
			raw, _, ok, err := h.c.st.HGet(ctx, h.key, "jdata")
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return json.RawMessage(raw), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Signal publishes a signal event for signalId with payload to the bound
// job's scheduler.
func (h *Handle) Signal(ctx context.Context, signalID string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("handle: encode signal payload: %w", err)
	}
	jrnl := journal.New(h.c.st, h.key)
	sched := scheduler.New(h.c.st, h.c.bus, h.key, jrnl)
	return sched.Signal(ctx, signalID, encoded, time.Now())
}

// InterruptOptions configures Handle.Interrupt.
type InterruptOptions struct {
	Descend bool
	Expire  time.Duration
	Throw   bool
}

// Interrupt forces the bound job's status semaphore to the interrupt
// sentinel, optionally cascading to children via descendants recorded in
// the entity document under a reserved "_children" path.
func (h *Handle) Interrupt(ctx context.Context, opts InterruptOptions) error {
	e := engine.New()
	if err := e.Interrupt(ctx, h.c.st, h.key); err != nil {
		return err
	}
	if !opts.Descend {
		return nil
	}
	raw, _, ok, err := h.c.st.HGet(ctx, h.key, entity.DocField)
	if err != nil || !ok {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	children, _ := doc["_children"].([]any)
	for _, c := range children {
		childID, ok := c.(string)
		if !ok {
			continue
		}
		childKey := store.JobKey{Namespace: h.key.Namespace, AppID: h.key.AppID, JobID: childID}
		_ = e.Interrupt(ctx, h.c.st, childKey)
	}
	return nil
}

// State returns the bound job's raw row, optionally including its final
// js (terminal value) field.
func (h *Handle) State(ctx context.Context, includeJS bool) (*store.Job, json.RawMessage, error) {
	job, err := h.c.st.GetJob(ctx, h.key)
	if err != nil {
		return nil, nil, err
	}
	if !includeJS {
		return job, nil, nil
	}
	raw, _, ok, err := h.c.st.HGet(ctx, h.key, "jdata")
	if err != nil {
		return job, nil, err
	}
	if !ok {
		return job, nil, nil
	}
	return job, json.RawMessage(raw), nil
}

// ExportOptions configures Handle.Export.
type ExportOptions struct {
	IncludeAttributes bool
}

// Export returns a full snapshot of the bound job's row and attributes, for
// external inspection/debugging tooling.
func (h *Handle) Export(ctx context.Context, opts ExportOptions) (*store.Job, map[string]store.Attribute, error) {
	job, err := h.c.st.GetJob(ctx, h.key)
	if err != nil {
		return nil, nil, err
	}
	if !opts.IncludeAttributes {
		return job, nil, nil
	}
	attrs, err := h.c.st.HGetAll(ctx, h.key)
	if err != nil {
		return job, nil, err
	}
	return job, attrs, nil
}
