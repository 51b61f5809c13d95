// Package scheduler implements sleepFor/waitFor: the timer service and
// signal-wait parking described by the spec's Scheduler component. Timer
// records persist through store.Store; resumption messages publish through
// stream.Bus onto the workflow's own ENGINE stream.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hotmeshio/memflow/idgen"
	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/store"
	"github.com/hotmeshio/memflow/stream"
)

// DefaultCronFidelity is the default flooring granularity for cron-derived
// delays, matching the spec's "floored at a configurable fidelity (default
// 5 s)".
const DefaultCronFidelity = 5 * time.Second

// TimerRecord is the persisted hmark payload for a pending sleep/waitFor.
type TimerRecord struct {
	Dimension string `json:"dimension"`
	ExecIndex int     `json:"execIndex"`
	DeadlineUnix int64 `json:"deadline"`
	SignalID  string `json:"signalId,omitempty"`
}

// ResumeMessage is published to a workflow's ENGINE stream when a timer
// fires or a signal matching a parked wait arrives.
type ResumeMessage struct {
	WorkflowID string `json:"workflowId"`
	Dimension  string `json:"dimension"`
	ExecIndex  int    `json:"execIndex"`
	Kind       string `json:"kind"` // "sleep" or "signal"
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Scheduler parks sleeps/signal-waits for one job and resumes them either by
// wall-clock deadline (via Tick, invoked by an external timer loop) or by a
// matching Signal call.
type Scheduler struct {
	st   store.Store
	bus  stream.Bus
	key  store.JobKey
	jrnl *journal.Journal
}

// New returns a Scheduler bound to the given job.
func New(st store.Store, bus stream.Bus, key store.JobKey, jrnl *journal.Journal) *Scheduler {
	return &Scheduler{st: st, bus: bus, key: key, jrnl: jrnl}
}

func timerField(dim journal.Dimension, execIndex int) string {
	return fmt.Sprintf("hmark:timer:%s:%d", dim, execIndex)
}

// SleepFor parks the workflow at (dim, execIndex) until duration has
// elapsed. On first evaluation it writes a timer record and returns
// suspended=true; on replay after the journal already holds a completed
// sleep, it returns suspended=false immediately.
func (s *Scheduler) SleepFor(ctx context.Context, dim journal.Dimension, execIndex int, duration time.Duration, now time.Time) (suspended bool, err error) {
	entry, ok, err := s.jrnl.Lookup(ctx, dim, execIndex)
	if err != nil {
		return false, fmt.Errorf("scheduler: lookup: %w", err)
	}
	if ok {
		var rec TimerRecord
		if json.Unmarshal(entry.Payload, &rec) == nil {
			if now.Unix() >= rec.DeadlineUnix {
				return false, nil
			}
			return true, nil // already armed; keep the original deadline
		}
	}
	rec := TimerRecord{Dimension: string(dim), ExecIndex: execIndex, DeadlineUnix: now.Add(duration).Unix()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("scheduler: encode timer: %w", err)
	}
	if err := s.jrnl.Append(ctx, journal.Entry{ExecIndex: execIndex, Dimension: dim, Kind: journal.KindSleep, Payload: payload}); err != nil {
		return false, fmt.Errorf("scheduler: append timer: %w", err)
	}
	if err := s.st.HSet(ctx, s.key, timerField(dim, execIndex), string(payload), store.AttrHmark); err != nil {
		return false, fmt.Errorf("scheduler: persist timer: %w", err)
	}
	return true, nil
}

// WaitFor parks the workflow at (dim, execIndex) until a signal named
// signalID arrives (delivered via Signal), or timeout elapses if non-zero.
// A signal published before the wait begins is stashed by Signal under
// hmark:signal:<id>; WaitFor reads that stash, records it in the journal and
// resolves immediately without suspension — satisfying the signal-aliveness
// invariant.
func (s *Scheduler) WaitFor(ctx context.Context, dim journal.Dimension, execIndex int, signalID string, timeout time.Duration, now time.Time) (suspended bool, payload json.RawMessage, err error) {
	entry, ok, err := s.jrnl.Lookup(ctx, dim, execIndex)
	if err != nil {
		return false, nil, fmt.Errorf("scheduler: lookup: %w", err)
	}
	if ok {
		var sig signalEntry
		if json.Unmarshal(entry.Payload, &sig) == nil && sig.Delivered {
			return false, sig.Payload, nil
		}
	}

	// A signal that arrived before this WaitFor was evaluated is stashed
	// under hmark:signal:<id> by Signal; honor it immediately instead of
	// parking, satisfying signal-aliveness regardless of arrival order.
	if raw, _, found, err := s.st.HGet(ctx, s.key, fmt.Sprintf("hmark:signal:%s", signalID)); err != nil {
		return false, nil, fmt.Errorf("scheduler: pre-arrival lookup: %w", err)
	} else if found {
		var sig signalEntry
		if err := json.Unmarshal([]byte(raw), &sig); err != nil {
			return false, nil, fmt.Errorf("scheduler: decode pre-arrived signal: %w", err)
		}
		if err := s.jrnl.Append(ctx, journal.Entry{ExecIndex: execIndex, Dimension: dim, Kind: journal.KindSignal, Payload: []byte(raw)}); err != nil {
			return false, nil, fmt.Errorf("scheduler: record pre-arrived signal: %w", err)
		}
		return false, sig.Payload, nil
	}

	rec := TimerRecord{Dimension: string(dim), ExecIndex: execIndex, SignalID: signalID}
	if timeout > 0 {
		rec.DeadlineUnix = now.Add(timeout).Unix()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("scheduler: encode wait: %w", err)
	}
	if err := s.jrnl.Append(ctx, journal.Entry{ExecIndex: execIndex, Dimension: dim, Kind: journal.KindWaitFor, Payload: raw}); err != nil {
		return false, nil, fmt.Errorf("scheduler: append wait: %w", err)
	}
	if err := s.st.HSet(ctx, s.key, fmt.Sprintf("hmark:wait:%s", signalID), string(raw), store.AttrHmark); err != nil {
		return false, nil, fmt.Errorf("scheduler: persist wait: %w", err)
	}
	return true, nil, nil
}

type signalEntry struct {
	Delivered bool            `json:"delivered"`
	Payload   json.RawMessage `json:"payload"`
}

// Signal delivers payload for signalID. If a waitFor is already parked for
// this signal, a ResumeMessage is published to the job's ENGINE stream;
// otherwise the signal is stored as the job attribute hmark:signal:<id> (no
// execIndex is known yet) so a later WaitFor call observes it immediately.
func (s *Scheduler) Signal(ctx context.Context, signalID string, payload json.RawMessage, now time.Time) error {
	raw, typ, ok, err := s.st.HGet(ctx, s.key, fmt.Sprintf("hmark:wait:%s", signalID))
	if err != nil {
		return fmt.Errorf("scheduler: signal lookup: %w", err)
	}
	_ = typ
	entryPayload, err := json.Marshal(signalEntry{Delivered: true, Payload: payload})
	if err != nil {
		return fmt.Errorf("scheduler: encode signal: %w", err)
	}
	if !ok {
		// Not yet parked: stash under the signal id itself so a subsequent
		// WaitFor picks it up via journal lookup keyed by the eventual
		// execIndex is not possible here (execIndex unknown); store keyed by
		// signal id and let the engine re-check on next WaitFor evaluation.
		return s.st.HSet(ctx, s.key, fmt.Sprintf("hmark:signal:%s", signalID), string(entryPayload), store.AttrHmark)
	}
	var rec TimerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("scheduler: decode wait record: %w", err)
	}
	if err := s.jrnl.Append(ctx, journal.Entry{
		ExecIndex: rec.ExecIndex,
		Dimension: journal.Dimension(rec.Dimension),
		Kind:      journal.KindSignal,
		Payload:   entryPayload,
	}); err != nil {
		return fmt.Errorf("scheduler: append signal: %w", err)
	}
	msg := ResumeMessage{
		WorkflowID: s.key.JobID,
		Dimension:  rec.Dimension,
		ExecIndex:  rec.ExecIndex,
		Kind:       "signal",
		Payload:    payload,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("scheduler: encode resume: %w", err)
	}
	_, err = s.bus.Publish(ctx, s.key.JobID+":", [][]byte{body}, stream.PublishOptions{})
	return err
}

// Tick checks the given timer record against now and, if its deadline has
// passed, publishes a sleep ResumeMessage. Called by an external timer
// sweep loop (one per process) over persisted hmark:timer:* records.
func (s *Scheduler) Tick(ctx context.Context, rec TimerRecord, now time.Time) (fired bool, err error) {
	if rec.DeadlineUnix == 0 || now.Unix() < rec.DeadlineUnix {
		return false, nil
	}
	msg := ResumeMessage{
		WorkflowID: s.key.JobID,
		Dimension:  rec.Dimension,
		ExecIndex:  rec.ExecIndex,
		Kind:       "sleep",
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("scheduler: encode tick resume: %w", err)
	}
	if _, err := s.bus.Publish(ctx, s.key.JobID+":", [][]byte{body}, stream.PublishOptions{}); err != nil {
		return false, fmt.Errorf("scheduler: publish tick resume: %w", err)
	}
	return true, nil
}

// NextCronDelay returns the delay until expr's next tick from now, floored
// at fidelity (or DefaultCronFidelity if zero). Thin pass-through to idgen
// so callers only need to import scheduler.
func NextCronDelay(expr string, now time.Time, fidelity time.Duration) (time.Duration, error) {
	if fidelity <= 0 {
		fidelity = DefaultCronFidelity
	}
	secs, err := idgen.NextCronDelay(expr, now, int(fidelity.Seconds()))
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
