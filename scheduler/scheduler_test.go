package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/store"
	memstore "github.com/hotmeshio/memflow/store/memory"
	"github.com/hotmeshio/memflow/stream"
	streammemory "github.com/hotmeshio/memflow/stream/memory"
)

func newScheduler(t *testing.T) (*Scheduler, store.Store, stream.Bus, store.JobKey) {
	t.Helper()
	st := memstore.New()
	bus := streammemory.New()
	key := store.JobKey{Namespace: "ns", AppID: "app", JobID: "wf1"}
	jrnl := journal.New(st, key)
	return New(st, bus, key, jrnl), st, bus, key
}

func TestSleepForSuspendsThenResolvesAfterDeadline(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newScheduler(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	suspended, err := s.SleepFor(ctx, "", 0, 10*time.Second, start)
	if err != nil || !suspended {
		t.Fatalf("first evaluation should suspend: suspended=%v err=%v", suspended, err)
	}

	// Replaying before the deadline must still suspend.
	suspended, err = s.SleepFor(ctx, "", 0, 10*time.Second, start.Add(5*time.Second))
	if err != nil || !suspended {
		t.Fatalf("replay before deadline should still suspend: suspended=%v err=%v", suspended, err)
	}

	// Replaying after the deadline resolves without suspension.
	suspended, err = s.SleepFor(ctx, "", 0, 10*time.Second, start.Add(11*time.Second))
	if err != nil || suspended {
		t.Fatalf("replay after deadline should resolve: suspended=%v err=%v", suspended, err)
	}
}

func TestWaitForThenSignalResumes(t *testing.T) {
	ctx := context.Background()
	s, _, bus, key := newScheduler(t)
	now := time.Now()

	suspended, payload, err := s.WaitFor(ctx, "", 0, "sig-1", 0, now)
	if err != nil || !suspended || payload != nil {
		t.Fatalf("expected parked wait: suspended=%v payload=%v err=%v", suspended, payload, err)
	}

	sigPayload, _ := json.Marshal(map[string]any{"ok": true})
	if err := s.Signal(ctx, "sig-1", sigPayload, now); err != nil {
		t.Fatalf("signal: %v", err)
	}

	msgs, err := bus.Consume(ctx, key.JobID+":", stream.GroupEngine, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one resume message, got %d, err=%v", len(msgs), err)
	}
	var resume ResumeMessage
	json.Unmarshal(msgs[0].Body, &resume)
	if resume.Kind != "signal" || resume.ExecIndex != 0 {
		t.Fatalf("unexpected resume message: %+v", resume)
	}

	// After the resume's journal entry lands, re-evaluating WaitFor resolves.
	suspended, payload, err = s.WaitFor(ctx, "", 0, "sig-1", 0, now)
	if err != nil || suspended {
		t.Fatalf("expected resolved wait after signal delivery: suspended=%v err=%v", suspended, err)
	}
	var got map[string]any
	json.Unmarshal(payload, &got)
	if got["ok"] != true {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestSignalBeforeWaitForIsHonoredImmediately(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newScheduler(t)
	now := time.Now()

	sigPayload, _ := json.Marshal("early")
	if err := s.Signal(ctx, "sig-early", sigPayload, now); err != nil {
		t.Fatalf("signal: %v", err)
	}

	suspended, payload, err := s.WaitFor(ctx, "", 0, "sig-early", 0, now)
	if err != nil || suspended {
		t.Fatalf("signal-aliveness violated: suspended=%v err=%v", suspended, err)
	}
	var got string
	json.Unmarshal(payload, &got)
	if got != "early" {
		t.Fatalf("expected early payload, got %q", got)
	}
}

func TestTickFiresOnlyAfterDeadline(t *testing.T) {
	ctx := context.Background()
	s, _, bus, key := newScheduler(t)
	now := time.Now()
	rec := TimerRecord{Dimension: "", ExecIndex: 0, DeadlineUnix: now.Add(time.Second).Unix()}

	fired, err := s.Tick(ctx, rec, now)
	if err != nil || fired {
		t.Fatalf("should not fire before deadline: fired=%v err=%v", fired, err)
	}
	fired, err = s.Tick(ctx, rec, now.Add(2*time.Second))
	if err != nil || !fired {
		t.Fatalf("should fire after deadline: fired=%v err=%v", fired, err)
	}
	msgs, _ := bus.Consume(ctx, key.JobID+":", stream.GroupEngine, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if len(msgs) != 1 {
		t.Fatalf("expected one resume message, got %d", len(msgs))
	}
}

func TestNextCronDelay(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	d, err := NextCronDelay("* * * * *", from, 5)
	if err != nil {
		t.Fatalf("NextCronDelay: %v", err)
	}
	if d <= 0 || d > time.Minute {
		t.Fatalf("unexpected delay %v", d)
	}
}
