package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hotmeshio/memflow/retrypolicy"
	"github.com/hotmeshio/memflow/stream"
	streammemory "github.com/hotmeshio/memflow/stream/memory"
)

func TestDispatchAcksOnSuccess(t *testing.T) {
	ctx := context.Background()
	bus := streammemory.New()
	if _, err := bus.Publish(ctx, "q", [][]byte{[]byte("hi")}, stream.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := bus.Consume(ctx, "q", stream.GroupWorker, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("consume: %d, %v", len(msgs), err)
	}

	r := New(bus, func(ctx context.Context, msg stream.Message) error { return nil }, Options{Stream: "q", Group: stream.GroupWorker})
	r.dispatch(ctx, msgs[0])

	if n, _ := bus.Depth(ctx, "q"); n != 0 {
		t.Fatalf("expected message acked/removed, depth=%d", n)
	}
	// Depth excludes reserved messages, so also check that the message cannot
	// be reclaimed even with a zero reservation timeout: only an ack removes it.
	again, err := bus.Consume(ctx, "q", stream.GroupWorker, "c2", stream.ConsumeOptions{BatchSize: 10})
	if err != nil || len(again) != 0 {
		t.Fatalf("expected acked message gone, reclaimed %d, err=%v", len(again), err)
	}
}

func TestDispatchLeavesReservedOnTransientError(t *testing.T) {
	ctx := context.Background()
	bus := streammemory.New()
	bus.Publish(ctx, "q", [][]byte{[]byte("hi")}, stream.PublishOptions{})
	msgs, _ := bus.Consume(ctx, "q", stream.GroupWorker, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})

	r := New(bus, func(ctx context.Context, msg stream.Message) error {
		return errors.New("boom")
	}, Options{Stream: "q", Group: stream.GroupWorker})
	r.dispatch(ctx, msgs[0])

	// A reserved (not acked) message must not be immediately re-claimable.
	again, err := bus.Consume(ctx, "q", stream.GroupWorker, "c2", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected message to remain reserved, got %d reclaimed", len(again))
	}
}

func TestDispatchAcksOnSilentCollationError(t *testing.T) {
	ctx := context.Background()
	bus := streammemory.New()
	bus.Publish(ctx, "q", [][]byte{[]byte("hi")}, stream.PublishOptions{})
	msgs, _ := bus.Consume(ctx, "q", stream.GroupWorker, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})

	r := New(bus, func(ctx context.Context, msg stream.Message) error {
		return retrypolicy.New(retrypolicy.KindCollation, 0, errors.New("duplicate"))
	}, Options{Stream: "q", Group: stream.GroupWorker})
	r.dispatch(ctx, msgs[0])

	if n, _ := bus.Depth(ctx, "q"); n != 0 {
		t.Fatalf("expected silent error to ack the message, depth=%d", n)
	}
	again, err := bus.Consume(ctx, "q", stream.GroupWorker, "c2", stream.ConsumeOptions{BatchSize: 10})
	if err != nil || len(again) != 0 {
		t.Fatalf("expected acked message gone, reclaimed %d, err=%v", len(again), err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	bus := streammemory.New()
	r := New(bus, func(ctx context.Context, msg stream.Message) error { return nil }, Options{
		Stream: "q", Group: stream.GroupWorker, PollInterval: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
