package memory

import (
	"context"
	"testing"
	"time"

	"github.com/hotmeshio/memflow/stream"
)

func TestPublishConsumeAckLifecycle(t *testing.T) {
	ctx := context.Background()
	b := New()
	ids, err := b.Publish(ctx, "q", [][]byte{[]byte("a"), []byte("b")}, stream.PublishOptions{})
	if err != nil || len(ids) != 2 {
		t.Fatalf("publish: %d, %v", len(ids), err)
	}

	msgs, err := b.Consume(ctx, "q", stream.GroupWorker, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if err != nil || len(msgs) != 2 {
		t.Fatalf("consume: %d, %v", len(msgs), err)
	}

	if err := b.AckAndDelete(ctx, "q", msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := b.Depth(ctx, "q"); n != 0 {
		// msgs[1] remains reserved (not acked) so depth (undelivered) is 0
		t.Fatalf("expected depth 0 with one acked and one reserved, got %d", n)
	}
}

func TestConsumeDoesNotRedeliverWithinReservationWindow(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.Publish(ctx, "q", [][]byte{[]byte("a")}, stream.PublishOptions{})
	msgs1, _ := b.Consume(ctx, "q", stream.GroupWorker, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if len(msgs1) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs1))
	}
	msgs2, _ := b.Consume(ctx, "q", stream.GroupWorker, "c2", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Minute})
	if len(msgs2) != 0 {
		t.Fatalf("expected reserved message to stay invisible, got %d", len(msgs2))
	}
}

func TestConsumeRedeliversAfterReservationExpires(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.Publish(ctx, "q", [][]byte{[]byte("a")}, stream.PublishOptions{})
	msgs1, _ := b.Consume(ctx, "q", stream.GroupWorker, "c1", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Millisecond})
	if len(msgs1) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs1))
	}
	time.Sleep(5 * time.Millisecond)
	msgs2, _ := b.Consume(ctx, "q", stream.GroupWorker, "c2", stream.ConsumeOptions{BatchSize: 10, ReservationTimeout: time.Millisecond})
	if len(msgs2) != 1 {
		t.Fatalf("expected expired reservation to be reclaimed, got %d", len(msgs2))
	}
	if msgs2[0].RetryAttempts != 1 {
		t.Fatalf("expected RetryAttempts incremented on redelivery, got %d", msgs2[0].RetryAttempts)
	}
}

func TestTrimBoundsByMaxLen(t *testing.T) {
	ctx := context.Background()
	b := New()
	for i := 0; i < 5; i++ {
		b.Publish(ctx, "q", [][]byte{[]byte("x")}, stream.PublishOptions{})
	}
	if err := b.Trim(ctx, "q", stream.TrimOptions{MaxLen: 2}); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if n, _ := b.Depth(ctx, "q"); n != 2 {
		t.Fatalf("expected depth 2 after trim, got %d", n)
	}
}

func TestDeleteStreamRemovesEverything(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.Publish(ctx, "q", [][]byte{[]byte("a")}, stream.PublishOptions{})
	if err := b.DeleteStream(ctx, "q"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := b.Depth(ctx, "q"); n != 0 {
		t.Fatalf("expected depth 0 after delete, got %d", n)
	}
}
