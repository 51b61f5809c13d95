// Package router implements the per-role consume/dispatch loop: it consumes
// up to N messages from assigned streams, dispatches each by topic to the
// Engine (workflow steps) or a user activity handler (worker messages), and
// acks successful handling while leaving failures reserved for automatic
// redelivery. Polling is rate-limited with golang.org/x/time/rate to avoid
// busy-polling an empty stream, grounded in the teacher's one-loop-per-
// task-queue worker model.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/hotmeshio/memflow/retrypolicy"
	"github.com/hotmeshio/memflow/stream"
	"github.com/hotmeshio/memflow/telemetry"
)

// Handler processes one stream.Message. A nil return acks and deletes the
// message; a non-nil, non-silent return leaves it reserved for redelivery
// once its reservation times out.
type Handler func(ctx context.Context, msg stream.Message) error

// Options configures a Router loop.
type Options struct {
	Stream             string
	Group              stream.Group
	ConsumerName       string
	BatchSize          int
	ReservationTimeout time.Duration
	// PollInterval is the minimum spacing between Consume calls, enforced by
	// a token-bucket limiter (burst 1) before every Consume, so a queued
	// backlog is drained at most one batch per interval.
	PollInterval time.Duration
	// GracePeriod bounds how long Stop waits for in-flight handlers to
	// settle before returning.
	GracePeriod time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Router runs its handler against messages consumed from one stream
// under one consumer group, one loop instance per (role, stream) pair.
type Router struct {
	opts    Options
	bus     stream.Bus
	handler Handler

	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Router bound to bus, dispatching consumed messages to
// handler.
func New(bus stream.Bus, handler Handler, opts Options) *Router {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ReservationTimeout <= 0 {
		opts.ReservationTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	limit := rate.Every(opts.PollInterval)
	return &Router{
		opts:    opts,
		bus:     bus,
		handler: handler,
		limiter: rate.NewLimiter(limit, 1),
		done:    make(chan struct{}),
	}
}

// Run starts the consume/dispatch loop and blocks until ctx is cancelled or
// Stop is called. Messages are dispatched synchronously, so when it returns
// no handler started by this loop is still running; GracePeriod is not used
// by Run.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer close(r.done)

	for {
		if err := r.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("router: limiter: %w", err)
		}

		msgs, err := r.bus.Consume(ctx, r.opts.Stream, r.opts.Group, r.opts.ConsumerName, stream.ConsumeOptions{
			BatchSize:          r.opts.BatchSize,
			ReservationTimeout: r.opts.ReservationTimeout,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if r.opts.Logger != nil {
				r.opts.Logger.Error(ctx, "router: consume failed", "stream", r.opts.Stream, "error", err)
			}
			continue
		}

		for _, msg := range msgs {
			r.dispatch(ctx, msg)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg stream.Message) {
	err := r.handler(ctx, msg)
	if err == nil {
		if ackErr := r.bus.AckAndDelete(ctx, r.opts.Stream, msg.ID); ackErr != nil && r.opts.Logger != nil {
			r.opts.Logger.Error(ctx, "router: ack failed", "stream", r.opts.Stream, "id", msg.ID, "error", ackErr)
		}
		return
	}

	if rerr, ok := retrypolicy.As(err); ok && rerr.Kind.Silent() {
		// Collation/generational/inactive: the message is a benign
		// duplicate or stale replay — ack it so it is not redelivered.
		if ackErr := r.bus.AckAndDelete(ctx, r.opts.Stream, msg.ID); ackErr != nil && r.opts.Logger != nil {
			r.opts.Logger.Error(ctx, "router: ack failed", "stream", r.opts.Stream, "id", msg.ID, "error", ackErr)
		}
		return
	}

	// Any other error leaves the message reserved; it becomes redeliverable
	// once its reservation timeout elapses.
	if r.opts.Logger != nil {
		r.opts.Logger.Warn(ctx, "router: handler failed, leaving for redelivery", "stream", r.opts.Stream, "id", msg.ID, "error", err)
	}
}

// Stop requests the loop to halt and waits up to GracePeriod for it to
// return.
func (r *Router) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(r.opts.GracePeriod):
	}
}
