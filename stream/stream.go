// Package stream defines the ordered, at-least-once message bus that
// carries work between engine and worker processes, with reservation
// semantics standing in for a distributed lock.
package stream

import (
	"context"
	"strings"
	"time"
)

// Group identifies which role's streams a message belongs to.
type Group string

const (
	GroupEngine Group = "ENGINE"
	GroupWorker Group = "WORKER"
)

// IsEngineStream reports whether name follows the engine-stream convention
// (trailing colon), per the External Interfaces "stream key convention".
func IsEngineStream(name string) bool { return strings.HasSuffix(name, ":") }

// GroupOf returns the Group implied by a stream's name convention.
func GroupOf(name string) Group {
	if IsEngineStream(name) {
		return GroupEngine
	}
	return GroupWorker
}

// Message is one entry on a stream.
type Message struct {
	ID                 string
	Stream             string
	Body               []byte
	ReservedAt         time.Time
	ReservedBy         string
	RetryAttempts      int
	BackoffCoefficient float64
	MaxInterval        time.Duration
	// VisibleAt is the earliest time Consume may hand this message to a
	// consumer. Zero means visible immediately. Set from PublishOptions.Delay
	// by backends that support delayed visibility, to pace retry backoff
	// without relying on the reservation timeout alone.
	VisibleAt time.Time
}

// PublishOptions configures an outbound Publish call.
type PublishOptions struct {
	BackoffCoefficient float64
	MaxInterval        time.Duration
	// Delay postpones a message's visibility to Consume by this duration,
	// used to pace computed retry backoff (see retrypolicy.Policy.NextDelay)
	// instead of republishing immediately and relying solely on the
	// reservation timeout to throttle redelivery.
	Delay time.Duration
}

// ConsumeOptions configures a Consume call.
type ConsumeOptions struct {
	BatchSize          int
	ReservationTimeout time.Duration
}

// TrimOptions bounds a stream's retained history.
type TrimOptions struct {
	MaxLen int64
	MaxAge time.Duration
}

// Bus is the ordered, at-least-once message bus. Implementations must
// guarantee FIFO delivery per stream and make a message invisible to other
// consumers while reserved, re-delivering it once the reservation's TTL
// passes without an Ack.
type Bus interface {
	// Publish appends bodies to stream, returning their assigned ids.
	Publish(ctx context.Context, stream string, bodies [][]byte, opts PublishOptions) ([]string, error)

	// Consume claims up to opts.BatchSize undelivered or expired-reservation
	// messages from stream under group/consumerName, atomically marking them
	// reserved.
	Consume(ctx context.Context, stream string, group Group, consumerName string, opts ConsumeOptions) ([]Message, error)

	// AckAndDelete permanently removes the given message ids from stream
	// after successful handling.
	AckAndDelete(ctx context.Context, stream string, ids ...string) error

	// Trim bounds stream's retained history per opts.
	Trim(ctx context.Context, stream string, opts TrimOptions) error

	// Depth returns the number of undelivered (non-reserved, non-acked)
	// messages on stream.
	Depth(ctx context.Context, stream string) (int64, error)

	// DeleteStream removes stream and all its messages entirely.
	DeleteStream(ctx context.Context, stream string) error

	// Close releases any pooled resources held by the bus.
	Close() error
}
