// Package memory provides an in-process stream.Bus for single-process tests,
// backed by a slice per stream guarded by a mutex with reservation timeouts
// checked on Consume. It has no external dependency.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hotmeshio/memflow/stream"
)

type entry struct {
	msg     stream.Message
	deleted bool
}

// Bus implements stream.Bus entirely in local memory.
type Bus struct {
	mu      sync.Mutex
	streams map[string][]*entry
	seq     int64
}

// New returns an empty in-memory Bus.
func New() *Bus {
	return &Bus{streams: make(map[string][]*entry)}
}

func (b *Bus) nextID() string {
	n := atomic.AddInt64(&b.seq, 1)
	return fmt.Sprintf("%d-0", n)
}

func (b *Bus) Publish(_ context.Context, streamName string, bodies [][]byte, opts stream.PublishOptions) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(bodies))
	var visibleAt time.Time
	if opts.Delay > 0 {
		visibleAt = time.Now().Add(opts.Delay)
	}
	for _, body := range bodies {
		id := b.nextID()
		b.streams[streamName] = append(b.streams[streamName], &entry{msg: stream.Message{
			ID:                 id,
			Stream:             streamName,
			Body:               body,
			BackoffCoefficient: opts.BackoffCoefficient,
			MaxInterval:        opts.MaxInterval,
			VisibleAt:          visibleAt,
		}})
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Bus) Consume(_ context.Context, streamName string, _ stream.Group, consumerName string, opts stream.ConsumeOptions) ([]stream.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 10
	}
	now := time.Now()
	var claimed []stream.Message
	for _, e := range b.streams[streamName] {
		if len(claimed) >= batch {
			break
		}
		if e.deleted {
			continue
		}
		if !e.msg.VisibleAt.IsZero() && now.Before(e.msg.VisibleAt) {
			continue // delayed retry has not reached its visibility deadline yet
		}
		if !e.msg.ReservedAt.IsZero() && now.Sub(e.msg.ReservedAt) < opts.ReservationTimeout {
			continue // still reserved by someone else
		}
		if !e.msg.ReservedAt.IsZero() {
			e.msg.RetryAttempts++
		}
		e.msg.ReservedAt = now
		e.msg.ReservedBy = consumerName
		claimed = append(claimed, e.msg)
	}
	return claimed, nil
}

func (b *Bus) AckAndDelete(_ context.Context, streamName string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for _, e := range b.streams[streamName] {
		if idSet[e.msg.ID] {
			e.deleted = true
		}
	}
	return nil
}

func (b *Bus) Trim(_ context.Context, streamName string, opts stream.TrimOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.streams[streamName]
	if opts.MaxAge > 0 {
		cutoff := time.Now().Add(-opts.MaxAge)
		filtered := entries[:0]
		for _, e := range entries {
			if e.msg.ReservedAt.IsZero() || e.msg.ReservedAt.After(cutoff) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if opts.MaxLen > 0 && int64(len(entries)) > opts.MaxLen {
		entries = entries[int64(len(entries))-opts.MaxLen:]
	}
	b.streams[streamName] = entries
	return nil
}

func (b *Bus) Depth(_ context.Context, streamName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, e := range b.streams[streamName] {
		if !e.deleted && e.msg.ReservedAt.IsZero() {
			n++
		}
	}
	return n, nil
}

func (b *Bus) DeleteStream(_ context.Context, streamName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, streamName)
	return nil
}

func (b *Bus) Close() error { return nil }

// StreamNames returns every stream name currently known, sorted, for test
// assertions.
func (b *Bus) StreamNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.streams))
	for name := range b.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
