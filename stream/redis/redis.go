// Package redis implements stream.Bus on Redis Streams: XADD for publish,
// consumer groups (XGROUP/XREADGROUP) mapping 1:1 to the spec's ENGINE/
// WORKER groups, XCLAIM/XAUTOCLAIM to make reservation-timeout redelivery
// visible to the caller as reservedAt/reservedBy, XACK+XDEL for
// ackAndDelete, and XTRIM for trim. Built directly on go-redis/v9, following
// the same thin Options{Redis,...}/Stream/Sink wrapper shape as
// goa.design/pulse/streaming, but without Pulse's higher-level sink.
// Consumed messages carry reservedAt (the time of this delivery) and
// reservedBy; RetryAttempts is not populated by this backend and stays 0.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hotmeshio/memflow/stream"
)

// Options configures the Redis-backed bus.
type Options struct {
	Client *goredis.Client
}

// Bus implements stream.Bus against Redis Streams.
type Bus struct {
	rdb *goredis.Client
}

// New wraps an existing *redis.Client as a stream.Bus.
func New(opts Options) *Bus {
	return &Bus{rdb: opts.Client}
}

const bodyField = "body"

// delayedSet and delayedItems name the sorted-set/hash pair backing delayed
// visibility: Streams has no native "not-before" delivery primitive, so a
// Delay'd publish parks in delayedItems (keyed by a per-stream sequence id)
// scored by its visibility deadline in delayedSet, and promoteDelayed moves
// due entries onto the real stream via XAdd at the top of every Consume.
func delayedSet(streamName string) string   { return streamName + ":delayed" }
func delayedItems(streamName string) string { return streamName + ":delayed:items" }

func (b *Bus) Publish(ctx context.Context, streamName string, bodies [][]byte, opts stream.PublishOptions) ([]string, error) {
	if opts.Delay > 0 {
		return b.publishDelayed(ctx, streamName, bodies, opts.Delay)
	}
	ids := make([]string, 0, len(bodies))
	for _, body := range bodies {
		id, err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamName,
			Values: map[string]interface{}{bodyField: body},
		}).Result()
		if err != nil {
			return ids, fmt.Errorf("redis stream: publish: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// publishDelayed stashes bodies in delayedItems/delayedSet instead of
// XAdd'ing them directly, so they stay invisible to Consume until
// promoteDelayed moves them onto the real stream at their deadline.
func (b *Bus) publishDelayed(ctx context.Context, streamName string, bodies [][]byte, delay time.Duration) ([]string, error) {
	set := delayedSet(streamName)
	items := delayedItems(streamName)
	visibleAt := float64(time.Now().Add(delay).UnixMilli())
	ids := make([]string, 0, len(bodies))
	for _, body := range bodies {
		seq, err := b.rdb.Incr(ctx, set+":seq").Result()
		if err != nil {
			return ids, fmt.Errorf("redis stream: delayed seq: %w", err)
		}
		id := fmt.Sprintf("delayed-%d", seq)
		if err := b.rdb.HSet(ctx, items, id, body).Err(); err != nil {
			return ids, fmt.Errorf("redis stream: stash delayed body: %w", err)
		}
		if err := b.rdb.ZAdd(ctx, set, goredis.Z{Score: visibleAt, Member: id}).Err(); err != nil {
			return ids, fmt.Errorf("redis stream: schedule delayed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// promoteDelayed moves every delayedSet entry whose deadline has passed onto
// the real stream via XAdd, making it visible to the next Consume call.
func (b *Bus) promoteDelayed(ctx context.Context, streamName string) error {
	set := delayedSet(streamName)
	items := delayedItems(streamName)
	due, err := b.rdb.ZRangeByScore(ctx, set, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().UnixMilli()),
	}).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("redis stream: scan delayed: %w", err)
	}
	for _, id := range due {
		body, err := b.rdb.HGet(ctx, items, id).Result()
		if err != nil {
			continue // already promoted by a racing consumer
		}
		if _, err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamName,
			Values: map[string]interface{}{bodyField: body},
		}).Result(); err != nil {
			return fmt.Errorf("redis stream: promote delayed: %w", err)
		}
		b.rdb.ZRem(ctx, set, id)
		b.rdb.HDel(ctx, items, id)
	}
	return nil
}

func (b *Bus) ensureGroup(ctx context.Context, streamName string, group stream.Group) error {
	err := b.rdb.XGroupCreateMkStream(ctx, streamName, string(group), "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

func (b *Bus) Consume(ctx context.Context, streamName string, group stream.Group, consumerName string, opts stream.ConsumeOptions) ([]stream.Message, error) {
	if err := b.promoteDelayed(ctx, streamName); err != nil {
		return nil, err
	}
	if err := b.ensureGroup(ctx, streamName, group); err != nil {
		return nil, fmt.Errorf("redis stream: ensure group: %w", err)
	}
	batch := int64(opts.BatchSize)
	if batch <= 0 {
		batch = 10
	}

	// First auto-claim anything whose reservation (idle time) has expired,
	// redelivering it as the same message id; the PEL's delivery counter is
	// not read, so RetryAttempts is left at 0.
	claimed, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   streamName,
		Group:    string(group),
		Consumer: consumerName,
		MinIdle:  opts.ReservationTimeout,
		Start:    "0-0",
		Count:    batch,
	}).Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("redis stream: autoclaim: %w", err)
	}

	msgs := make([]stream.Message, 0, len(claimed))
	for _, x := range claimed {
		msgs = append(msgs, toMessage(streamName, x, consumerName))
	}

	remaining := batch - int64(len(msgs))
	if remaining <= 0 {
		return msgs, nil
	}

	res, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    string(group),
		Consumer: consumerName,
		Streams:  []string{streamName, ">"},
		Count:    remaining,
		Block:    0,
	}).Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("redis stream: readgroup: %w", err)
	}
	for _, s := range res {
		for _, x := range s.Messages {
			msgs = append(msgs, toMessage(streamName, x, consumerName))
		}
	}
	return msgs, nil
}

func toMessage(streamName string, x goredis.XMessage, consumerName string) stream.Message {
	var body []byte
	if v, ok := x.Values[bodyField]; ok {
		switch t := v.(type) {
		case string:
			body = []byte(t)
		case []byte:
			body = t
		}
	}
	return stream.Message{
		ID:         x.ID,
		Stream:     streamName,
		Body:       body,
		ReservedAt: time.Now(),
		ReservedBy: consumerName,
	}
}

func (b *Bus) AckAndDelete(ctx context.Context, streamName string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, group := range []stream.Group{stream.GroupEngine, stream.GroupWorker} {
		// Ack is a no-op if ids were not claimed under this group; ignore
		// NOGROUP errors since a stream may only ever use one group.
		_ = b.rdb.XAck(ctx, streamName, string(group), ids...).Err()
	}
	if err := b.rdb.XDel(ctx, streamName, ids...).Err(); err != nil {
		return fmt.Errorf("redis stream: ack and delete: %w", err)
	}
	return nil
}

func (b *Bus) Trim(ctx context.Context, streamName string, opts stream.TrimOptions) error {
	if opts.MaxLen > 0 {
		if err := b.rdb.XTrimMaxLen(ctx, streamName, opts.MaxLen).Err(); err != nil {
			return fmt.Errorf("redis stream: trim maxlen: %w", err)
		}
	}
	if opts.MaxAge > 0 {
		minID := fmt.Sprintf("%d", time.Now().Add(-opts.MaxAge).UnixMilli())
		if err := b.rdb.XTrimMinID(ctx, streamName, minID).Err(); err != nil {
			return fmt.Errorf("redis stream: trim minid: %w", err)
		}
	}
	return nil
}

// Depth returns XLEN of the stream: every entry still on it, reserved or
// not. Delayed entries not yet promoted onto the stream are not counted.
func (b *Bus) Depth(ctx context.Context, streamName string) (int64, error) {
	n, err := b.rdb.XLen(ctx, streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("redis stream: depth: %w", err)
	}
	return n, nil
}

func (b *Bus) DeleteStream(ctx context.Context, streamName string) error {
	if err := b.rdb.Del(ctx, streamName).Err(); err != nil {
		return fmt.Errorf("redis stream: delete stream: %w", err)
	}
	return nil
}

func (b *Bus) Close() error { return b.rdb.Close() }
