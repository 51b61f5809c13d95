// Package redis implements store.Store on top of Redis hashes, grounded on
// the teacher's pooled-client wrapper pattern. Jobs live at
// "{namespace}:{appId}:j:{jobId}" as a hash of core fields; JobAttributes
// live in a sibling hash "{jobKey}:attrs" of field -> "type\x1fvalue".
// Transact uses a redis.Pipeliner so the leg-1 commit (state write + status
// update + outbound publish) round-trips once.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/hotmeshio/memflow/store"
)

const attrSep = "\x1f"

// Options configures the Redis-backed store.
type Options struct {
	// Client is the Redis connection. Transaction.Publish is applied as an
	// XADD in the same pipeline as the queued writes, in one round trip.
	Client *redis.Client
}

// Store implements store.Store against a redis.Client.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing *redis.Client as a store.Store.
func New(opts Options) *Store {
	return &Store{rdb: opts.Client}
}

func jobHashKey(key store.JobKey) string  { return key.String() }
func attrsHashKey(key store.JobKey) string { return key.String() + ":attrs" }

func encodeAttr(value string, typ store.AttrType) string {
	return string(typ) + attrSep + value
}

func decodeAttr(s string) (value string, typ store.AttrType) {
	parts := strings.SplitN(s, attrSep, 2)
	if len(parts) != 2 {
		return s, store.AttrOther
	}
	return parts[1], store.AttrType(parts[0])
}

func jobToFields(j *store.Job) map[string]interface{} {
	return map[string]interface{}{
		"jobId":      j.JobID,
		"appId":      j.AppID,
		"entityType": j.EntityType,
		"status":     j.Status,
		"version":    j.Version,
		"expireAt":   j.ExpireAt,
		"prunedAt":   j.PrunedAt,
	}
}

func fieldsToJob(m map[string]string) *store.Job {
	status, _ := strconv.ParseInt(m["status"], 10, 64)
	version, _ := strconv.Atoi(m["version"])
	expireAt, _ := strconv.ParseInt(m["expireAt"], 10, 64)
	prunedAt, _ := strconv.ParseInt(m["prunedAt"], 10, 64)
	return &store.Job{
		JobID:      m["jobId"],
		AppID:      m["appId"],
		EntityType: m["entityType"],
		Status:     status,
		Version:    version,
		ExpireAt:   expireAt,
		PrunedAt:   prunedAt,
	}
}

func (s *Store) GetJob(ctx context.Context, key store.JobKey) (*store.Job, error) {
	m, err := s.rdb.HGetAll(ctx, jobHashKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: get job: %w", err)
	}
	if len(m) == 0 {
		return nil, store.ErrGetState
	}
	return fieldsToJob(m), nil
}

func (s *Store) SetJob(ctx context.Context, key store.JobKey, job *store.Job) error {
	if err := s.rdb.HSet(ctx, jobHashKey(key), jobToFields(job)).Err(); err != nil {
		return fmt.Errorf("redis store: set job: %w", err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key store.JobKey, field string) (string, store.AttrType, bool, error) {
	raw, err := s.rdb.HGet(ctx, attrsHashKey(key), field).Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("redis store: hget: %w", err)
	}
	value, typ := decodeAttr(raw)
	return value, typ, true, nil
}

func (s *Store) HGetAll(ctx context.Context, key store.JobKey) (map[string]store.Attribute, error) {
	m, err := s.rdb.HGetAll(ctx, attrsHashKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: hgetall: %w", err)
	}
	out := make(map[string]store.Attribute, len(m))
	for field, raw := range m {
		value, typ := decodeAttr(raw)
		out[field] = store.Attribute{Value: value, Type: typ}
	}
	return out, nil
}

func (s *Store) HSet(ctx context.Context, key store.JobKey, field, value string, typ store.AttrType) error {
	if err := s.rdb.HSet(ctx, attrsHashKey(key), field, encodeAttr(value, typ)).Err(); err != nil {
		return fmt.Errorf("redis store: hset: %w", err)
	}
	return nil
}

func (s *Store) HIncr(ctx context.Context, key store.JobKey, field string, delta int64) (int64, error) {
	// HIncrBy does not carry a type tag; encode it back with the status type
	// after the fact via a Lua-free two-step (acceptable: callers only
	// HIncr on status/adata counters, never on typed jdata/udata fields).
	existing, typ, ok, err := s.HGet(ctx, key, field)
	if err != nil {
		return 0, err
	}
	cur := int64(0)
	if ok {
		cur, _ = strconv.ParseInt(existing, 10, 64)
	} else {
		typ = store.AttrStatus
	}
	cur += delta
	if err := s.HSet(ctx, key, field, strconv.FormatInt(cur, 10), typ); err != nil {
		return 0, err
	}
	return cur, nil
}

func (s *Store) HStrip(ctx context.Context, key store.JobKey, keepHmark bool) (int, error) {
	attrs, err := s.HGetAll(ctx, key)
	if err != nil {
		return 0, err
	}
	var toDelete []string
	for field, attr := range attrs {
		if attr.Type.Durable() {
			continue
		}
		if keepHmark && attr.Type == store.AttrHmark {
			continue
		}
		toDelete = append(toDelete, field)
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := s.rdb.HDel(ctx, attrsHashKey(key), toDelete...).Err(); err != nil {
		return 0, fmt.Errorf("redis store: hstrip: %w", err)
	}
	return len(toDelete), nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// Transaction batches commands into a redis.Pipeliner, committed atomically
// (from the caller's perspective) in Exec via a single round trip.
type Transaction struct {
	rdb *redis.Client
	ops []func(pipe redis.Pipeliner) *redis.Cmd
	// publishes are applied in the same pipeline via XAdd.
	publishes []publishOp
}

type publishOp struct {
	stream string
	body   []byte
}

func (s *Store) Transact(_ context.Context) (store.Transaction, error) {
	return &Transaction{rdb: s.rdb}, nil
}

func (t *Transaction) SetJob(key store.JobKey, job *store.Job) store.Transaction {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) *redis.Cmd {
		pipe.HSet(context.Background(), jobHashKey(key), jobToFields(job))
		return nil
	})
	return t
}

func (t *Transaction) HSet(key store.JobKey, field, value string, typ store.AttrType) store.Transaction {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) *redis.Cmd {
		pipe.HSet(context.Background(), attrsHashKey(key), field, encodeAttr(value, typ))
		return nil
	})
	return t
}

func (t *Transaction) HIncr(key store.JobKey, field string, delta int64) store.Transaction {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) *redis.Cmd {
		// HIncrBy on a raw numeric mirror field; the type-tagged copy is
		// refreshed best-effort after Exec by callers that need it typed.
		pipe.HIncrBy(context.Background(), attrsHashKey(key), field+":n", delta)
		return nil
	})
	return t
}

func (t *Transaction) Publish(stream string, body []byte) store.Transaction {
	t.publishes = append(t.publishes, publishOp{stream: stream, body: body})
	return t
}

// Exec runs the queued commands in one MULTI/EXEC pipeline. The returned
// slice holds a nil entry for every command, HIncr included.
func (t *Transaction) Exec(ctx context.Context) ([]any, error) {
	pipe := t.rdb.TxPipeline()
	for _, op := range t.ops {
		op(pipe)
	}
	for _, p := range t.publishes {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]interface{}{"body": p.body},
		})
	}
	cmds, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis store: transact exec: %w", err)
	}
	results := make([]any, len(cmds))
	return results, nil
}

func (t *Transaction) Discard() { t.ops = nil; t.publishes = nil }
