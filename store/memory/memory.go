// Package memory provides an in-process, map-backed store.Store used by unit
// tests and single-process examples. It has no external dependency and is
// modeled on the teacher's in-memory test doubles: a mutex-guarded map
// standing in for a real backend, with behavior (not performance) as the
// porting target.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/hotmeshio/memflow/store"
)

type jobRecord struct {
	job   store.Job
	attrs map[string]store.Attribute
}

// Store implements store.Store entirely in local memory.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord

	// Publisher receives Transaction.Publish calls at commit time. Nil by
	// default, meaning published bodies are dropped; wired to a
	// stream.Bus-backed adapter by callers that need engine commits to also
	// enqueue outbound messages.
	Publisher func(ctx context.Context, stream string, body []byte) error
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{jobs: make(map[string]*jobRecord)}
}

func (s *Store) record(key store.JobKey, create bool) *jobRecord {
	k := key.String()
	rec, ok := s.jobs[k]
	if !ok {
		if !create {
			return nil
		}
		rec = &jobRecord{attrs: make(map[string]store.Attribute)}
		s.jobs[k] = rec
	}
	return rec
}

func (s *Store) GetJob(_ context.Context, key store.JobKey) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(key, false)
	if rec == nil {
		return nil, store.ErrGetState
	}
	j := rec.job
	return &j, nil
}

func (s *Store) SetJob(_ context.Context, key store.JobKey, job *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(key, true)
	rec.job = *job
	return nil
}

func (s *Store) HGet(_ context.Context, key store.JobKey, field string) (string, store.AttrType, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(key, false)
	if rec == nil {
		return "", "", false, nil
	}
	attr, ok := rec.attrs[field]
	if !ok {
		return "", "", false, nil
	}
	return attr.Value, attr.Type, true, nil
}

func (s *Store) HGetAll(_ context.Context, key store.JobKey) (map[string]store.Attribute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(key, false)
	out := make(map[string]store.Attribute)
	if rec == nil {
		return out, nil
	}
	for k, v := range rec.attrs {
		out[k] = v
	}
	return out, nil
}

func (s *Store) HSet(_ context.Context, key store.JobKey, field string, value string, typ store.AttrType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(key, true)
	rec.attrs[field] = store.Attribute{Value: value, Type: typ}
	return nil
}

func (s *Store) HIncr(_ context.Context, key store.JobKey, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(key, true)
	cur := int64(0)
	if attr, ok := rec.attrs[field]; ok {
		cur, _ = strconv.ParseInt(attr.Value, 10, 64)
	}
	cur += delta
	rec.attrs[field] = store.Attribute{Value: strconv.FormatInt(cur, 10), Type: store.AttrStatus}
	return cur, nil
}

func (s *Store) HStrip(_ context.Context, key store.JobKey, keepHmark bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(key, false)
	if rec == nil {
		return 0, nil
	}
	stripped := 0
	for field, attr := range rec.attrs {
		if attr.Type.Durable() {
			continue
		}
		if keepHmark && attr.Type == store.AttrHmark {
			continue
		}
		delete(rec.attrs, field)
		stripped++
	}
	return stripped, nil
}

func (s *Store) Close() error { return nil }

// Keys returns every job key currently held, sorted, for test assertions and
// the in-memory search backend.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the job and its attributes for the given raw
// key string (as produced by JobKey.String), used by the in-memory search
// backend to scan without re-deriving JobKey.
func (s *Store) Snapshot(rawKey string) (store.Job, map[string]store.Attribute, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[rawKey]
	if !ok {
		return store.Job{}, nil, false
	}
	attrs := make(map[string]store.Attribute, len(rec.attrs))
	for k, v := range rec.attrs {
		attrs[k] = v
	}
	return rec.job, attrs, true
}

type txnOp struct {
	kind  string
	key   store.JobKey
	job   *store.Job
	field string
	value string
	typ   store.AttrType
	delta int64

	stream string
	body   []byte
}

// Transaction is the in-memory implementation of store.Transaction: it
// queues operations and applies them all under one mutex hold in Exec,
// matching the "queue until exec()" contract every backend must honor.
type Transaction struct {
	s   *Store
	ctx context.Context
	ops []txnOp
}

func (s *Store) Transact(ctx context.Context) (store.Transaction, error) {
	return &Transaction{s: s, ctx: ctx}, nil
}

func (t *Transaction) SetJob(key store.JobKey, job *store.Job) store.Transaction {
	j := *job
	t.ops = append(t.ops, txnOp{kind: "setjob", key: key, job: &j})
	return t
}

func (t *Transaction) HSet(key store.JobKey, field, value string, typ store.AttrType) store.Transaction {
	t.ops = append(t.ops, txnOp{kind: "hset", key: key, field: field, value: value, typ: typ})
	return t
}

func (t *Transaction) HIncr(key store.JobKey, field string, delta int64) store.Transaction {
	t.ops = append(t.ops, txnOp{kind: "hincr", key: key, field: field, delta: delta})
	return t
}

func (t *Transaction) Publish(stream string, body []byte) store.Transaction {
	t.ops = append(t.ops, txnOp{kind: "publish", stream: stream, body: body})
	return t
}

func (t *Transaction) Exec(ctx context.Context) ([]any, error) {
	t.s.mu.Lock()
	results := make([]any, 0, len(t.ops))
	var pending []txnOp
	for _, op := range t.ops {
		switch op.kind {
		case "setjob":
			rec := t.s.record(op.key, true)
			rec.job = *op.job
			results = append(results, nil)
		case "hset":
			rec := t.s.record(op.key, true)
			rec.attrs[op.field] = store.Attribute{Value: op.value, Type: op.typ}
			results = append(results, nil)
		case "hincr":
			rec := t.s.record(op.key, true)
			cur := int64(0)
			if attr, ok := rec.attrs[op.field]; ok {
				cur, _ = strconv.ParseInt(attr.Value, 10, 64)
			}
			cur += op.delta
			rec.attrs[op.field] = store.Attribute{Value: strconv.FormatInt(cur, 10), Type: store.AttrStatus}
			results = append(results, cur)
		case "publish":
			pending = append(pending, op)
			results = append(results, nil)
		}
	}
	publisher := t.s.Publisher
	t.s.mu.Unlock()

	if publisher != nil {
		for _, op := range pending {
			if err := publisher(ctx, op.stream, op.body); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func (t *Transaction) Discard() { t.ops = nil }
