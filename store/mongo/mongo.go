// Package mongo implements store.Store against go.mongodb.org/mongo-driver/v2,
// collections "jobs" and "jobs_attributes". Transact maps to a Mongo client
// session (StartTransaction/CommitTransaction), so the queued state and
// status writes of a commit apply atomically or not at all.
// Transaction.Publish records nothing in this backend.
package mongo

import (
	"context"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/hotmeshio/memflow/store"
)

// Options configures the Mongo-backed store.
type Options struct {
	Client   *mongo.Client
	Database string
}

// Store implements store.Store against two Mongo collections: jobs and
// jobs_attributes.
type Store struct {
	client   *mongo.Client
	jobs     *mongo.Collection
	attrs    *mongo.Collection
}

// New wraps an existing *mongo.Client as a store.Store.
func New(opts Options) *Store {
	db := opts.Client.Database(opts.Database)
	return &Store{
		client: opts.Client,
		jobs:   db.Collection("jobs"),
		attrs:  db.Collection("jobs_attributes"),
	}
}

type jobDoc struct {
	ID         string `bson:"_id"`
	AppID      string `bson:"appId"`
	EntityType string `bson:"entityType"`
	Status     int64  `bson:"status"`
	Version    int    `bson:"version"`
	ExpireAt   int64  `bson:"expireAt"`
	PrunedAt   int64  `bson:"prunedAt"`
}

func jobID(key store.JobKey) string { return key.String() }

func (s *Store) GetJob(ctx context.Context, key store.JobKey) (*store.Job, error) {
	var doc jobDoc
	err := s.jobs.FindOne(ctx, bson.M{"_id": jobID(key)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, store.ErrGetState
	}
	if err != nil {
		return nil, fmt.Errorf("mongo store: get job: %w", err)
	}
	return &store.Job{
		JobID: key.JobID, AppID: doc.AppID, EntityType: doc.EntityType,
		Status: doc.Status, Version: doc.Version, ExpireAt: doc.ExpireAt, PrunedAt: doc.PrunedAt,
	}, nil
}

func (s *Store) SetJob(ctx context.Context, key store.JobKey, job *store.Job) error {
	doc := jobDoc{
		ID: jobID(key), AppID: job.AppID, EntityType: job.EntityType,
		Status: job.Status, Version: job.Version, ExpireAt: job.ExpireAt, PrunedAt: job.PrunedAt,
	}
	_, err := s.jobs.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo store: set job: %w", err)
	}
	return nil
}

type attrDoc struct {
	JobID string `bson:"jobId"`
	Field string `bson:"field"`
	Value string `bson:"value"`
	Type  string `bson:"type"`
}

func attrID(key store.JobKey, field string) string { return jobID(key) + "#" + field }

func (s *Store) HGet(ctx context.Context, key store.JobKey, field string) (string, store.AttrType, bool, error) {
	var doc attrDoc
	err := s.attrs.FindOne(ctx, bson.M{"_id": attrID(key, field)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("mongo store: hget: %w", err)
	}
	return doc.Value, store.AttrType(doc.Type), true, nil
}

func (s *Store) HGetAll(ctx context.Context, key store.JobKey) (map[string]store.Attribute, error) {
	cur, err := s.attrs.Find(ctx, bson.M{"jobId": jobID(key)})
	if err != nil {
		return nil, fmt.Errorf("mongo store: hgetall: %w", err)
	}
	defer cur.Close(ctx)
	out := make(map[string]store.Attribute)
	for cur.Next(ctx) {
		var doc attrDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo store: hgetall decode: %w", err)
		}
		out[doc.Field] = store.Attribute{Value: doc.Value, Type: store.AttrType(doc.Type)}
	}
	return out, cur.Err()
}

func (s *Store) HSet(ctx context.Context, key store.JobKey, field, value string, typ store.AttrType) error {
	doc := attrDoc{JobID: jobID(key), Field: field, Value: value, Type: string(typ)}
	_, err := s.attrs.ReplaceOne(ctx, bson.M{"_id": attrID(key, field)},
		bson.D{{Key: "_id", Value: attrID(key, field)}, {Key: "jobId", Value: doc.JobID}, {Key: "field", Value: doc.Field}, {Key: "value", Value: doc.Value}, {Key: "type", Value: doc.Type}},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo store: hset: %w", err)
	}
	return nil
}

func (s *Store) HIncr(ctx context.Context, key store.JobKey, field string, delta int64) (int64, error) {
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
		toDelete = append(toDelete, attrID(key, field))
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	res, err := s.attrs.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": toDelete}})
	if err != nil {
		return 0, fmt.Errorf("mongo store: hstrip: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// Transaction implements store.Transaction against a Mongo client session.
type Transaction struct {
	s       *Store
	ctx     context.Context
	session *mongo.Session
	ops     []func(sc context.Context) (any, error)
	publishes []func(ctx context.Context) error
}

func (s *Store) Transact(ctx context.Context) (store.Transaction, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongo store: start session: %w", err)
	}
	return &Transaction{s: s, ctx: ctx, session: session}, nil
}

func (t *Transaction) SetJob(key store.JobKey, job *store.Job) store.Transaction {
	t.ops = append(t.ops, func(sc context.Context) (any, error) {
		return nil, t.s.SetJob(sc, key, job)
	})
	return t
}

func (t *Transaction) HSet(key store.JobKey, field, value string, typ store.AttrType) store.Transaction {
	t.ops = append(t.ops, func(sc context.Context) (any, error) {
		return nil, t.s.HSet(sc, key, field, value, typ)
	})
	return t
}

func (t *Transaction) HIncr(key store.JobKey, field string, delta int64) store.Transaction {
	t.ops = append(t.ops, func(sc context.Context) (any, error) {
		return t.s.HIncr(sc, key, field, delta)
	})
	return t
}

func (t *Transaction) Publish(stream string, body []byte) store.Transaction {
	_ = stream
	_ = body
	// Outbound publishes are not persisted in Mongo; the caller's
	// engine/activity layer is responsible for publishing through
	// stream.Bus after a successful Exec, matching the redis backend's
	// pipeline-local XAdd being the exception rather than the rule.
	return t
}

func (t *Transaction) Exec(ctx context.Context) ([]any, error) {
	results, err := t.session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		out := make([]any, 0, len(t.ops))
		for _, op := range t.ops {
			r, err := op(sc)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	})
	t.session.EndSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("mongo store: transact exec: %w", err)
	}
	if out, ok := results.([]any); ok {
		return out, nil
	}
	return nil, nil
}

func (t *Transaction) Discard() {
	t.session.EndSession(t.ctx)
}
