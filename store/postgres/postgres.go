// Package postgres implements store.Store against github.com/jackc/pgx/v5,
// over the schema in migrations/ (applied with github.com/pressly/goose/v3).
// Transact maps to a single pgx.Tx; Transaction.Publish inserts a row into
// this schema's streams table inside that transaction. No stream.Bus in
// this module consumes that table.
package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hotmeshio/memflow/idgen"
	"github.com/hotmeshio/memflow/store"
)

// Options configures the Postgres-backed store.
type Options struct {
	Pool *pgxpool.Pool
	// AppID is sanitized via idgen.SafeName to derive the schema namespace
	// each job's tables live under.
	AppID string
}

// Store implements store.Store against one appId-scoped Postgres schema.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

// New wraps an existing *pgxpool.Pool as a store.Store, scoped to the
// schema derived from opts.AppID.
func New(opts Options) *Store {
	return &Store{pool: opts.Pool, schema: idgen.SafeName(opts.AppID)}
}

func (s *Store) jobsTable() string       { return pgx.Identifier{s.schema, "jobs"}.Sanitize() }
func (s *Store) attrsTable() string      { return pgx.Identifier{s.schema, "jobs_attributes"}.Sanitize() }

func (s *Store) GetJob(ctx context.Context, key store.JobKey) (*store.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT id, key, status, entity, expired_at, pruned_at FROM %s WHERE id=$1`, s.jobsTable()),
		key.JobID)
	var (
		id, appKey, entity string
		status             int64
		expireAt, prunedAt *int64
	)
	if err := row.Scan(&id, &appKey, &status, &entity, &expireAt, &prunedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrGetState
		}
		return nil, fmt.Errorf("postgres store: get job: %w", err)
	}
	job := &store.Job{JobID: id, AppID: key.AppID, EntityType: entity, Status: status}
	if expireAt != nil {
		job.ExpireAt = *expireAt
	}
	if prunedAt != nil {
		job.PrunedAt = *prunedAt
	}
	return job, nil
}

func (s *Store) SetJob(ctx context.Context, key store.JobKey, job *store.Job) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, key, status, entity, expired_at, pruned_at, is_live)
		VALUES ($1,$2,$3,$4,NULLIF($5,0),NULLIF($6,0),$7)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, entity=EXCLUDED.entity,
			expired_at=EXCLUDED.expired_at, pruned_at=EXCLUDED.pruned_at, is_live=EXCLUDED.is_live
	`, s.jobsTable()), key.JobID, key.JobID, job.Status, job.EntityType, job.ExpireAt, job.PrunedAt, job.Status != 0)
	if err != nil {
		return fmt.Errorf("postgres store: set job: %w", err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key store.JobKey, field string) (string, store.AttrType, bool, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT value, type FROM %s WHERE job_id=$1 AND field=$2`, s.attrsTable()), key.JobID, field)
	var value, typ string
	if err := row.Scan(&value, &typ); err != nil {
		if err == pgx.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("postgres store: hget: %w", err)
	}
	return value, store.AttrType(typ), true, nil
}

func (s *Store) HGetAll(ctx context.Context, key store.JobKey) (map[string]store.Attribute, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT field, value, type FROM %s WHERE job_id=$1`, s.attrsTable()), key.JobID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: hgetall: %w", err)
	}
	defer rows.Close()
	out := make(map[string]store.Attribute)
	for rows.Next() {
		var field, value, typ string
		if err := rows.Scan(&field, &value, &typ); err != nil {
			return nil, fmt.Errorf("postgres store: hgetall scan: %w", err)
		}
		out[field] = store.Attribute{Value: value, Type: store.AttrType(typ)}
	}
	return out, rows.Err()
}

func (s *Store) HSet(ctx context.Context, key store.JobKey, field, value string, typ store.AttrType) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_id, field, value, type) VALUES ($1,$2,$3,$4)
		ON CONFLICT (job_id, field) DO UPDATE SET value=EXCLUDED.value, type=EXCLUDED.type
	`, s.attrsTable()), key.JobID, field, value, string(typ))
	if err != nil {
		return fmt.Errorf("postgres store: hset: %w", err)
	}
	return nil
}

func (s *Store) HIncr(ctx context.Context, key store.JobKey, field string, delta int64) (int64, error) {
	var result int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_id, field, value, type) VALUES ($1,$2,$3,'status')
		ON CONFLICT (job_id, field) DO UPDATE SET value=(%s.value::bigint + $3::bigint)::text
		RETURNING value::bigint
	`, s.attrsTable(), s.attrsTable()), key.JobID, field, strconv.FormatInt(delta, 10)).Scan(&result)
	if err != nil {
		return 0, fmt.Errorf("postgres store: hincr: %w", err)
	}
	return result, nil
}

func (s *Store) HStrip(ctx context.Context, key store.JobKey, keepHmark bool) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE job_id=$1 AND type NOT IN ('jdata','udata','jmark')`, s.attrsTable())
	if keepHmark {
		query = fmt.Sprintf(`DELETE FROM %s WHERE job_id=$1 AND type NOT IN ('jdata','udata','jmark','hmark')`, s.attrsTable())
	}
	tag, err := s.pool.Exec(ctx, query, key.JobID)
	if err != nil {
		return 0, fmt.Errorf("postgres store: hstrip: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Transaction wraps a pgx.Tx so the leg-1 commit (state write + status
// update + outbound publish marker) applies as one database transaction.
type Transaction struct {
	pool *pgxpool.Pool
	s    *Store
	tx   pgx.Tx
	ops  []func(ctx context.Context, tx pgx.Tx) error
}

func (s *Store) Transact(ctx context.Context) (store.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: begin: %w", err)
	}
	return &Transaction{pool: s.pool, s: s, tx: tx}, nil
}

func (t *Transaction) SetJob(key store.JobKey, job *store.Job) store.Transaction {
	t.ops = append(t.ops, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, key, status, entity, expired_at, pruned_at, is_live)
			VALUES ($1,$2,$3,$4,NULLIF($5,0),NULLIF($6,0),$7)
			ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, entity=EXCLUDED.entity,
				expired_at=EXCLUDED.expired_at, pruned_at=EXCLUDED.pruned_at, is_live=EXCLUDED.is_live
		`, t.s.jobsTable()), key.JobID, key.JobID, job.Status, job.EntityType, job.ExpireAt, job.PrunedAt, job.Status != 0)
		return err
	})
	return t
}

func (t *Transaction) HSet(key store.JobKey, field, value string, typ store.AttrType) store.Transaction {
	t.ops = append(t.ops, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (job_id, field, value, type) VALUES ($1,$2,$3,$4)
			ON CONFLICT (job_id, field) DO UPDATE SET value=EXCLUDED.value, type=EXCLUDED.type
		`, t.s.attrsTable()), key.JobID, field, value, string(typ))
		return err
	})
	return t
}

func (t *Transaction) HIncr(key store.JobKey, field string, delta int64) store.Transaction {
	t.ops = append(t.ops, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (job_id, field, value, type) VALUES ($1,$2,$3,'status')
			ON CONFLICT (job_id, field) DO UPDATE SET value=(%s.value::bigint + $3::bigint)::text
		`, t.s.attrsTable(), t.s.attrsTable()), key.JobID, field, strconv.FormatInt(delta, 10))
		return err
	})
	return t
}

func (t *Transaction) Publish(streamName string, body []byte) store.Transaction {
	t.ops = append(t.ops, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (stream_name, group_name, message, created_at) VALUES ($1,'',$2, now())`,
			pgx.Identifier{t.s.schema, "streams"}.Sanitize()), streamName, body)
		return err
	})
	return t
}

// Exec applies the queued commands in the pgx.Tx and commits it. The
// returned slice holds a nil entry for every command, HIncr included.
func (t *Transaction) Exec(ctx context.Context) ([]any, error) {
	for _, op := range t.ops {
		if err := op(ctx, t.tx); err != nil {
			_ = t.tx.Rollback(ctx)
			return nil, fmt.Errorf("postgres store: transact exec: %w", err)
		}
	}
	if err := t.tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres store: commit: %w", err)
	}
	return make([]any, len(t.ops)), nil
}

func (t *Transaction) Discard() {
	_ = t.tx.Rollback(context.Background())
}
