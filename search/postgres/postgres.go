// Package postgres implements search.Index as SQL WHERE clauses against the
// jobs/jobs_attributes schema shared with store/postgres.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hotmeshio/memflow/idgen"
	"github.com/hotmeshio/memflow/search"
)

// Options configures the Postgres-backed index.
type Options struct {
	Pool  *pgxpool.Pool
	AppID string
}

// Index implements search.Index over one appId-scoped schema's
// jobs_attributes table, matching entity documents stored under the "doc"
// field by store/postgres's udata writes.
type Index struct {
	pool   *pgxpool.Pool
	schema string
}

// New wraps an existing *pgxpool.Pool as a search.Index.
func New(opts Options) *Index {
	return &Index{pool: opts.Pool, schema: idgen.SafeName(opts.AppID)}
}

func (i *Index) attrsTable() string { return pgx.Identifier{i.schema, "jobs_attributes"}.Sanitize() }
func (i *Index) jobsTable() string  { return pgx.Identifier{i.schema, "jobs"}.Sanitize() }

func (i *Index) entityFilter(entity string) (string, []any) {
	if entity == "" {
		return "1=1", nil
	}
	return fmt.Sprintf("j.entity = $%d", 1), []any{entity}
}

func (i *Index) Find(ctx context.Context, entity string, conditions []search.Condition, opts search.FindOptions) ([]search.Result, error) {
	clause, args := i.entityFilter(entity)
	query := fmt.Sprintf(`
		SELECT a.job_id, a.value FROM %s a JOIN %s j ON j.id = a.job_id
		WHERE a.field = 'doc' AND %s`, i.attrsTable(), i.jobsTable(), clause)
	for _, c := range conditions {
		args = append(args, fmt.Sprint(c.Value))
		query += fmt.Sprintf(` AND a.value::jsonb ->> '%s' = $%d`, c.Field, len(args))
	}
	query += applyPagination(opts, len(args))
	return i.run(ctx, query, args)
}

func (i *Index) FindByID(ctx context.Context, entity, id string) (*search.Result, bool, error) {
	clause, args := i.entityFilter(entity)
	args = append(args, id)
	query := fmt.Sprintf(`
		SELECT a.job_id, a.value FROM %s a JOIN %s j ON j.id = a.job_id
		WHERE a.field = 'doc' AND %s AND a.job_id = $%d`, i.attrsTable(), i.jobsTable(), clause, len(args))
	results, err := i.run(ctx, query, args)
	if err != nil || len(results) == 0 {
		return nil, false, err
	}
	return &results[0], true, nil
}

func (i *Index) FindByCondition(ctx context.Context, entity, field string, value any, op search.Op, opts search.FindOptions) ([]search.Result, error) {
	clause, args := i.entityFilter(entity)
	query := fmt.Sprintf(`
		SELECT a.job_id, a.value FROM %s a JOIN %s j ON j.id = a.job_id
		WHERE a.field = 'doc' AND %s`, i.attrsTable(), i.jobsTable(), clause)

	sqlOp, isLike, isIn, err := translateOp(op)
	if err != nil {
		return nil, err
	}
	switch {
	case isLike:
		args = append(args, fmt.Sprintf("%%%v%%", value))
		query += fmt.Sprintf(` AND a.value::jsonb ->> '%s' ILIKE $%d`, field, len(args))
	case isIn:
		values, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("search/postgres: IN requires a slice value")
		}
		strs := make([]string, len(values))
		for idx, v := range values {
			strs[idx] = fmt.Sprint(v)
		}
		args = append(args, strs)
		query += fmt.Sprintf(` AND a.value::jsonb ->> '%s' = ANY($%d)`, field, len(args))
	default:
		args = append(args, fmt.Sprint(value))
		query += fmt.Sprintf(` AND (a.value::jsonb ->> '%s')::text %s $%d::text`, field, sqlOp, len(args))
	}
	query += applyPagination(opts, len(args))
	return i.run(ctx, query, args)
}

func translateOp(op search.Op) (sqlOp string, isLike, isIn bool, err error) {
	switch op {
	case search.OpEq:
		return "=", false, false, nil
	case search.OpGt:
		return ">", false, false, nil
	case search.OpLt:
		return "<", false, false, nil
	case search.OpGte:
		return ">=", false, false, nil
	case search.OpLte:
		return "<=", false, false, nil
	case search.OpLike:
		return "", true, false, nil
	case search.OpIn:
		return "", false, true, nil
	default:
		return "", false, false, fmt.Errorf("search/postgres: unsupported operator %q", op)
	}
}

func applyPagination(opts search.FindOptions, argCount int) string {
	suffix := ""
	if opts.Limit > 0 {
		suffix += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		suffix += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	return suffix
}

func (i *Index) run(ctx context.Context, query string, args []any) ([]search.Result, error) {
	rows, err := i.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search/postgres: query: %w", err)
	}
	defer rows.Close()
	var results []search.Result
	for rows.Next() {
		var jobID, raw string
		if err := rows.Scan(&jobID, &raw); err != nil {
			return nil, fmt.Errorf("search/postgres: scan: %w", err)
		}
		results = append(results, search.Result{Key: jobID, Context: map[string]any{"doc": raw}})
	}
	return results, rows.Err()
}

// CreateIndex builds a GIN index on the jsonb-cast doc attribute value,
// hinted for array-field containment queries per the spec's createIndex
// contract.
func (i *Index) CreateIndex(ctx context.Context, entity, field string) error {
	idxName := fmt.Sprintf("idx_%s_doc_%s", i.schema, field)
	_, err := i.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN ((value::jsonb -> '%s')) WHERE field = 'doc'`,
		idxName, i.attrsTable(), field))
	if err != nil {
		return fmt.Errorf("search/postgres: create index: %w", err)
	}
	return nil
}
