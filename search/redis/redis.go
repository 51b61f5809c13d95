// Package redis implements search.Index over Redis: equality/range lookups
// via secondary-index sorted sets populated by CreateIndex, LIKE via
// SCAN MATCH against the job-hash keyspace, and IN by merging the results
// of one equality lookup per value.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hotmeshio/memflow/search"
)

// Options configures the Redis-backed index.
type Options struct {
	Client    *goredis.Client
	Namespace string
}

// Index implements search.Index against a Redis client. Equality and range
// conditions are served by sorted sets named "{ns}:idx:{entity}:{field}",
// seeded by CreateIndex and filled by explicit Reindex calls; nothing in
// this module calls Reindex, so entity mutations do not update the index.
type Index struct {
	rdb *goredis.Client
	ns  string
}

// New wraps an existing *redis.Client as a search.Index.
func New(opts Options) *Index {
	return &Index{rdb: opts.Client, ns: opts.Namespace}
}

func (i *Index) indexKey(entity, field string) string {
	return fmt.Sprintf("%s:idx:%s:%s", i.ns, entity, field)
}

func (i *Index) jobKeyPattern(entity string) string {
	if entity == "" {
		return i.ns + ":*:j:*"
	}
	return fmt.Sprintf("%s:*:j:*:%s", i.ns, entity)
}

// Reindex adds/updates jobKey's score in the sorted-set index for
// (entity, field) based on value, keeping CreateIndex's structure current
// as entity documents mutate. It is not called automatically: the caller
// invokes it after a successful write when field participates in an index.
func (i *Index) Reindex(ctx context.Context, entity, field, jobKey string, value float64) error {
	return i.rdb.ZAdd(ctx, i.indexKey(entity, field), goredis.Z{Score: value, Member: jobKey}).Err()
}

func (i *Index) CreateIndex(ctx context.Context, entity, field string) error {
	// Sorted sets are created implicitly by the first ZAdd from Reindex;
	// CreateIndex only needs to ensure the key exists so range queries
	// against an as-yet-empty index don't error.
	return i.rdb.ZAddNX(ctx, i.indexKey(entity, field), goredis.Z{Score: 0, Member: "__seed__"}).Err()
}

func (i *Index) FindByCondition(ctx context.Context, entity, field string, value any, op search.Op, opts search.FindOptions) ([]search.Result, error) {
	key := i.indexKey(entity, field)
	switch op {
	case search.OpEq:
		score, err := toScore(value)
		if err != nil {
			return nil, err
		}
		members, err := i.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{Min: fmtScore(score), Max: fmtScore(score)}).Result()
		if err != nil {
			return nil, fmt.Errorf("search/redis: zrangebyscore eq: %w", err)
		}
		return i.hydrate(ctx, members, opts)
	case search.OpGt, search.OpGte, search.OpLt, search.OpLte:
		score, err := toScore(value)
		if err != nil {
			return nil, err
		}
		min, max := rangeBounds(op, score)
		members, err := i.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{Min: min, Max: max}).Result()
		if err != nil {
			return nil, fmt.Errorf("search/redis: zrangebyscore range: %w", err)
		}
		return i.hydrate(ctx, members, opts)
	case search.OpLike:
		pattern, _ := value.(string)
		return i.scanLike(ctx, entity, pattern, opts)
	case search.OpIn:
		values, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("search/redis: IN requires a slice value")
		}
		return i.union(ctx, entity, field, values, opts)
	default:
		return nil, fmt.Errorf("search/redis: unsupported operator %q", op)
	}
}

func (i *Index) Find(ctx context.Context, entity string, conditions []search.Condition, opts search.FindOptions) ([]search.Result, error) {
	if len(conditions) == 0 {
		return i.scanLike(ctx, entity, "", opts)
	}
	var keys []string
	for _, c := range conditions {
		keys = append(keys, i.indexKey(entity, c.Field))
	}
	dest := i.ns + ":tmp:intersect"
	weights := make([]float64, len(keys))
	for idx := range weights {
		weights[idx] = 1
	}
	if err := i.rdb.ZInterStore(ctx, dest, &goredis.ZStore{Keys: keys, Weights: weights}).Err(); err != nil {
		return nil, fmt.Errorf("search/redis: zinterstore: %w", err)
	}
	defer i.rdb.Del(ctx, dest)
	members, err := i.rdb.ZRange(ctx, dest, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("search/redis: zrange intersect: %w", err)
	}
	return i.hydrate(ctx, members, opts)
}

func (i *Index) FindByID(ctx context.Context, entity, id string) (*search.Result, bool, error) {
	pattern := fmt.Sprintf("%s:*:j:%s", i.ns, id)
	keys, _, err := i.rdb.Scan(ctx, 0, pattern, 1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("search/redis: scan by id: %w", err)
	}
	if len(keys) == 0 {
		return nil, false, nil
	}
	ctxMap, err := i.rdb.HGetAll(ctx, keys[0]+":attrs").Result()
	if err != nil {
		return nil, false, fmt.Errorf("search/redis: hgetall: %w", err)
	}
	return &search.Result{Key: keys[0], Context: toAnyMap(ctxMap)}, true, nil
}

func (i *Index) union(ctx context.Context, entity, field string, values []any, opts search.FindOptions) ([]search.Result, error) {
	var all []string
	seen := make(map[string]bool)
	for _, v := range values {
		res, err := i.FindByCondition(ctx, entity, field, v, search.OpEq, search.FindOptions{})
		if err != nil {
			return nil, err
		}
		for _, r := range res {
			if !seen[r.Key] {
				seen[r.Key] = true
				all = append(all, r.Key)
			}
		}
	}
	return i.hydrate(ctx, all, opts)
}

func (i *Index) scanLike(ctx context.Context, entity, pattern string, opts search.FindOptions) ([]search.Result, error) {
	var members []string
	var cursor uint64
	scanPattern := i.jobKeyPattern(entity)
	for {
		keys, next, err := i.rdb.Scan(ctx, cursor, scanPattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("search/redis: scan: %w", err)
		}
		for _, k := range keys {
			if pattern == "" || strings.Contains(k, strings.Trim(pattern, "%")) {
				members = append(members, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return i.hydrate(ctx, members, opts)
}

func (i *Index) hydrate(ctx context.Context, keys []string, opts search.FindOptions) ([]search.Result, error) {
	sort.Strings(keys)
	var filtered []string
	for _, k := range keys {
		if k == "__seed__" {
			continue
		}
		filtered = append(filtered, k)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[opts.Offset:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(filtered) {
		filtered = filtered[:opts.Limit]
	}
	results := make([]search.Result, 0, len(filtered))
	for _, k := range filtered {
		ctxMap, err := i.rdb.HGetAll(ctx, k+":attrs").Result()
		if err != nil {
			return nil, fmt.Errorf("search/redis: hydrate hgetall: %w", err)
		}
		results = append(results, search.Result{Key: k, Context: toAnyMap(ctxMap)})
	}
	return results, nil
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toScore(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err
	default:
		return 0, fmt.Errorf("search/redis: value %v is not numeric", v)
	}
}

func fmtScore(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func rangeBounds(op search.Op, score float64) (min, max string) {
	switch op {
	case search.OpGt:
		return fmt.Sprintf("(%s", fmtScore(score)), "+inf"
	case search.OpGte:
		return fmtScore(score), "+inf"
	case search.OpLt:
		return "-inf", fmt.Sprintf("(%s", fmtScore(score))
	default: // OpLte
		return "-inf", fmtScore(score)
	}
}
