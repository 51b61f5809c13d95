// Package mongo implements search.Index against MongoDB, grounded directly
// on the teacher's run-search repository: bson.M filter construction plus
// cursor-based pagination (there: buildSessionFilter/buildFailureFilter
// over session/failure records; here: a single generalized filter builder
// over arbitrary entity documents, with findByCondition operators mapped to
// $eq/$gt/$lt/$gte/$lte/$regex/$in).
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/hotmeshio/memflow/search"
)

// Options configures the Mongo-backed index.
type Options struct {
	Collection *mongo.Collection
}

// Index implements search.Index against one Mongo collection of entity
// documents, each stored as {_id, entity, key, context: {...fields}}.
type Index struct {
	coll *mongo.Collection
}

// New wraps an existing *mongo.Collection as a search.Index.
func New(opts Options) *Index {
	return &Index{coll: opts.Collection}
}

type storedDoc struct {
	Key     string         `bson:"key"`
	Entity  string         `bson:"entity"`
	Context map[string]any `bson:"context"`
}

func buildEntityFilter(entity string) bson.M {
	filter := bson.M{}
	if entity != "" {
		filter["entity"] = entity
	}
	return filter
}

// buildConditionFilter generalizes the teacher's buildSessionFilter/
// buildFailureFilter pattern: an equality conjunction over context.<field>.
func buildConditionFilter(entity string, conditions []search.Condition) bson.M {
	filter := buildEntityFilter(entity)
	for _, c := range conditions {
		filter["context."+c.Field] = c.Value
	}
	return filter
}

func buildOpFilter(entity, field string, value any, op search.Op) (bson.M, error) {
	filter := buildEntityFilter(entity)
	key := "context." + field
	switch op {
	case search.OpEq:
		filter[key] = value
	case search.OpGt:
		filter[key] = bson.M{"$gt": value}
	case search.OpLt:
		filter[key] = bson.M{"$lt": value}
	case search.OpGte:
		filter[key] = bson.M{"$gte": value}
	case search.OpLte:
		filter[key] = bson.M{"$lte": value}
	case search.OpLike:
		pattern, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("search/mongo: LIKE requires a string value")
		}
		filter[key] = bson.M{"$regex": pattern, "$options": "i"}
	case search.OpIn:
		filter[key] = bson.M{"$in": value}
	default:
		return nil, fmt.Errorf("search/mongo: unsupported operator %q", op)
	}
	return filter, nil
}

// cursorFind mirrors the teacher's cursor-pagination pattern: a Find with
// Skip/Limit substituting for the session/failure cursor's offset tracking.
func (i *Index) cursorFind(ctx context.Context, filter bson.M, opts search.FindOptions) ([]search.Result, error) {
	findOpts := options.Find()
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}
	cur, err := i.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("search/mongo: find: %w", err)
	}
	defer cur.Close(ctx)

	var results []search.Result
	for cur.Next(ctx) {
		var doc storedDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("search/mongo: decode: %w", err)
		}
		results = append(results, search.Result{Key: doc.Key, Context: doc.Context})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("search/mongo: cursor: %w", err)
	}
	return results, nil
}

func (i *Index) Find(ctx context.Context, entity string, conditions []search.Condition, opts search.FindOptions) ([]search.Result, error) {
	return i.cursorFind(ctx, buildConditionFilter(entity, conditions), opts)
}

func (i *Index) FindByID(ctx context.Context, entity, id string) (*search.Result, bool, error) {
	filter := buildEntityFilter(entity)
	filter["key"] = id
	var doc storedDoc
	err := i.coll.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("search/mongo: find by id: %w", err)
	}
	return &search.Result{Key: doc.Key, Context: doc.Context}, true, nil
}

func (i *Index) FindByCondition(ctx context.Context, entity, field string, value any, op search.Op, opts search.FindOptions) ([]search.Result, error) {
	filter, err := buildOpFilter(entity, field, value, op)
	if err != nil {
		return nil, err
	}
	return i.cursorFind(ctx, filter, opts)
}

// CreateIndex builds a Mongo index on context.<field>, scoped per entity
// type via a partial filter expression.
func (i *Index) CreateIndex(ctx context.Context, entity, field string) error {
	model := mongo.IndexModel{
		Keys: bson.D{{Key: "context." + field, Value: 1}},
	}
	if entity != "" {
		model.Options = options.Index().SetPartialFilterExpression(bson.M{"entity": entity})
	}
	_, err := i.coll.Indexes().CreateOne(ctx, model)
	if err != nil {
		return fmt.Errorf("search/mongo: create index: %w", err)
	}
	return nil
}
