// Package mongo implements store.Store on MongoDB. Each table maps to a
// collection and each record to a document keyed by its own id column; the
// driver's _id stays internal. The exactly-one update gate is served by a
// count followed by an atomic FindOneAndUpdate on the same filter, so a
// concurrent writer flipping the row between the two reads as zero matches,
// never as a double apply.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store"
)

// DefaultDatabase is used when the caller does not name one.
const DefaultDatabase = "omnilink"

// Store implements store.Store over Mongo collections.
type Store struct {
	collections func(table string) collection
}

var _ store.Store = (*Store)(nil)

// Open connects a client and verifies the deployment is reachable.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return New(client, database), nil
}

// New wraps a connected client.
func New(client *mongodriver.Client, database string) *Store {
	if database == "" {
		database = DefaultDatabase
	}
	db := client.Database(database)
	return &Store{collections: func(table string) collection {
		return mongoCollection{coll: db.Collection(table)}
	}}
}

// EnsureIndexes creates the unique and lookup indexes the repositories
// lean on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	tasks := s.collections(store.TableManTasks)
	if err := tasks.EnsureIndex(ctx, bson.D{{Key: "tenant_id", Value: 1}, {Key: "idempotency_key", Value: 1}}, true); err != nil {
		return fmt.Errorf("index man_tasks: %w", err)
	}
	if err := tasks.EnsureIndex(ctx, bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}}, false); err != nil {
		return fmt.Errorf("index man_tasks status: %w", err)
	}
	policies := s.collections(store.TableManPolicies)
	if err := policies.EnsureIndex(ctx, bson.D{{Key: "tenant_id", Value: 1}, {Key: "workflow_key", Value: 1}}, true); err != nil {
		return fmt.Errorf("index man_policies: %w", err)
	}
	events := s.collections(store.TableManDecisionEvents)
	if err := events.EnsureIndex(ctx, bson.D{{Key: "task_id", Value: 1}}, false); err != nil {
		return fmt.Errorf("index man_decision_events: %w", err)
	}
	return nil
}

// Select implements store.Store.
func (s *Store) Select(ctx context.Context, table string, filters store.Filters, fields []string) ([]store.Record, error) {
	cur, err := s.collections(table).Find(ctx, toFilter(filters))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	defer cur.Close(ctx)

	var out []store.Record
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", table, err)
		}
		out = append(out, store.Project(fromDocument(doc), fields))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	return out, nil
}

// SelectOne implements store.Store.
func (s *Store) SelectOne(ctx context.Context, table string, filters store.Filters, fields []string) (store.Record, error) {
	rows, err := s.Select(ctx, table, filters, fields)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0], nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, table string, record store.Record) (store.Record, error) {
	if err := s.collections(table).InsertOne(ctx, toDocument(record)); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return store.Clone(record), nil
}

// Upsert implements store.Store. The conflict filter plus $setOnInsert makes
// the write an atomic insert-or-get; onConflict fields ride in $set.
func (s *Store) Upsert(ctx context.Context, table string, record store.Record, conflictColumns []string, onConflict store.Updates) (store.Record, error) {
	if len(conflictColumns) == 0 {
		return nil, fmt.Errorf("upsert %s: no conflict columns", table)
	}
	filter := bson.M{}
	skip := map[string]struct{}{}
	for _, col := range conflictColumns {
		filter[col] = record[col]
		skip[col] = struct{}{}
	}
	for col := range onConflict {
		skip[col] = struct{}{}
	}
	setOnInsert := bson.M{}
	for k, v := range record {
		if _, omit := skip[k]; !omit {
			setOnInsert[k] = v
		}
	}
	update := bson.M{"$setOnInsert": setOnInsert}
	if len(onConflict) > 0 {
		update["$set"] = bson.M(onConflict)
	}

	var doc bson.M
	err := s.collections(table).FindOneAndUpdate(ctx, filter, update, true).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", table, err)
	}
	return fromDocument(doc), nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, table string, filters store.Filters, updates store.Updates) (store.Record, error) {
	coll := s.collections(table)
	filter := toFilter(filters)
	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}
	set := bson.M{"$set": bson.M(updates)}
	if n > 1 {
		// Multiple matches: apply everywhere, return none.
		if _, err := coll.UpdateMany(ctx, filter, set); err != nil {
			return nil, fmt.Errorf("update %s: %w", table, err)
		}
		return nil, nil
	}
	if n == 0 {
		return nil, nil
	}

	var doc bson.M
	err = coll.FindOneAndUpdate(ctx, filter, set, false).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		// Lost the race to another writer; the gate closes.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return fromDocument(doc), nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, table string, filters store.Filters) (int, error) {
	n, err := s.collections(table).DeleteMany(ctx, toFilter(filters))
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return int(n), nil
}

func toFilter(filters store.Filters) bson.M {
	out := bson.M{}
	for k, v := range filters {
		out[k] = v
	}
	return out
}

func toDocument(record store.Record) bson.M {
	out := bson.M{}
	for k, v := range record {
		out[k] = v
	}
	return out
}

// fromDocument converts a decoded document back to a Record, dropping the
// driver's _id and widening bson integer types.
func fromDocument(doc bson.M) store.Record {
	out := make(store.Record, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		switch n := v.(type) {
		case int32:
			out[k] = int(n)
		case int64:
			out[k] = int(n)
		default:
			out[k] = v
		}
	}
	return out
}
