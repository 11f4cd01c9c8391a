package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// collection is the slice of the driver collection the store uses. Tests
// implement it in memory; production wraps *mongo.Collection.
type collection interface {
	Find(ctx context.Context, filter any) (cursor, error)
	InsertOne(ctx context.Context, doc any) error
	FindOneAndUpdate(ctx context.Context, filter, update any, upsert bool) singleResult
	UpdateMany(ctx context.Context, filter, update any) (int64, error)
	CountDocuments(ctx context.Context, filter any) (int64, error)
	DeleteMany(ctx context.Context, filter any) (int64, error)
	EnsureIndex(ctx context.Context, keys bson.D, unique bool) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

type singleResult interface {
	Decode(v any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any) (cursor, error) {
	return c.coll.Find(ctx, filter)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, upsert bool) singleResult {
	opts := options.FindOneAndUpdate().
		SetUpsert(upsert).
		SetReturnDocument(options.After)
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter, update any) (int64, error) {
	res, err := c.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any) (int64, error) {
	return c.coll.CountDocuments(ctx, filter)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) EnsureIndex(ctx context.Context, keys bson.D, unique bool) error {
	model := mongodriver.IndexModel{Keys: keys}
	if unique {
		model.Options = options.Index().SetUnique(true)
	}
	_, err := c.coll.Indexes().CreateOne(ctx, model)
	return err
}
