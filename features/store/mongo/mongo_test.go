package mongo

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store"
)

type fakeCollection struct {
	docs    []bson.M
	indexes []bson.D
}

func (c *fakeCollection) Find(_ context.Context, filter any) (cursor, error) {
	var matched []bson.M
	for _, doc := range c.docs {
		if matches(doc, filter) {
			matched = append(matched, cloneDoc(doc))
		}
	}
	return &fakeCursor{docs: matched, pos: -1}, nil
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any) error {
	c.docs = append(c.docs, cloneDoc(doc.(bson.M)))
	return nil
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, filter, update any, upsert bool) singleResult {
	up := update.(bson.M)
	for i, doc := range c.docs {
		if !matches(doc, filter) {
			continue
		}
		if set, ok := up["$set"].(bson.M); ok {
			for k, v := range set {
				doc[k] = v
			}
		}
		c.docs[i] = doc
		return fakeSingleResult{doc: cloneDoc(doc)}
	}
	if !upsert {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	doc := bson.M{}
	for k, v := range filter.(bson.M) {
		doc[k] = v
	}
	if setOnInsert, ok := up["$setOnInsert"].(bson.M); ok {
		for k, v := range setOnInsert {
			doc[k] = v
		}
	}
	if set, ok := up["$set"].(bson.M); ok {
		for k, v := range set {
			doc[k] = v
		}
	}
	c.docs = append(c.docs, doc)
	return fakeSingleResult{doc: cloneDoc(doc)}
}

func (c *fakeCollection) UpdateMany(_ context.Context, filter, update any) (int64, error) {
	set, _ := update.(bson.M)["$set"].(bson.M)
	var n int64
	for i, doc := range c.docs {
		if !matches(doc, filter) {
			continue
		}
		for k, v := range set {
			doc[k] = v
		}
		c.docs[i] = doc
		n++
	}
	return n, nil
}

func (c *fakeCollection) CountDocuments(_ context.Context, filter any) (int64, error) {
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter any) (int64, error) {
	kept := c.docs[:0]
	var removed int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			removed++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return removed, nil
}

func (c *fakeCollection) EnsureIndex(_ context.Context, keys bson.D, _ bool) error {
	c.indexes = append(c.indexes, keys)
	return nil
}

type fakeCursor struct {
	docs []bson.M
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *fakeCursor) Decode(v any) error {
	*v.(*bson.M) = c.docs[c.pos]
	return nil
}

func (c *fakeCursor) Err() error               { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

type fakeSingleResult struct {
	doc bson.M
	err error
}

func (r fakeSingleResult) Decode(v any) error {
	if r.err != nil {
		return r.err
	}
	*v.(*bson.M) = r.doc
	return nil
}

func matches(doc bson.M, filter any) bool {
	for k, want := range filter.(bson.M) {
		got, ok := doc[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func newFakeStore() (*Store, map[string]*fakeCollection) {
	fakes := map[string]*fakeCollection{}
	s := &Store{collections: func(table string) collection {
		if _, ok := fakes[table]; !ok {
			fakes[table] = &fakeCollection{}
		}
		return fakes[table]
	}}
	return s, fakes
}

func TestInsertAndSelect(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, store.TableManDecisionEvents, store.Record{
		"id": "evt-1", "task_id": "task-1", "decision": "APPROVE",
	})
	require.NoError(t, err)
	_, err = s.Insert(ctx, store.TableManDecisionEvents, store.Record{
		"id": "evt-2", "task_id": "task-2", "decision": "DENY",
	})
	require.NoError(t, err)

	rows, err := s.Select(ctx, store.TableManDecisionEvents, store.Filters{"task_id": "task-1"}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "APPROVE", rows[0]["decision"])

	ids, err := s.Select(ctx, store.TableManDecisionEvents, nil, []string{"id"})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotContains(t, ids[0], "decision")
}

func TestSelectOneNotFound(t *testing.T) {
	s, _ := newFakeStore()
	_, err := s.SelectOne(context.Background(), store.TableManTasks, store.Filters{"id": "missing"}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertInsertOrGetKeepsExistingRow(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	first, err := s.Upsert(ctx, store.TableManTasks, store.Record{
		"id": "task-1", "tenant_id": "t1", "idempotency_key": "key-1", "status": "PENDING",
	}, []string{"tenant_id", "idempotency_key"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "task-1", first["id"])

	// The retry carries a fresh id; the stored row wins.
	again, err := s.Upsert(ctx, store.TableManTasks, store.Record{
		"id": "task-2", "tenant_id": "t1", "idempotency_key": "key-1", "status": "PENDING",
	}, []string{"tenant_id", "idempotency_key"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "task-1", again["id"])

	rows, err := s.Select(ctx, store.TableManTasks, nil, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestUpsertAppliesOnConflict(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	_, err := s.Upsert(ctx, store.TableManPolicies, store.Record{
		"tenant_id": "t1", "workflow_key": "", "policy_json": "v1", "version": 1,
	}, []string{"tenant_id", "workflow_key"}, nil)
	require.NoError(t, err)

	rec, err := s.Upsert(ctx, store.TableManPolicies, store.Record{
		"tenant_id": "t1", "workflow_key": "", "policy_json": "v2", "version": 2,
	}, []string{"tenant_id", "workflow_key"}, store.Updates{"policy_json": "v2", "version": 2})
	require.NoError(t, err)
	assert.Equal(t, "v2", rec["policy_json"])
	assert.EqualValues(t, 2, rec["version"])
}

func TestUpdateGate(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, store.TableManTasks, store.Record{"id": "task-1", "status": "PENDING"})
	require.NoError(t, err)

	rec, err := s.Update(ctx, store.TableManTasks,
		store.Filters{"id": "task-1", "status": "PENDING"},
		store.Updates{"status": "APPROVED"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "APPROVED", rec["status"])

	// The gate is closed now: the PENDING filter no longer matches.
	rec, err = s.Update(ctx, store.TableManTasks,
		store.Filters{"id": "task-1", "status": "PENDING"},
		store.Updates{"status": "DENIED"})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpdateManyMatchesReturnsNone(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := s.Insert(ctx, store.TableManTasks, store.Record{"id": id, "status": "PENDING"})
		require.NoError(t, err)
	}

	rec, err := s.Update(ctx, store.TableManTasks,
		store.Filters{"status": "PENDING"},
		store.Updates{"status": "EXPIRED"})
	require.NoError(t, err)
	assert.Nil(t, rec)

	rows, err := s.Select(ctx, store.TableManTasks, store.Filters{"status": "EXPIRED"}, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestDeleteReportsCount(t *testing.T) {
	s, _ := newFakeStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Insert(ctx, store.TableManDecisionEvents, store.Record{"id": id, "task_id": "task-1"})
		require.NoError(t, err)
	}
	n, err := s.Delete(ctx, store.TableManDecisionEvents, store.Filters{"task_id": "task-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEnsureIndexes(t *testing.T) {
	s, fakes := newFakeStore()
	require.NoError(t, s.EnsureIndexes(context.Background()))
	assert.Len(t, fakes[store.TableManTasks].indexes, 2)
	assert.Len(t, fakes[store.TableManPolicies].indexes, 1)
	assert.Len(t, fakes[store.TableManDecisionEvents].indexes, 1)
}

func TestFromDocumentDropsDriverID(t *testing.T) {
	rec := fromDocument(bson.M{"_id": "oid", "id": "task-1", "version": int32(3)})
	assert.NotContains(t, rec, "_id")
	assert.Equal(t, "task-1", rec["id"])
	assert.Equal(t, 3, rec["version"])
}
