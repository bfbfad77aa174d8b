// Package storetest holds the behaviour every store.Store implementation must satisfy.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
)

// Factory returns a fresh, empty store
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores created by factory
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"PutGetDelete", testPutGetDelete},
		{"PutReplaces", testPutReplaces},
		{"QueueOrdering", testQueueOrdering},
		{"DequeueIsIdempotent", testDequeueIsIdempotent},
		{"IncrementRetry", testIncrementRetry},
		{"PurgeKeepsQueue", testPurgeKeepsQueue},
		{"InvalidateCollection", testInvalidateCollection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := factory(t)
			tt.fn(t, s)
		})
	}
}

func testPutGetDelete(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, found, err := s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.False(t, found)

	doc := record.Document{"id": "p1", "fileNumber": "2024-001", "updatedAt": float64(1)}
	require.NoError(t, s.Put(ctx, "patients", "p1", doc))
	require.NoError(t, s.Put(ctx, "patients", "p1", doc))

	got, found, err := s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2024-001", got["fileNumber"])

	_, found, err = s.Get(ctx, "visits", "p1")
	require.NoError(t, err)
	assert.False(t, found, "collections are separate namespaces")

	require.NoError(t, s.Delete(ctx, "patients", "p1"))
	require.NoError(t, s.Delete(ctx, "patients", "p1"))
	_, found, err = s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.False(t, found)
}

func testPutReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "patients", "p1", record.Document{"id": "p1", "name": "a"}))
	require.NoError(t, s.Put(ctx, "patients", "p1", record.Document{"id": "p1", "name": "b"}))

	got, found, err := s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", got["name"])
}

func testQueueOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	ops := []store.PendingOperation{
		{ID: "op-3", Operation: store.OpUpdate, Collection: "patients", RecordID: "p1", Data: record.Document{"id": "p1"}, Timestamp: 300},
		{ID: "op-1", Operation: store.OpCreate, Collection: "patients", RecordID: "p1", Data: record.Document{"id": "p1"}, Timestamp: 100},
		{ID: "op-2", Operation: store.OpDelete, Collection: "visits", RecordID: "v1", Data: record.Document{"id": "v1"}, Timestamp: 200},
	}
	for _, op := range ops {
		require.NoError(t, s.Enqueue(ctx, op))
	}

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "op-1", pending[0].ID)
	assert.Equal(t, "op-2", pending[1].ID)
	assert.Equal(t, "op-3", pending[2].ID)

	assert.Equal(t, store.OpDelete, pending[1].Operation)
	assert.Equal(t, "visits", pending[1].Collection)
	assert.Equal(t, "v1", pending[1].RecordID)
	assert.Equal(t, int64(200), pending[1].Timestamp)
	assert.Equal(t, 0, pending[1].RetryCount)
	assert.Equal(t, "v1", pending[1].Data.ID())
}

func testDequeueIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, store.PendingOperation{
		ID: "op-1", Operation: store.OpCreate, Collection: "patients", RecordID: "p1",
		Data: record.Document{"id": "p1"}, Timestamp: 1,
	}))

	require.NoError(t, s.Dequeue(ctx, "op-1"))
	require.NoError(t, s.Dequeue(ctx, "op-1"))
	require.NoError(t, s.Dequeue(ctx, "never-enqueued"))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testIncrementRetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, store.PendingOperation{
		ID: "op-1", Operation: store.OpUpdate, Collection: "patients", RecordID: "p1",
		Data: record.Document{"id": "p1"}, Timestamp: 7,
	}))
	require.NoError(t, s.IncrementRetry(ctx, "op-1"))
	require.NoError(t, s.IncrementRetry(ctx, "op-1"))
	require.NoError(t, s.IncrementRetry(ctx, "missing"))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].RetryCount)
	assert.Equal(t, int64(7), pending[0].Timestamp, "timestamp is never rewritten")
}

func testPurgeKeepsQueue(t *testing.T, s store.Store) {
	ctx := context.Background()
	restore := store.Now
	defer func() { store.Now = restore }()

	base := time.Now().UnixMilli()
	store.Now = func() int64 { return base - time.Hour.Milliseconds() }
	require.NoError(t, s.Put(ctx, "patients", "old", record.Document{"id": "old"}))
	store.Now = func() int64 { return base }
	require.NoError(t, s.Put(ctx, "patients", "fresh", record.Document{"id": "fresh"}))
	require.NoError(t, s.Enqueue(ctx, store.PendingOperation{
		ID: "op-old", Operation: store.OpUpdate, Collection: "patients", RecordID: "old",
		Data: record.Document{"id": "old"}, Timestamp: base - 2*time.Hour.Milliseconds(),
	}))

	n, err := s.PurgeOlderThan(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, found, err := s.Get(ctx, "patients", "old")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Get(ctx, "patients", "fresh")
	require.NoError(t, err)
	assert.True(t, found)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func testInvalidateCollection(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "patients", "p1", record.Document{"id": "p1"}))
	require.NoError(t, s.Put(ctx, "patients", "p2", record.Document{"id": "p2"}))
	require.NoError(t, s.Put(ctx, "visits", "v1", record.Document{"id": "v1"}))

	n, err := s.InvalidateCollection(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, found, err := s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Get(ctx, "visits", "v1")
	require.NoError(t, err)
	assert.True(t, found)
}
