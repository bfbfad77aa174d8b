// Package memory provides an in-process implementation of store.Store.
// Contents do not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
)

type cacheKey struct {
	collection string
	id         string
}

type queued struct {
	op  store.PendingOperation
	seq int64
}

// Store keeps cache and queue in maps guarded by a mutex
type Store struct {
	mu    sync.RWMutex
	cache map[cacheKey]store.CacheEntry
	queue map[string]queued
	seq   int64
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		cache: make(map[cacheKey]store.CacheEntry),
		queue: make(map[string]queued),
	}
}

// Put upserts a cache entry
func (s *Store) Put(_ context.Context, collection, id string, data record.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cacheKey{collection, id}] = store.CacheEntry{
		Collection: collection,
		ID:         id,
		Data:       data.Clone(),
		Timestamp:  store.Now(),
	}
	return nil
}

// Get returns a cached record
func (s *Store) Get(_ context.Context, collection, id string) (record.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[cacheKey{collection, id}]
	if !ok {
		return nil, false, nil
	}
	return e.Data.Clone(), true, nil
}

// Delete removes a cached record
func (s *Store) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, cacheKey{collection, id})
	return nil
}

// Enqueue appends an operation; re-enqueueing the same id keeps the original position
func (s *Store) Enqueue(_ context.Context, op store.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[op.ID]; exists {
		return nil
	}
	s.seq++
	op.Data = op.Data.Clone()
	s.queue[op.ID] = queued{op: op, seq: s.seq}
	return nil
}

// ListPending returns operations ordered by timestamp then insertion
func (s *Store) ListPending(_ context.Context) ([]store.PendingOperation, error) {
	s.mu.RLock()
	items := make([]queued, 0, len(s.queue))
	for _, q := range s.queue {
		items = append(items, q)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].op.Timestamp != items[j].op.Timestamp {
			return items[i].op.Timestamp < items[j].op.Timestamp
		}
		return items[i].seq < items[j].seq
	})
	ops := make([]store.PendingOperation, len(items))
	for i, q := range items {
		ops[i] = q.op
		ops[i].Data = q.op.Data.Clone()
	}
	return ops, nil
}

// Dequeue removes a confirmed operation
func (s *Store) Dequeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, id)
	return nil
}

// IncrementRetry bumps the retry counter of a queued operation
func (s *Store) IncrementRetry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queue[id]; ok {
		q.op.RetryCount++
		s.queue[id] = q
	}
	return nil
}

// PurgeOlderThan evicts stale cache entries
func (s *Store) PurgeOlderThan(_ context.Context, maxAge time.Duration) (int64, error) {
	cutoff := store.Now() - maxAge.Milliseconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.cache {
		if e.Timestamp < cutoff {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

// InvalidateCollection drops every cache entry of a collection
func (s *Store) InvalidateCollection(_ context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.cache {
		if k.collection == collection {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}
