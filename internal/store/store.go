// Package store defines the durable local storage used by the synchronization engine:
// a record cache and a queue of operations still to be applied remotely.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/offline_sync/internal/record"
)

// ErrStorage marks failures of the local durable store
var ErrStorage = errors.New("local storage failure")

// Wrap annotates err as a storage failure
func Wrap(err error, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, action, err)
}

// Operation is the kind of change a pending operation represents
type Operation string

const (
	// OpCreate creates a record remotely
	OpCreate Operation = "create"
	// OpUpdate updates a record remotely
	OpUpdate Operation = "update"
	// OpDelete deletes a record remotely
	OpDelete Operation = "delete"
)

// CacheEntry is a locally cached record
type CacheEntry struct {
	Collection string
	ID         string
	Data       record.Document
	Timestamp  int64 // epoch milliseconds of the cache write
}

// PendingOperation is a queued change waiting for confirmation from the remote store
type PendingOperation struct {
	ID         string
	Operation  Operation
	Collection string
	RecordID   string
	Data       record.Document
	Timestamp  int64 // epoch milliseconds of the enqueue
	RetryCount int
}

// Store is the durable local storage. Implementations must make every operation safe to
// repeat: Put with the same data is a no-op in effect and Dequeue of an absent id succeeds.
type Store interface {
	Put(ctx context.Context, collection, id string, data record.Document) error
	Get(ctx context.Context, collection, id string) (record.Document, bool, error)
	Delete(ctx context.Context, collection, id string) error

	Enqueue(ctx context.Context, op PendingOperation) error
	// ListPending returns queued operations oldest first
	ListPending(ctx context.Context) ([]PendingOperation, error)
	Dequeue(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) error

	// PurgeOlderThan evicts cache entries older than maxAge; the queue is never purged
	PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int64, error)
	InvalidateCollection(ctx context.Context, collection string) (int64, error)

	Close() error
}

// Now returns the current time in epoch milliseconds
var Now = func() int64 {
	return time.Now().UnixMilli()
}
