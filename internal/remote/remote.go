// Package remote defines the remote document store consumed by the synchronization
// engine and provides its etcd implementation.
package remote

import (
	"context"
	"errors"

	"github.com/cybertec-postgresql/offline_sync/internal/record"
)

// ErrUnauthorized marks writes rejected by remote access control
var ErrUnauthorized = errors.New("remote store rejected the request")

// IsRetryable reports whether an error is worth retrying within the same drain
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, context.Canceled)
}

// ChangeKind describes an observed remote change
type ChangeKind string

const (
	// ChangePut means the record was created or updated
	ChangePut ChangeKind = "put"
	// ChangeDelete means the record was removed
	ChangeDelete ChangeKind = "delete"
	// ChangeReset means changes may have been missed and cached copies are suspect
	ChangeReset ChangeKind = "reset"
)

// Change is a remote modification observed by Listen
type Change struct {
	Kind       ChangeKind
	Collection string
	ID         string
	Data       record.Document
}

// Store is the remote document store. Write is an idempotent upsert and deleting an
// absent record succeeds.
type Store interface {
	Fetch(ctx context.Context, collection, id string) (record.Document, bool, error)
	Write(ctx context.Context, collection, id string, doc record.Document) error
	Delete(ctx context.Context, collection, id string) error
	Listen(ctx context.Context, collection string, onChange func(Change)) (unsubscribe func(), err error)
	Ping(ctx context.Context) error
}
