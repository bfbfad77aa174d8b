// Package postgres implements store.Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offline_sync/internal/db"
	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
)

// Store keeps cache and queue in the record_cache and pending_operations tables
type Store struct {
	pool  db.PgxIface
	close func()
}

var _ store.Store = (*Store)(nil)

// New wraps an existing connection. closeFn, if not nil, is called by Close.
func New(pool db.PgxIface, closeFn func()) *Store {
	return &Store{pool: pool, close: closeFn}
}

// Open connects with retry, applies migrations and returns the store
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := db.NewWithRetry(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logrus.Info("Opened PostgreSQL store")
	return New(pool, pool.Close), nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// Put upserts a cache entry
func (s *Store) Put(ctx context.Context, collection, id string, data record.Document) error {
	raw, err := data.Marshal()
	if err != nil {
		return store.Wrap(err, "encoding cache entry")
	}
	query := `INSERT INTO record_cache (collection, id, data, ts)
			  VALUES ($1, $2, $3, $4)
			  ON CONFLICT (collection, id) DO UPDATE SET
			  data = EXCLUDED.data, ts = EXCLUDED.ts`
	_, err = s.pool.Exec(ctx, query, collection, id, string(raw), store.Now())
	return store.Wrap(err, "writing cache entry")
}

// Get returns a cached record
func (s *Store) Get(ctx context.Context, collection, id string) (record.Document, bool, error) {
	var raw []byte
	query := `SELECT data FROM record_cache WHERE collection = $1 AND id = $2`
	err := s.pool.QueryRow(ctx, query, collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.Wrap(err, "reading cache entry")
	}
	doc, err := record.Unmarshal(raw)
	if err != nil {
		return nil, false, store.Wrap(err, "decoding cache entry")
	}
	return doc, true, nil
}

// Delete removes a cached record
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM record_cache WHERE collection = $1 AND id = $2`, collection, id)
	return store.Wrap(err, "deleting cache entry")
}

// Enqueue durably appends an operation
func (s *Store) Enqueue(ctx context.Context, op store.PendingOperation) error {
	raw, err := op.Data.Marshal()
	if err != nil {
		return store.Wrap(err, "encoding pending operation")
	}
	query := `INSERT INTO pending_operations (id, operation, collection, record_id, data, ts, retry_count)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  ON CONFLICT (id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		op.ID, string(op.Operation), op.Collection, op.RecordID, string(raw), op.Timestamp, op.RetryCount)
	return store.Wrap(err, "enqueueing operation")
}

// ListPending returns queued operations oldest first
func (s *Store) ListPending(ctx context.Context) ([]store.PendingOperation, error) {
	query := `SELECT id, operation, collection, record_id, data, ts, retry_count
		FROM pending_operations
		ORDER BY ts ASC, seq ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, store.Wrap(err, "querying pending operations")
	}
	defer rows.Close()

	var ops []store.PendingOperation
	for rows.Next() {
		var op store.PendingOperation
		var operation string
		var raw []byte
		if err := rows.Scan(&op.ID, &operation, &op.Collection, &op.RecordID, &raw, &op.Timestamp, &op.RetryCount); err != nil {
			return nil, store.Wrap(err, "scanning pending operation")
		}
		op.Operation = store.Operation(operation)
		if op.Data, err = record.Unmarshal(raw); err != nil {
			return nil, store.Wrap(err, "decoding pending operation")
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, store.Wrap(err, "iterating pending operations")
	}
	return ops, nil
}

// Dequeue removes a confirmed operation
func (s *Store) Dequeue(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_operations WHERE id = $1`, id)
	return store.Wrap(err, "dequeueing operation")
}

// IncrementRetry bumps the retry counter of a queued operation
func (s *Store) IncrementRetry(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE pending_operations SET retry_count = retry_count + 1 WHERE id = $1`, id)
	return store.Wrap(err, "incrementing retry count")
}

// PurgeOlderThan evicts stale cache entries
func (s *Store) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM record_cache WHERE ts < $1`, store.Now()-maxAge.Milliseconds())
	if err != nil {
		return 0, store.Wrap(err, "purging cache")
	}
	return tag.RowsAffected(), nil
}

// InvalidateCollection drops every cache entry of a collection
func (s *Store) InvalidateCollection(ctx context.Context, collection string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM record_cache WHERE collection = $1`, collection)
	if err != nil {
		return 0, store.Wrap(err, "invalidating collection")
	}
	return tag.RowsAffected(), nil
}
