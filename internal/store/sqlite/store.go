// Package sqlite implements store.Store on a local SQLite file so that cache and queue
// survive restarts of the process.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
	"github.com/cybertec-postgresql/offline_sync/internal/store/sqlite/migrations"
)

const (
	dbFile   = "offline_sync.db"
	lockFile = "offline_sync.lock"
)

// ErrLocked is returned when another process owns the data directory
var ErrLocked = errors.New("data directory is locked by another process")

// Store is the SQLite-backed store
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the store in dataDir. Only one process may hold a data
// directory at a time.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".offline_sync")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dataDir)
	}

	dbPath := filepath.Join(dataDir, dbFile)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// a single connection serialises writers, which SQLite requires anyway
	db.SetMaxOpenConns(1)

	s := &Store{db: db, lock: lock, path: dbPath}
	if err := s.migrate(migrations.FS); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logrus.WithField("path", s.Path()).Info("Opened local SQLite store")
	return s, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database and releases the directory lock
func (s *Store) Close() error {
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	return nil
}

// Put upserts a cache entry
func (s *Store) Put(ctx context.Context, collection, id string, data record.Document) error {
	raw, err := data.Marshal()
	if err != nil {
		return store.Wrap(err, "encoding cache entry")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO record_cache (collection, id, data, ts) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, ts = excluded.ts`,
		collection, id, string(raw), store.Now())
	return store.Wrap(err, "writing cache entry")
}

// Get returns a cached record
func (s *Store) Get(ctx context.Context, collection, id string) (record.Document, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM record_cache WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.Wrap(err, "reading cache entry")
	}
	doc, err := record.Unmarshal([]byte(raw))
	if err != nil {
		return nil, false, store.Wrap(err, "decoding cache entry")
	}
	return doc, true, nil
}

// Delete removes a cached record
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM record_cache WHERE collection = ? AND id = ?`, collection, id)
	return store.Wrap(err, "deleting cache entry")
}

// Enqueue durably appends an operation
func (s *Store) Enqueue(ctx context.Context, op store.PendingOperation) error {
	raw, err := op.Data.Marshal()
	if err != nil {
		return store.Wrap(err, "encoding pending operation")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_operations (id, operation, collection, record_id, data, ts, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		op.ID, string(op.Operation), op.Collection, op.RecordID, string(raw), op.Timestamp, op.RetryCount)
	return store.Wrap(err, "enqueueing operation")
}

// ListPending returns queued operations oldest first
func (s *Store) ListPending(ctx context.Context) ([]store.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, collection, record_id, data, ts, retry_count
		FROM pending_operations
		ORDER BY ts ASC, seq ASC`)
	if err != nil {
		return nil, store.Wrap(err, "querying pending operations")
	}
	defer rows.Close()

	var ops []store.PendingOperation
	for rows.Next() {
		var op store.PendingOperation
		var operation, raw string
		if err := rows.Scan(&op.ID, &operation, &op.Collection, &op.RecordID, &raw, &op.Timestamp, &op.RetryCount); err != nil {
			return nil, store.Wrap(err, "scanning pending operation")
		}
		op.Operation = store.Operation(operation)
		if op.Data, err = record.Unmarshal([]byte(raw)); err != nil {
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	return store.Wrap(err, "dequeueing operation")
}

// IncrementRetry bumps the retry counter of a queued operation
func (s *Store) IncrementRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pending_operations SET retry_count = retry_count + 1 WHERE id = ?`, id)
	return store.Wrap(err, "incrementing retry count")
}

// PurgeOlderThan evicts stale cache entries
func (s *Store) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM record_cache WHERE ts < ?`, store.Now()-maxAge.Milliseconds())
	if err != nil {
		return 0, store.Wrap(err, "purging cache")
	}
	return res.RowsAffected()
}

// InvalidateCollection drops every cache entry of a collection
func (s *Store) InvalidateCollection(ctx context.Context, collection string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM record_cache WHERE collection = ?`, collection)
	if err != nil {
		return 0, store.Wrap(err, "invalidating collection")
	}
	return res.RowsAffected()
}
