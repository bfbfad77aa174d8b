// Package migrations contains database migration definitions and functionality for offline_sync.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// createTablesSQL creates the record cache and the pending operation queue
const createTablesSQL = `
-- Local copy of records, one row per (collection, id)
CREATE TABLE record_cache (
	collection text NOT NULL,
	id text NOT NULL,
	data jsonb NOT NULL,
	ts bigint NOT NULL,
	PRIMARY KEY(collection, id)
);

-- Changes waiting for confirmation from the remote store
CREATE TABLE pending_operations (
	seq bigserial,
	id text PRIMARY KEY,
	operation text NOT NULL CHECK (operation IN ('create', 'update', 'delete')),
	collection text NOT NULL,
	record_id text NOT NULL,
	data jsonb NOT NULL,
	ts bigint NOT NULL,
	retry_count integer NOT NULL DEFAULT 0
);

-- Performance indexes
CREATE INDEX idx_record_cache_ts ON record_cache(ts);
CREATE INDEX idx_pending_operations_order ON pending_operations(ts, seq);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	migratorErr      error
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName("offline_sync_migrations"),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
