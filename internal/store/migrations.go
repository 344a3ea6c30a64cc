package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one versioned schema step. Up statements must be idempotent
// so a partially applied database can be repaired by re-running.
type Migration struct {
	Version int
	Name    string
	Up      string
}

var sqliteMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			CREATE TABLE IF NOT EXISTS streams (
				id TEXT PRIMARY KEY,
				channel_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				source_path TEXT NOT NULL,
				ingest_url TEXT NOT NULL DEFAULT '',
				stream_key TEXT NOT NULL DEFAULT '',
				loop_playback INTEGER NOT NULL DEFAULT 0,
				reencode INTEGER NOT NULL DEFAULT 0,
				thumbnail_path TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'offline',
				broadcast_id TEXT NOT NULL DEFAULT '',
				active_schedule_id TEXT NOT NULL DEFAULT '',
				scheduled_end DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);

			CREATE TABLE IF NOT EXISTS schedules (
				id TEXT PRIMARY KEY,
				stream_id TEXT NOT NULL,
				start_time DATETIME NOT NULL,
				duration_minutes INTEGER NOT NULL,
				recurring INTEGER NOT NULL DEFAULT 0,
				recurring_days TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				broadcast_status TEXT NOT NULL DEFAULT 'pending',
				broadcast_id TEXT NOT NULL DEFAULT '',
				broadcast_error TEXT NOT NULL DEFAULT '',
				privacy TEXT NOT NULL DEFAULT 'public',
				title TEXT NOT NULL DEFAULT '',
				thumbnail_path TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_schedules_stream_id ON schedules(stream_id);
			CREATE INDEX IF NOT EXISTS idx_schedules_status ON schedules(status);

			CREATE TABLE IF NOT EXISTS channel_credentials (
				id TEXT PRIMARY KEY,
				channel_id TEXT UNIQUE NOT NULL,
				client_id TEXT NOT NULL DEFAULT '',
				client_secret TEXT NOT NULL DEFAULT '',
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				token_expiry DATETIME,
				needs_reauth INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS stream_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				stream_id TEXT NOT NULL DEFAULT '',
				schedule_id TEXT NOT NULL DEFAULT '',
				event TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_stream_events_stream_id ON stream_events(stream_id);
		`,
	},
}

var postgresMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			CREATE TABLE IF NOT EXISTS streams (
				id TEXT PRIMARY KEY,
				channel_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				source_path TEXT NOT NULL,
				ingest_url TEXT NOT NULL DEFAULT '',
				stream_key TEXT NOT NULL DEFAULT '',
				loop_playback BOOLEAN NOT NULL DEFAULT FALSE,
				reencode BOOLEAN NOT NULL DEFAULT FALSE,
				thumbnail_path TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'offline',
				broadcast_id TEXT NOT NULL DEFAULT '',
				active_schedule_id TEXT NOT NULL DEFAULT '',
				scheduled_end TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);

			CREATE TABLE IF NOT EXISTS schedules (
				id TEXT PRIMARY KEY,
				stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
				start_time TIMESTAMPTZ NOT NULL,
				duration_minutes INTEGER NOT NULL,
				recurring BOOLEAN NOT NULL DEFAULT FALSE,
				recurring_days TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				broadcast_status TEXT NOT NULL DEFAULT 'pending',
				broadcast_id TEXT NOT NULL DEFAULT '',
				broadcast_error TEXT NOT NULL DEFAULT '',
				privacy TEXT NOT NULL DEFAULT 'public',
				title TEXT NOT NULL DEFAULT '',
				thumbnail_path TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_schedules_stream_id ON schedules(stream_id);
			CREATE INDEX IF NOT EXISTS idx_schedules_status ON schedules(status);

			CREATE TABLE IF NOT EXISTS channel_credentials (
				id TEXT PRIMARY KEY,
				channel_id TEXT UNIQUE NOT NULL,
				client_id TEXT NOT NULL DEFAULT '',
				client_secret TEXT NOT NULL DEFAULT '',
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				token_expiry TIMESTAMPTZ,
				needs_reauth BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at TIMESTAMPTZ NOT NULL
			);

			CREATE TABLE IF NOT EXISTS stream_events (
				id BIGSERIAL PRIMARY KEY,
				stream_id TEXT NOT NULL DEFAULT '',
				schedule_id TEXT NOT NULL DEFAULT '',
				event TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_stream_events_stream_id ON stream_events(stream_id);
		`,
	},
}

// migrateSQLite applies pending SQLite migrations inside transactions,
// recording each applied version in schema_migrations.
func migrateSQLite(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, migration := range sqliteMigrations {
		if migration.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", migration.Version, err)
		}
		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			migration.Version, migration.Name, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

// migratePostgres applies pending Postgres migrations through the pool.
func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, migration := range postgresMigrations {
		if migration.Version <= current {
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", migration.Version, err)
		}
		if _, err := tx.Exec(ctx, migration.Up); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)",
			migration.Version, migration.Name, time.Now().UTC(),
		); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}
