// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package sqlite

import (
	"database/sql"

	migrate "github.com/rubenv/sql-migrate"
)

// migrationSource mirrors store/postgres/schema.go, adapted to
// SQLite's column-type affinities: no JSONB, no TIMESTAMPTZ, booleans
// stored as INTEGER. --no-db single-process runs use store/memory
// instead, so this schema exists for the --database sqlite:/// CLI
// surface (spec.md §6) rather than for embedded/no-db mode.
var migrationSource = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_initial",
			Up: []string{
				`CREATE TABLE client (
					id TEXT PRIMARY KEY,
					host TEXT NOT NULL,
					server_id TEXT NOT NULL,
					server_host TEXT NOT NULL,
					connected_at TEXT NOT NULL,
					disconnected_at TEXT,
					evicted INTEGER NOT NULL DEFAULT 0,
					heartbeat_seq INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE task (
					id TEXT PRIMARY KEY,
					args TEXT NOT NULL,
					submit_id TEXT NOT NULL,
					submit_host TEXT NOT NULL,
					submit_time TEXT NOT NULL,
					server_id TEXT,
					server_host TEXT,
					schedule_time TEXT,
					client_id TEXT,
					client_host TEXT,
					command TEXT,
					start_time TEXT,
					completion_time TEXT,
					exit_status INTEGER,
					outpath TEXT,
					errpath TEXT,
					attempt INTEGER NOT NULL DEFAULT 1,
					retried INTEGER NOT NULL DEFAULT 0,
					previous_id TEXT,
					next_id TEXT,
					waited REAL,
					duration REAL,
					tag TEXT NOT NULL DEFAULT '{}'
				)`,
				`CREATE INDEX task_schedule_time_idx ON task (schedule_time)`,
				`CREATE INDEX task_completion_time_idx ON task (completion_time)`,
				`CREATE INDEX task_client_id_idx ON task (client_id)`,
				`CREATE INDEX task_submit_time_idx ON task (submit_time)`,
			},
			Down: []string{
				`DROP TABLE task`,
				`DROP TABLE client`,
			},
		},
	},
}

// Upgrade brings db up to the latest schema version.
func Upgrade(db *sql.DB) error {
	_, err := migrate.Exec(db, "sqlite3", migrationSource, migrate.Up)
	return err
}

// Drop reverses every migration.
func Drop(db *sql.DB) error {
	_, err := migrate.Exec(db, "sqlite3", migrationSource, migrate.Down)
	return err
}
