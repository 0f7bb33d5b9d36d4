package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// migration 一个有序的 schema 变更
type migration struct {
	version  int
	name     string
	postgres []string
	sqlite   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "devices",
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS devices (
				id UUID PRIMARY KEY,
				node_id SMALLINT NOT NULL DEFAULT 0,
				poll_period_ms BIGINT NOT NULL DEFAULT 0,
				sensor_type SMALLINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				last_seen_at TIMESTAMPTZ
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_node_id ON devices (node_id) WHERE node_id <> 0`,
		},
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				node_id INTEGER NOT NULL DEFAULT 0,
				poll_period_ms INTEGER NOT NULL DEFAULT 0,
				sensor_type INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				last_seen_at TIMESTAMP
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_node_id ON devices (node_id) WHERE node_id <> 0`,
		},
	},
	{
		version: 2,
		name:    "event_logs",
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS event_logs (
				id UUID PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL,
				device_id UUID,
				node_id SMALLINT,
				type TEXT NOT NULL,
				level TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				details JSONB
			)`,
			`CREATE INDEX IF NOT EXISTS idx_event_logs_created_at ON event_logs (created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_event_logs_device_id ON event_logs (device_id)`,
		},
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS event_logs (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMP NOT NULL,
				device_id TEXT,
				node_id INTEGER,
				type TEXT NOT NULL,
				level TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				details TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_event_logs_created_at ON event_logs (created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_event_logs_device_id ON event_logs (device_id)`,
		},
	},
}

// Migrate applies pending migrations, each in its own transaction
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}

		stmts := m.sqlite
		if s.dialect == dialectPostgres {
			stmts = m.postgres
		}

		err := s.withTx(ctx, func(tx *SQLStore) error {
			for _, stmt := range stmts {
				if _, err := tx.getDB().ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.getDB().ExecContext(ctx,
				tx.rebind(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`), m.version, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}

		log.Info().
			Int("version", m.version).
			Str("name", m.name).
			Str("driver", s.dialect.String()).
			Msg("数据库迁移已应用")
	}

	return nil
}
