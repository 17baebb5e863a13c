package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current schema version. Migrate advances the persisted
// version exactly once per fresh version string.
const SchemaVersion = "1.10.1"

const schemaVersionKey = "schema_version"

// Migrate applies the idempotent base DDL and then walks the version ladder.
// Any failure is fatal for startup; no partial version is recorded.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.applyBaseSchema(ctx); err != nil {
		return err
	}

	current, err := s.MetaGet(ctx, schemaVersionKey)
	if err != nil {
		return err
	}

	for _, step := range migrationLadder {
		if versionLess(current, step.version) {
			if err := s.withTx(ctx, func(tx *sql.Tx) error {
				if err := step.apply(ctx, tx); err != nil {
					return fmt.Errorf("migration %s: %w", step.version, err)
				}
				_, err := tx.ExecContext(ctx, `
					INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
					ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
				`, schemaVersionKey, step.version, s.now())
				return err
			}); err != nil {
				return err
			}
			current = step.version
			s.logger.Info("schema migrated", "version", step.version)
		}
	}
	return nil
}

// applyBaseSchema creates every table with IF NOT EXISTS so a fresh database
// lands directly on the full layout; the ladder then only records versions.
func (s *Store) applyBaseSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			path TEXT,
			text TEXT NOT NULL,
			embedding BLOB,
			hash TEXT NOT NULL UNIQUE,
			start_line INTEGER,
			end_line INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_source ON knowledge(source)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
			text, content='knowledge', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge BEGIN
			INSERT INTO knowledge_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge BEGIN
			INSERT INTO knowledge_fts(knowledge_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_au AFTER UPDATE ON knowledge BEGIN
			INSERT INTO knowledge_fts(knowledge_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
			INSERT INTO knowledge_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL UNIQUE,
			started_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			context_tokens INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			provider TEXT,
			last_reset_date TEXT,
			summary TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tg_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			sender_id TEXT,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_result_for TEXT,
			embedding BLOB,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tg_messages_chat ON tg_messages(chat_id, timestamp)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS tg_messages_fts USING fts5(
			text, content='tg_messages', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS tg_messages_ai AFTER INSERT ON tg_messages BEGIN
			INSERT INTO tg_messages_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS tg_messages_ad AFTER DELETE ON tg_messages BEGIN
			INSERT INTO tg_messages_fts(tg_messages_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS tg_messages_au AFTER UPDATE ON tg_messages BEGIN
			INSERT INTO tg_messages_fts(tg_messages_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
			INSERT INTO tg_messages_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			hash TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			embedding BLOB NOT NULL,
			dims INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			accessed_at DATETIME NOT NULL,
			PRIMARY KEY (hash, model, provider)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embedding_cache_accessed ON embedding_cache(accessed_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 0,
			created_by TEXT,
			scheduled_for DATETIME,
			payload TEXT,
			result TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (task_id, depends_on)
		)`,
		`CREATE TABLE IF NOT EXISTS _cron_jobs (
			id TEXT PRIMARY KEY,
			interval_ms INTEGER NOT NULL,
			run_missed INTEGER NOT NULL DEFAULT 0,
			last_run_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS tool_config (
			tool_name TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			scope TEXT,
			updated_at DATETIME NOT NULL,
			updated_by TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS group_modules (
			chat_id TEXT NOT NULL,
			module TEXT NOT NULL,
			level TEXT NOT NULL DEFAULT 'open',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (chat_id, module)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_index (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			module TEXT NOT NULL,
			category TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS tool_index_fts USING fts5(
			name, description, content='tool_index', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS tool_index_ai AFTER INSERT ON tool_index BEGIN
			INSERT INTO tool_index_fts(rowid, name, description) VALUES (new.rowid, new.name, new.description);
		END`,
		`CREATE TRIGGER IF NOT EXISTS tool_index_ad AFTER DELETE ON tool_index BEGIN
			INSERT INTO tool_index_fts(tool_index_fts, rowid, name, description) VALUES ('delete', old.rowid, old.name, old.description);
		END`,
		`CREATE TRIGGER IF NOT EXISTS tool_index_au AFTER UPDATE ON tool_index BEGIN
			INSERT INTO tool_index_fts(tool_index_fts, rowid, name, description) VALUES ('delete', old.rowid, old.name, old.description);
			INSERT INTO tool_index_fts(rowid, name, description) VALUES (new.rowid, new.name, new.description);
		END`,
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

type migrationStep struct {
	version string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// migrationLadder records every schema version ever shipped. Early versions
// created tables the base schema now includes, so their steps reduce to
// guarded column additions and are safe to re-run.
var migrationLadder = []migrationStep{
	{version: "1.1.0", apply: noopMigration},
	{version: "1.2.0", apply: addColumn("sessions", "context_tokens", "INTEGER NOT NULL DEFAULT 0")},
	{version: "1.3.0", apply: addColumn("sessions", "summary", "TEXT")},
	{version: "1.4.0", apply: addColumn("knowledge", "start_line", "INTEGER")},
	{version: "1.4.1", apply: addColumn("knowledge", "end_line", "INTEGER")},
	{version: "1.5.0", apply: addColumn("tg_messages", "tool_calls", "TEXT")},
	{version: "1.6.0", apply: addColumn("tg_messages", "tool_result_for", "TEXT")},
	{version: "1.7.0", apply: addColumn("sessions", "last_reset_date", "TEXT")},
	{version: "1.8.0", apply: addColumn("embedding_cache", "accessed_at", "DATETIME NOT NULL DEFAULT '1970-01-01 00:00:00'")},
	{version: "1.9.0", apply: addColumn("tool_config", "updated_by", "TEXT")},
	{version: "1.10.0", apply: addColumn("tasks", "scheduled_for", "DATETIME")},
	{version: "1.10.1", apply: noopMigration},
}

func noopMigration(ctx context.Context, tx *sql.Tx) error { return nil }

// addColumn returns a migration that adds a column only when it is missing.
func addColumn(table, column, definition string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		exists, err := columnExists(ctx, tx, table, column)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
		return err
	}
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("introspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// versionLess compares dotted version strings numerically per segment.
func versionLess(a, b string) bool {
	if a == "" {
		return true
	}
	as := splitVersion(a)
	bs := splitVersion(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func splitVersion(v string) []int {
	parts := make([]int, 0, 3)
	n := 0
	seen := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
			seen = true
			continue
		}
		if c == '.' {
			parts = append(parts, n)
			n = 0
			seen = false
		}
	}
	if seen {
		parts = append(parts, n)
	}
	return parts
}
