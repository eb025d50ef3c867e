package db

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations holds the schema statements in order. Index 0 is the
// bookkeeping table and always runs.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS command_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invocation_id TEXT NOT NULL DEFAULT '',
		guild_id TEXT NOT NULL,
		channel_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL,
		alias TEXT NOT NULL DEFAULT '',
		args TEXT NOT NULL DEFAULT '',
		at_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_command_history_guild ON command_history(guild_id, id)`,
	`CREATE TABLE IF NOT EXISTS disabled_categories (
		guild_id TEXT NOT NULL,
		category TEXT NOT NULL,
		PRIMARY KEY (guild_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS cooldowns (
		command TEXT NOT NULL,
		user_id TEXT NOT NULL,
		expires_ms INTEGER NOT NULL,
		PRIMARY KEY (command, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cooldowns_expires ON cooldowns(expires_ms)`,
}

// RunMigrations executes all pending schema migrations.
func RunMigrations(ctx context.Context, sqlDB *sql.DB) error {
	if _, err := sqlDB.ExecContext(ctx, migrations[0]); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	for version := 1; version < len(migrations); version++ {
		var count int
		err := sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration version %d: %w", version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := sqlDB.ExecContext(ctx, migrations[version]); err != nil {
			return fmt.Errorf("executing migration %d: %w", version, err)
		}
		if _, err := sqlDB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
	}
	return nil
}
