// Package db implements storage.Store on SQLite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keshon/textcmd/internal/storage"
	"github.com/keshon/textcmd/pkg/cooldown"
)

// SQLiteStore implements storage.Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

var _ storage.Store = (*SQLiteStore)(nil)

// sqlOpenFunc is a package-level variable to allow testing sql.Open failures.
var sqlOpenFunc = sql.Open

// NewSQLiteStore opens the database at dsn and runs pending migrations.
func NewSQLiteStore(dsn string, historyLimit int) (*SQLiteStore, error) {
	sqlDB, err := sqlOpenFunc("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps SQLITE_BUSY away.
	sqlDB.SetMaxOpenConns(1)

	if err := initDB(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return NewSQLiteStoreFromDB(sqlDB, historyLimit), nil
}

func initDB(sqlDB *sql.DB) error {
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enabling WAL mode: %w", err)
	}
	if err := RunMigrations(context.Background(), sqlDB); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// NewSQLiteStoreFromDB wraps an existing connection without migrating it.
func NewSQLiteStoreFromDB(sqlDB *sql.DB, historyLimit int) *SQLiteStore {
	if historyLimit < 1 {
		historyLimit = storage.DefaultHistoryLimit
	}
	return &SQLiteStore{db: sqlDB, limit: historyLimit}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, e storage.HistoryEntry) error {
	guild := storage.GuildKey(e.GuildID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_history (invocation_id, guild_id, channel_id, user_id, username, command, alias, args, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, guild, e.ChannelID, e.UserID, e.Username, e.Command, e.Alias, e.Args, e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM command_history WHERE guild_id = ? AND id NOT IN (
		   SELECT id FROM command_history WHERE guild_id = ? ORDER BY id DESC LIMIT ?)`,
		guild, guild, s.limit,
	)
	if err != nil {
		return fmt.Errorf("trimming history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, guildID string) ([]storage.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation_id, guild_id, channel_id, user_id, username, command, alias, args, at_ms
		 FROM command_history WHERE guild_id = ? ORDER BY id ASC`,
		storage.GuildKey(guildID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.HistoryEntry
	for rows.Next() {
		var e storage.HistoryEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.GuildID, &e.ChannelID, &e.UserID, &e.Username, &e.Command, &e.Alias, &e.Args, &at); err != nil {
			return nil, err
		}
		if e.GuildID == storage.DirectGuild {
			e.GuildID = ""
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DisableCategory(ctx context.Context, guildID, category string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO disabled_categories (guild_id, category) VALUES (?, ?)`,
		storage.GuildKey(guildID), strings.ToLower(category),
	)
	return err
}

func (s *SQLiteStore) EnableCategory(ctx context.Context, guildID, category string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM disabled_categories WHERE guild_id = ? AND category = ?`,
		storage.GuildKey(guildID), strings.ToLower(category),
	)
	return err
}

func (s *SQLiteStore) IsCategoryDisabled(ctx context.Context, guildID, category string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM disabled_categories WHERE guild_id = ? AND category = ?`,
		storage.GuildKey(guildID), strings.ToLower(category),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) DisabledCategories(ctx context.Context, guildID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category FROM disabled_categories WHERE guild_id = ? ORDER BY category`,
		storage.GuildKey(guildID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Cooldowns(commandID string) cooldown.Store {
	return &cooldowns{db: s.db, command: strings.ToLower(commandID)}
}

func (s *SQLiteStore) PurgeExpiredCooldowns(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE expires_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type cooldowns struct {
	db      *sql.DB
	command string
}

func (c *cooldowns) Load(ctx context.Context) (map[string]time.Time, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT user_id, expires_ms FROM cooldowns WHERE command = ?`, c.command)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out[id] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (c *cooldowns) Set(ctx context.Context, id string, expires time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cooldowns (command, user_id, expires_ms) VALUES (?, ?, ?)
		 ON CONFLICT(command, user_id) DO UPDATE SET expires_ms = excluded.expires_ms`,
		c.command, id, expires.UnixMilli(),
	)
	return err
}

func (c *cooldowns) Update(ctx context.Context, id string, expires time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE cooldowns SET expires_ms = ? WHERE command = ? AND user_id = ?`,
		expires.UnixMilli(), c.command, id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return c.Set(ctx, id, expires)
	}
	return nil
}

func (c *cooldowns) Delete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE command = ? AND user_id = ?`, c.command, id)
	return err
}
