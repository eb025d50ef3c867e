// Package storage persists per-guild bot state: command history, disabled
// command categories and active cooldowns.
package storage

import (
	"context"
	"time"

	"github.com/keshon/textcmd/pkg/cooldown"
)

// DefaultHistoryLimit is how many history entries a guild keeps.
const DefaultHistoryLimit = 20

// DirectGuild is the guild key used for direct messages.
const DirectGuild = "@direct"

// HistoryEntry records one successful command invocation.
type HistoryEntry struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Command   string    `json:"command"`
	Alias     string    `json:"alias"`
	Args      string    `json:"args"`
	At        time.Time `json:"at"`
}

// Store is implemented by the JSON file backend in this package and by the
// SQLite backend in internal/db.
type Store interface {
	AppendHistory(ctx context.Context, e HistoryEntry) error
	// History returns a guild's entries, oldest first.
	History(ctx context.Context, guildID string) ([]HistoryEntry, error)

	DisableCategory(ctx context.Context, guildID, category string) error
	EnableCategory(ctx context.Context, guildID, category string) error
	IsCategoryDisabled(ctx context.Context, guildID, category string) (bool, error)
	DisabledCategories(ctx context.Context, guildID string) ([]string, error)

	// Cooldowns returns the cooldown store of one command.
	Cooldowns(commandID string) cooldown.Store
	// PurgeExpiredCooldowns deletes entries that expired before now and
	// returns how many were removed.
	PurgeExpiredCooldowns(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// GuildKey maps an empty guild id (direct messages) to DirectGuild.
func GuildKey(guildID string) string {
	if guildID == "" {
		return DirectGuild
	}
	return guildID
}
