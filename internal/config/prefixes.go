package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/dispatch"
)

// PrefixTable holds the prefixes accepted per guild. The file is JSON with
// comments and trailing commas allowed:
//
//	{
//	  // used when a guild has no entry
//	  "default": ["!"],
//	  "guilds": {"123456789": ["?", "bot "]},
//	}
//
// A guild mapped to an empty list ignores every command.
type PrefixTable struct {
	Default []string            `json:"default"`
	Guilds  map[string][]string `json:"guilds"`
}

var readFile = os.ReadFile

// LoadPrefixTable reads path. Missing "default" falls back to fallback.
func LoadPrefixTable(path string, fallback []string) (*PrefixTable, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prefix file: %w", err)
	}
	standardJSON, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parsing prefix file: %w", err)
	}
	var t PrefixTable
	if err := json.Unmarshal(standardJSON, &t); err != nil {
		return nil, fmt.Errorf("parsing prefix file: %w", err)
	}
	if t.Default == nil {
		t.Default = fallback
	}
	return &t, nil
}

// For returns the prefixes of guildID.
func (t *PrefixTable) For(guildID string) []string {
	if p, ok := t.Guilds[guildID]; ok {
		return p
	}
	return t.Default
}

// Func adapts the table to the dispatcher.
func (t *PrefixTable) Func() dispatch.PrefixFunc {
	return func(_ context.Context, msg *chat.Message) ([]string, error) {
		return t.For(msg.GuildID), nil
	}
}

// PrefixFunc builds the dispatcher prefix source from the configuration.
func (c *Config) PrefixFunc() (dispatch.PrefixFunc, error) {
	if c.PrefixFile == "" {
		return dispatch.Static(c.Prefixes...), nil
	}
	t, err := LoadPrefixTable(c.PrefixFile, c.Prefixes)
	if err != nil {
		return nil, err
	}
	return t.Func(), nil
}
