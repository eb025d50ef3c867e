package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keshon/textcmd/pkg/chat"
)

func TestLoadDefaults(t *testing.T) {
	envFile = filepath.Join(t.TempDir(), "missing.env")
	t.Cleanup(func() { envFile = ".env" })

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"!"}, cfg.Prefixes)
	require.Equal(t, "json", cfg.StorageDriver)
	require.Equal(t, 3*time.Minute, cfg.PromptTime)
	require.Equal(t, 10, cfg.PromptAttempts)
	require.Equal(t, 20, cfg.HistoryLimit)
}

func TestLoadFromEnvFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile = filepath.Join(dir, ".env")
	t.Cleanup(func() { envFile = ".env" })
	require.NoError(t, os.WriteFile(envFile, []byte("# local overrides\nHISTORY_LIMIT=7\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("HISTORY_LIMIT") })

	t.Setenv("PREFIXES", "!,?")
	t.Setenv("RESTRICTED_GUILDS", "g1,g2")
	t.Setenv("ADMINS", "u1")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("PROMPT_TIME", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"!", "?"}, cfg.Prefixes)
	require.Equal(t, []string{"g1", "g2"}, cfg.RestrictedGuilds)
	require.Equal(t, []string{"u1"}, cfg.Admins)
	require.Equal(t, "sqlite", cfg.StorageDriver)
	require.Equal(t, 7, cfg.HistoryLimit)
	require.Equal(t, 30*time.Second, cfg.PromptTime)
}

func TestLoadRejectsBadValues(t *testing.T) {
	envFile = filepath.Join(t.TempDir(), "missing.env")
	t.Cleanup(func() { envFile = ".env" })

	t.Setenv("STORAGE_DRIVER", "redis")
	_, err := Load()
	require.ErrorContains(t, err, "STORAGE_DRIVER")

	t.Setenv("STORAGE_DRIVER", "json")
	t.Setenv("PROMPT_ATTEMPTS", "nope")
	_, err = Load()
	require.Error(t, err)
}

func TestPrefixTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefixes.hujson")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// per-guild overrides
		"guilds": {
			"g1": ["?", "bot "],
			"quiet": [],
		},
	}`), 0o644))

	cfg := &Config{Prefixes: []string{"!"}, PrefixFile: path}
	fn, err := cfg.PrefixFunc()
	require.NoError(t, err)

	ctx := context.Background()
	got, err := fn(ctx, &chat.Message{GuildID: "g1"})
	require.NoError(t, err)
	require.Equal(t, []string{"?", "bot "}, got)

	got, err = fn(ctx, &chat.Message{GuildID: "other"})
	require.NoError(t, err)
	require.Equal(t, []string{"!"}, got)

	got, err = fn(ctx, &chat.Message{GuildID: "quiet"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPrefixTableErrors(t *testing.T) {
	orig := readFile
	t.Cleanup(func() { readFile = orig })

	readFile = func(string) ([]byte, error) { return nil, errors.New("denied") }
	_, err := LoadPrefixTable("x", nil)
	require.ErrorContains(t, err, "reading prefix file")

	readFile = func(string) ([]byte, error) { return []byte("{bad"), nil }
	_, err = LoadPrefixTable("x", nil)
	require.ErrorContains(t, err, "parsing prefix file")
}

func TestStaticPrefixWithoutFile(t *testing.T) {
	cfg := &Config{Prefixes: []string{"$"}}
	fn, err := cfg.PrefixFunc()
	require.NoError(t, err)
	got, err := fn(context.Background(), &chat.Message{})
	require.NoError(t, err)
	require.Equal(t, []string{"$"}, got)
}
