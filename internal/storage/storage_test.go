package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keshon/textcmd/datastore"
	"github.com/keshon/textcmd/pkg/cooldown"
)

func newTestStore(t *testing.T, limit int) *JSONStore {
	t.Helper()
	cfg := datastore.DefaultConfig(filepath.Join(t.TempDir(), "data.json"))
	cfg.AutoSaveInterval = 0
	s, err := Open(cfg, limit)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHistoryIsCappedPerGuild(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 3)

	for i := range 5 {
		require.NoError(t, s.AppendHistory(ctx, HistoryEntry{GuildID: "g1", Command: fmt.Sprintf("c%d", i)}))
	}
	require.NoError(t, s.AppendHistory(ctx, HistoryEntry{Command: "dm"}))

	h, err := s.History(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, h, 3)
	require.Equal(t, "c2", h[0].Command)
	require.Equal(t, "c4", h[2].Command)

	dm, err := s.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, dm, 1)

	empty, err := s.History(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestCategoriesToggle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	require.NoError(t, s.DisableCategory(ctx, "g1", "Fun"))
	require.NoError(t, s.DisableCategory(ctx, "g1", "fun"))
	cats, err := s.DisabledCategories(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, []string{"fun"}, cats)

	off, err := s.IsCategoryDisabled(ctx, "g1", "FUN")
	require.NoError(t, err)
	require.True(t, off)

	off, err = s.IsCategoryDisabled(ctx, "g2", "fun")
	require.NoError(t, err)
	require.False(t, off)

	require.NoError(t, s.EnableCategory(ctx, "g1", "fun"))
	off, err = s.IsCategoryDisabled(ctx, "g1", "fun")
	require.NoError(t, err)
	require.False(t, off)
}

func TestCooldownStoreIsScopedPerCommand(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	exp := time.Now().Add(time.Hour).Round(time.Millisecond)

	ping := s.Cooldowns("ping")
	require.NoError(t, ping.Set(ctx, "u1", exp))
	require.NoError(t, s.Cooldowns("roll").Set(ctx, "u2", exp))

	m, err := s.Cooldowns("PING").Load(ctx)
	require.NoError(t, err)
	require.Len(t, m, 1)
	require.True(t, m["u1"].Equal(exp))

	require.NoError(t, ping.Delete(ctx, "u1"))
	m, err = ping.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestCooldownGateReloadsFromJSONStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	require.NoError(t, s.Cooldowns("ping").Set(ctx, "u1", time.Now().Add(time.Hour)))
	require.NoError(t, s.Cooldowns("ping").Set(ctx, "u2", time.Now().Add(-time.Minute)))

	cd, err := cooldown.New(ctx, time.Hour, cooldown.WithStore(s.Cooldowns("ping")))
	require.NoError(t, err)
	defer cd.Close()

	require.True(t, cd.OnCooldown("u1"))
	require.False(t, cd.OnCooldown("u2"))
}

func TestSweeperPurgesExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	now := time.Now()
	require.NoError(t, s.Cooldowns("a").Set(ctx, "old", now.Add(-time.Second)))
	require.NoError(t, s.Cooldowns("b").Set(ctx, "old", now.Add(-time.Hour)))
	require.NoError(t, s.Cooldowns("b").Set(ctx, "new", now.Add(time.Hour)))

	sw, err := NewSweeper(s, "", zerolog.Nop())
	require.NoError(t, err)
	sw.now = func() time.Time { return now }
	require.Equal(t, 2, sw.Sweep(ctx))

	m, err := s.Cooldowns("b").Load(ctx)
	require.NoError(t, err)
	require.Len(t, m, 1)
	require.Contains(t, m, "new")
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(newTestStore(t, 0), "every now and then", zerolog.Nop())
	require.Error(t, err)
}
