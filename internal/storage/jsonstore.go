package storage

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/keshon/textcmd/datastore"
	"github.com/keshon/textcmd/pkg/cooldown"
)

const (
	guildPrefix    = "guild:"
	cooldownPrefix = "cooldown:"
)

// Record is the document kept per guild.
type Record struct {
	History            []HistoryEntry `json:"cmd_history"`
	DisabledCategories []string       `json:"disabled_categories"`
}

// JSONStore keeps guild records and cooldowns in a datastore file.
type JSONStore struct {
	ds    *datastore.DataStore
	limit int
}

// NewJSON wraps ds. A historyLimit below 1 means DefaultHistoryLimit.
func NewJSON(ds *datastore.DataStore, historyLimit int) *JSONStore {
	if historyLimit < 1 {
		historyLimit = DefaultHistoryLimit
	}
	return &JSONStore{ds: ds, limit: historyLimit}
}

// Open opens the datastore at path and wraps it.
func Open(cfg datastore.Config, historyLimit int) (*JSONStore, error) {
	ds, err := datastore.OpenWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewJSON(ds, historyLimit), nil
}

func (s *JSONStore) Close() error { return s.ds.Close() }

// Stats forwards the datastore statistics.
func (s *JSONStore) Stats() map[string]any { return s.ds.Stats() }

func (s *JSONStore) record(guildID string) (Record, error) {
	var r Record
	_, err := s.ds.Get(guildPrefix+GuildKey(guildID), &r)
	return r, err
}

func (s *JSONStore) updateRecord(guildID string, fn func(*Record)) error {
	return datastore.Update(s.ds, guildPrefix+GuildKey(guildID), func(r *Record) error {
		fn(r)
		return nil
	})
}

func (s *JSONStore) AppendHistory(_ context.Context, e HistoryEntry) error {
	return s.updateRecord(e.GuildID, func(r *Record) {
		r.History = append(r.History, e)
		if len(r.History) > s.limit {
			r.History = slices.Clone(r.History[len(r.History)-s.limit:])
		}
	})
}

func (s *JSONStore) History(_ context.Context, guildID string) ([]HistoryEntry, error) {
	r, err := s.record(guildID)
	return r.History, err
}

func (s *JSONStore) DisableCategory(_ context.Context, guildID, category string) error {
	category = strings.ToLower(category)
	return s.updateRecord(guildID, func(r *Record) {
		if !slices.Contains(r.DisabledCategories, category) {
			r.DisabledCategories = append(r.DisabledCategories, category)
		}
	})
}

func (s *JSONStore) EnableCategory(_ context.Context, guildID, category string) error {
	category = strings.ToLower(category)
	return s.updateRecord(guildID, func(r *Record) {
		r.DisabledCategories = slices.DeleteFunc(r.DisabledCategories, func(c string) bool { return c == category })
	})
}

func (s *JSONStore) IsCategoryDisabled(_ context.Context, guildID, category string) (bool, error) {
	r, err := s.record(guildID)
	if err != nil {
		return false, err
	}
	return slices.Contains(r.DisabledCategories, strings.ToLower(category)), nil
}

func (s *JSONStore) DisabledCategories(_ context.Context, guildID string) ([]string, error) {
	r, err := s.record(guildID)
	return r.DisabledCategories, err
}

func (s *JSONStore) Cooldowns(commandID string) cooldown.Store {
	return &jsonCooldowns{ds: s.ds, key: cooldownPrefix + strings.ToLower(commandID)}
}

func (s *JSONStore) PurgeExpiredCooldowns(_ context.Context, now time.Time) (int, error) {
	removed := 0
	for _, key := range s.ds.Keys(cooldownPrefix) {
		err := datastore.Update(s.ds, key, func(m *map[string]time.Time) error {
			for id, exp := range *m {
				if !exp.After(now) {
					delete(*m, id)
					removed++
				}
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// jsonCooldowns stores one command's entries as a single id → expiry map.
type jsonCooldowns struct {
	ds  *datastore.DataStore
	key string
}

func (c *jsonCooldowns) Load(context.Context) (map[string]time.Time, error) {
	m := map[string]time.Time{}
	if _, err := c.ds.Get(c.key, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *jsonCooldowns) Set(_ context.Context, id string, expires time.Time) error {
	return c.mutate(func(m map[string]time.Time) { m[id] = expires })
}

func (c *jsonCooldowns) Update(ctx context.Context, id string, expires time.Time) error {
	return c.Set(ctx, id, expires)
}

func (c *jsonCooldowns) Delete(_ context.Context, id string) error {
	return c.mutate(func(m map[string]time.Time) { delete(m, id) })
}

func (c *jsonCooldowns) mutate(fn func(map[string]time.Time)) error {
	return datastore.Update(c.ds, c.key, func(m *map[string]time.Time) error {
		if *m == nil {
			*m = map[string]time.Time{}
		}
		fn(*m)
		return nil
	})
}
