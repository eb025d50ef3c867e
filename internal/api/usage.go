package api

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/keshon/textcmd/pkg/cmd"
)

// Usage counts successful command invocations. Record has the shape of a
// dispatcher command-used listener.
type Usage struct {
	mu       sync.Mutex
	total    int
	counts   map[string]int
	lastUsed time.Time
}

// UsageReport is the JSON view of Usage.
type UsageReport struct {
	Total    int            `json:"total"`
	Commands map[string]int `json:"commands"`
	LastUsed *time.Time     `json:"last_used,omitempty"`
}

func NewUsage() *Usage {
	return &Usage{counts: make(map[string]int)}
}

// Record counts one successful call.
func (u *Usage) Record(_ context.Context, call *cmd.Call, _ any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.total++
	u.counts[call.Command.ID]++
	u.lastUsed = time.Now()
}

// Report returns a copy of the counters.
func (u *Usage) Report() UsageReport {
	u.mu.Lock()
	defer u.mu.Unlock()
	r := UsageReport{Total: u.total, Commands: maps.Clone(u.counts)}
	if !u.lastUsed.IsZero() {
		last := u.lastUsed
		r.LastUsed = &last
	}
	return r
}
