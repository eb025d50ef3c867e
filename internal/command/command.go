// Package command holds the bot's built-in text commands.
package command

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/internal/storage"
	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/cooldown"
)

// Command categories. Admin commands can never be disabled.
const (
	CategoryInfo    = "info"
	CategoryUtility = "utility"
	CategoryFun     = "fun"
	CategoryAdmin   = "admin"
)

// categoryWeights orders categories in help output. Unknown categories go
// last.
var categoryWeights = map[string]int{
	CategoryInfo:    0,
	CategoryUtility: 10,
	CategoryFun:     20,
	CategoryAdmin:   60,
}

// Deps are the services the commands use.
type Deps struct {
	Store storage.Store
	Log   zerolog.Logger
	// Admins may toggle categories. Empty lets everyone.
	Admins []string
}

// Module owns the commands together with their cooldowns and pending
// reminders.
type Module struct {
	store  storage.Store
	log    zerolog.Logger
	admins []string
	intn   func(n int) int
	now    func() time.Time

	commands  []*cmd.Command
	cooldowns []*cooldown.Cooldown
	reminders *reminders
}

// New builds the command set. Cooldowns are persisted in deps.Store and
// restored from it.
func New(ctx context.Context, deps Deps) (*Module, error) {
	m := &Module{
		store:     deps.Store,
		log:       deps.Log,
		admins:    deps.Admins,
		intn:      rand.IntN,
		now:       time.Now,
		reminders: newReminders(deps.Log),
	}

	rollCD, err := m.cooldown(ctx, "roll", 3*time.Second)
	if err != nil {
		return nil, err
	}
	remindCD, err := m.cooldown(ctx, "remind", 10*time.Second)
	if err != nil {
		m.Close()
		return nil, err
	}
	pollCD, err := m.cooldown(ctx, "poll", 30*time.Second)
	if err != nil {
		m.Close()
		return nil, err
	}

	m.commands = []*cmd.Command{
		m.pingCommand(),
		m.helpCommand(),
		m.historyCommand(),
		m.categoriesCommand(),
		m.rollCommand(rollCD),
		m.remindCommand(remindCD),
		m.pollCommand(pollCD),
	}
	return m, nil
}

func (m *Module) cooldown(ctx context.Context, id string, length time.Duration) (*cooldown.Cooldown, error) {
	opts := []cooldown.Option{cooldown.WithLogger(m.log.With().Str("cooldown", id).Logger())}
	if m.store != nil {
		opts = append(opts, cooldown.WithStore(m.store.Cooldowns(id)))
	}
	cd, err := cooldown.New(ctx, length, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s cooldown: %w", id, err)
	}
	m.cooldowns = append(m.cooldowns, cd)
	return cd, nil
}

// Commands returns the commands to register.
func (m *Module) Commands() []*cmd.Command { return m.commands }

// Close stops cooldown timers and drops pending reminders.
func (m *Module) Close() {
	for _, cd := range m.cooldowns {
		cd.Close()
	}
	m.reminders.stop()
}

// Categories lists the categories used in table, ordered for display.
func Categories(table cmd.Table) []string {
	var out []string
	for _, c := range table.All() {
		if c.Category != "" && !slices.Contains(out, c.Category) {
			out = append(out, c.Category)
		}
	}
	sortCategories(out)
	return out
}

func sortCategories(cats []string) {
	sort.SliceStable(cats, func(i, j int) bool {
		wi, oki := categoryWeights[cats[i]]
		wj, okj := categoryWeights[cats[j]]
		if oki != okj {
			return oki
		}
		if wi != wj {
			return wi < wj
		}
		return cats[i] < cats[j]
	})
}

// usage formats an invocation the way the author typed the prefix.
func usage(call *cmd.Call, text string) string {
	p := call.PrefixUsed
	if strings.HasPrefix(p, "<@") || strings.HasPrefix(p, "@") {
		p += " "
	}
	return "`" + p + text + "`"
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
