package command

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/keshon/textcmd/internal/storage"
	"github.com/keshon/textcmd/pkg/args"
	"github.com/keshon/textcmd/pkg/cmd"
)

func (m *Module) pingCommand() *cmd.Command {
	return &cmd.Command{
		ID:          "ping",
		Description: "Check that the bot is alive",
		Usage:       "ping",
		Category:    CategoryInfo,
		Exec: func(ctx context.Context, call *cmd.Call) (any, error) {
			latency := m.now().Sub(call.Message.Timestamp)
			if call.Message.Timestamp.IsZero() || latency < 0 {
				latency = 0
			}
			latency = latency.Round(time.Millisecond)
			return latency, call.Reply(ctx, fmt.Sprintf("Pong! (%s)", latency))
		},
	}
}

func (m *Module) helpCommand() *cmd.Command {
	return &cmd.Command{
		ID:          "help",
		Aliases:     []string{"commands", "h"},
		Description: "Get a list of available commands",
		Usage:       "help [command]",
		Category:    CategoryInfo,
		Arguments: []args.Definition{
			{Key: "command", Optional: true, Default: ""},
		},
		Exec: func(ctx context.Context, call *cmd.Call) (any, error) {
			name := call.Args.String("command")
			if name == "" {
				return nil, call.Reply(ctx, helpByCategory(call))
			}
			c := call.Commands.Get(name)
			if c == nil {
				return nil, call.Reply(ctx, fmt.Sprintf("Unknown command `%s`. Try %s.", name, usage(call, "help")))
			}
			return c.ID, call.Reply(ctx, helpFor(call, c))
		},
	}
}

func helpByCategory(call *cmd.Call) string {
	byCategory := make(map[string][]*cmd.Command)
	for _, c := range call.Commands.All() {
		byCategory[c.Category] = append(byCategory[c.Category], c)
	}

	var sb strings.Builder
	for _, cat := range append(Categories(call.Commands), "") {
		cmds := byCategory[cat]
		if len(cmds) == 0 {
			continue
		}
		name := title(cat)
		if name == "" {
			name = "Other"
		}
		fmt.Fprintf(&sb, "**%s**\n", name)
		for _, c := range cmds {
			fmt.Fprintf(&sb, "%s - %s\n", usage(call, c.ID), c.Description)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Use %s for details.", usage(call, "help <command>"))
	return sb.String()
}

func helpFor(call *cmd.Call, c *cmd.Command) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**", c.ID)
	if len(c.Aliases) > 0 {
		fmt.Fprintf(&sb, " (aliases: %s)", strings.Join(c.Aliases, ", "))
	}
	sb.WriteString("\n")
	if c.Description != "" {
		sb.WriteString(c.Description + "\n")
	}
	u := c.Usage
	if u == "" {
		u = c.ID
	}
	fmt.Fprintf(&sb, "Usage: %s", usage(call, u))
	if c.Category != "" {
		fmt.Fprintf(&sb, "\nCategory: %s", c.Category)
	}
	if c.Cooldown != nil {
		fmt.Fprintf(&sb, "\nCooldown: %s", c.Cooldown.Length())
	}
	return sb.String()
}

const maxHistoryShown = 20

func (m *Module) historyCommand() *cmd.Command {
	return &cmd.Command{
		ID:          "history",
		Aliases:     []string{"log"},
		Description: "Show the most recent commands used here",
		Usage:       "history [count]",
		Category:    CategoryInfo,
		Arguments: []args.Definition{
			{Key: "count", Types: []args.TypeRef{args.T("integer")}, Range: args.Between(1, maxHistoryShown), Optional: true, Default: 10},
		},
		Exec: func(ctx context.Context, call *cmd.Call) (any, error) {
			if m.store == nil {
				return nil, call.Reply(ctx, "Command history is not available.")
			}
			entries, err := m.store.History(ctx, call.Message.GuildID)
			if err != nil {
				return nil, fmt.Errorf("load history: %w", err)
			}
			if len(entries) == 0 {
				return 0, call.Reply(ctx, "No commands have been used here yet.")
			}

			n := min(call.Args.Int("count"), len(entries))
			recent := slices.Clone(entries[len(entries)-n:])
			slices.Reverse(recent)

			var sb strings.Builder
			fmt.Fprintf(&sb, "**Last %d commands**\n", n)
			for _, e := range recent {
				fmt.Fprintf(&sb, "%s by %s, %s\n", historyInvocation(e), e.Username, humanize.Time(e.At))
			}
			return n, call.Reply(ctx, strings.TrimSuffix(sb.String(), "\n"))
		},
	}
}

func historyInvocation(e storage.HistoryEntry) string {
	s := e.Alias
	if s == "" {
		s = e.Command
	}
	if e.Args != "" {
		s += " " + e.Args
	}
	return "`" + s + "`"
}

func (m *Module) categoriesCommand() *cmd.Command {
	return &cmd.Command{
		ID:          "categories",
		Aliases:     []string{"category"},
		Description: "List, enable or disable command categories on this server",
		Usage:       "categories [list|enable|disable] [category]",
		Category:    CategoryAdmin,
		Scope:       cmd.ScopeGuildText,
		Rules: cmd.Rules{
			Users: m.admins,
			Cant:  "Only bot admins can manage categories.",
		},
		Arguments: []args.Definition{
			{Key: "action", Types: []args.TypeRef{args.OneOf("list", "enable", "disable")}, Optional: true, Default: "list"},
			{Key: "category", Optional: true, Default: ""},
		},
		Exec: func(ctx context.Context, call *cmd.Call) (any, error) {
			if m.store == nil {
				return nil, call.Reply(ctx, "Category settings are not available.")
			}
			guildID := call.Message.GuildID
			known := Categories(call.Commands)
			action := call.Args.String("action")

			if action == "list" {
				disabled, err := m.store.DisabledCategories(ctx, guildID)
				if err != nil {
					return nil, fmt.Errorf("load disabled categories: %w", err)
				}
				parts := make([]string, len(known))
				for i, c := range known {
					parts[i] = c
					if slices.Contains(disabled, c) {
						parts[i] += " (disabled)"
					}
				}
				return disabled, call.Reply(ctx, "Categories: "+strings.Join(parts, ", "))
			}

			category := strings.ToLower(call.Args.String("category"))
			switch {
			case category == "":
				return nil, call.Reply(ctx, "Usage: "+usage(call, "categories "+action+" <category>"))
			case !slices.Contains(known, category):
				return nil, call.Reply(ctx, fmt.Sprintf("Unknown category `%s`. Known: %s.", category, strings.Join(known, ", ")))
			case category == CategoryAdmin:
				return nil, call.Reply(ctx, "The admin category is always enabled.")
			}

			var err error
			if action == "enable" {
				err = m.store.EnableCategory(ctx, guildID, category)
			} else {
				err = m.store.DisableCategory(ctx, guildID, category)
			}
			if err != nil {
				return nil, fmt.Errorf("%s category %s: %w", action, category, err)
			}
			call.Log.Info().Str("guild_id", guildID).Str("category", category).Str("action", action).Msg("category toggled")
			return category, call.Reply(ctx, fmt.Sprintf("Category `%s` %sd.", category, action))
		},
	}
}
