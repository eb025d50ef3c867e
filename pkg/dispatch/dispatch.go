// Package dispatch turns inbound chat messages into command invocations and
// routes replies to the prompts waiting for them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/prompt"
)

// Commands is the command table the dispatcher resolves aliases against.
type Commands = cmd.Table

// PrefixFunc returns the prefixes accepted for msg. An empty result makes
// the dispatcher ignore the message.
type PrefixFunc func(ctx context.Context, msg *chat.Message) ([]string, error)

// Static accepts the same prefixes for every message.
func Static(prefixes ...string) PrefixFunc {
	return func(context.Context, *chat.Message) ([]string, error) { return prefixes, nil }
}

// Authorizer decides whether the author of msg may run a command.
type Authorizer interface {
	CanUse(ctx context.Context, rules cmd.Rules, msg *chat.Message) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, rules cmd.Rules, msg *chat.Message) bool

func (f AuthorizerFunc) CanUse(ctx context.Context, rules cmd.Rules, msg *chat.Message) bool {
	return f(ctx, rules, msg)
}

// RuleAuthorizer allows everyone when the rules are empty, otherwise listed
// users and members holding a listed role.
type RuleAuthorizer struct{}

func (RuleAuthorizer) CanUse(_ context.Context, rules cmd.Rules, msg *chat.Message) bool {
	if rules.Empty() {
		return true
	}
	if slices.Contains(rules.Users, msg.Author.ID) {
		return true
	}
	return msg.Member != nil && msg.Member.HasRole(rules.Roles...)
}

// ErrorFunc receives every error a command invocation ends with.
type ErrorFunc func(ctx context.Context, msg *chat.Message, c *cmd.Command, err error)

// UsedFunc is called after every successful invocation.
type UsedFunc func(ctx context.Context, call *cmd.Call, result any)

// PanicError is reported to OnError when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("command panicked: %v", e.Value) }

// Options configures a Dispatcher.
type Options struct {
	// Prefix defaults to Static("!").
	Prefix PrefixFunc
	// DisableMentionPrefix stops the bot's mention from acting as a prefix.
	DisableMentionPrefix bool
	// AllowBots lets other bots run commands. The bot never runs its own.
	AllowBots bool
	// RestrictedGuilds, when set, limits server messages to these guilds.
	RestrictedGuilds []string
	// Authorizer defaults to RuleAuthorizer.
	Authorizer Authorizer
	// OnError defaults to logging the error.
	OnError ErrorFunc
	Logger  zerolog.Logger
}

// Dispatcher routes messages to prompts and commands. It is safe for
// concurrent use; transports may call Handle from any goroutine.
type Dispatcher struct {
	commands Commands
	prompts  *prompt.Registry
	platform chat.Platform
	opts     Options
	log      zerolog.Logger

	mu   sync.RWMutex
	used []UsedFunc
}

// New creates a dispatcher. Prompts opened by commands are registered in
// prompts, which the dispatcher also consults for every message.
func New(commands Commands, prompts *prompt.Registry, platform chat.Platform, opts Options) *Dispatcher {
	if opts.Prefix == nil {
		opts.Prefix = Static("!")
	}
	if opts.Authorizer == nil {
		opts.Authorizer = RuleAuthorizer{}
	}
	d := &Dispatcher{
		commands: commands,
		prompts:  prompts,
		platform: platform,
		opts:     opts,
		log:      opts.Logger,
	}
	if d.opts.OnError == nil {
		d.opts.OnError = d.logError
	}
	return d
}

// Commands returns the command table.
func (d *Dispatcher) Commands() Commands { return d.commands }

// Prompts returns the prompt registry.
func (d *Dispatcher) Prompts() *prompt.Registry { return d.prompts }

// OnCommandUsed registers a listener for successful invocations.
func (d *Dispatcher) OnCommandUsed(fn UsedFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.used = append(d.used, fn)
}

// Handle processes one inbound message. It never returns errors; failures
// of the invoked command go to OnError.
func (d *Dispatcher) Handle(ctx context.Context, msg *chat.Message) {
	if msg == nil || msg.Channel == nil {
		return
	}
	if d.platform != nil && d.platform.SelfID() != "" && msg.Author.ID == d.platform.SelfID() {
		return
	}
	if msg.Author.Bot && !d.opts.AllowBots {
		return
	}

	if d.prompts != nil && d.prompts.Route(ctx, msg) {
		return
	}

	prefixes, err := d.opts.Prefix(ctx, msg)
	if err != nil {
		d.log.Warn().Err(err).Str("guild_id", msg.GuildID).Msg("resolve prefixes")
		return
	}
	if len(prefixes) == 0 {
		return
	}
	prefixUsed, ok := d.matchPrefix(prefixes, msg.Content)
	if !ok {
		return
	}

	rest := strings.TrimSpace(msg.Content[len(prefixUsed):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}
	aliasUsed := strings.ToLower(fields[0])
	c := d.commands.Get(aliasUsed)
	if c == nil {
		return
	}

	if msg.GuildID != "" && len(d.opts.RestrictedGuilds) > 0 && !slices.Contains(d.opts.RestrictedGuilds, msg.GuildID) {
		return
	}
	if !d.opts.Authorizer.CanUse(ctx, c.Rules, msg) {
		if err := c.Rules.Reject(ctx, msg); err != nil {
			d.log.Warn().Err(err).Str("command", c.ID).Msg("cant responder failed")
		}
		return
	}
	if !c.Scope.Allows(msg.ChannelType) {
		return
	}
	if c.Cooldown != nil && c.Cooldown.OnCooldown(msg.Author.ID) {
		if err := c.Cooldown.Handle(ctx, msg); err != nil {
			d.log.Warn().Err(err).Str("command", c.ID).Msg("cooldown notice failed")
		}
		return
	}

	cut := strings.TrimSpace(rest[len(fields[0]):])
	call := &cmd.Call{
		ID:         uuid.NewString(),
		Message:    msg,
		Command:    c,
		Commands:   d.commands,
		Raw:        fields[1:],
		Cut:        cut,
		PrefixUsed: prefixUsed,
		AliasUsed:  aliasUsed,
		Platform:   d.platform,
		Prompts:    d.prompts,
	}
	call.Log = d.log.With().Str("command", c.ID).Str("call_id", call.ID).Logger()
	d.run(ctx, call)
}

// matchPrefix returns the longest configured prefix content starts with.
// Mention prefixes compare case-insensitively.
func (d *Dispatcher) matchPrefix(prefixes []string, content string) (string, bool) {
	var best string
	found := false
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(content, p) && len(p) > len(best) {
			best, found = p, true
		}
	}
	if !d.opts.DisableMentionPrefix && d.platform != nil {
		for _, m := range d.platform.SelfMentions() {
			if len(content) >= len(m) && strings.EqualFold(content[:len(m)], m) && len(m) > len(best) {
				best, found = content[:len(m)], true
			}
		}
	}
	return best, found
}

func (d *Dispatcher) run(ctx context.Context, call *cmd.Call) {
	c := call.Command
	defer func() {
		if r := recover(); r != nil {
			d.opts.OnError(ctx, call.Message, c, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()

	call.Log.Debug().
		Str("user_id", call.Message.Author.ID).
		Str("channel_id", call.Message.ChannelID()).
		Str("alias", call.AliasUsed).
		Msg("command invoked")

	result, err := c.Handler()(ctx, call)
	if errors.Is(err, cmd.ErrStopped) {
		call.Log.Debug().Msg("command stopped by middleware")
		return
	}
	if err != nil {
		d.opts.OnError(ctx, call.Message, c, err)
		return
	}

	if !c.ManualCooldown {
		if err := call.StartCooldown(ctx); err != nil {
			d.log.Warn().Err(err).Str("command", c.ID).Msg("start cooldown")
		}
	}

	d.mu.RLock()
	listeners := slices.Clone(d.used)
	d.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, call, result)
	}
}

func (d *Dispatcher) logError(_ context.Context, msg *chat.Message, c *cmd.Command, err error) {
	var ended *prompt.EndedError
	if errors.As(err, &ended) {
		d.log.Debug().Err(err).Str("command", c.ID).Str("user_id", msg.Author.ID).Msg("command prompt ended")
		return
	}
	ev := d.log.Error().Err(err).Str("command", c.ID).Str("user_id", msg.Author.ID)
	var p *PanicError
	if errors.As(err, &p) {
		ev = ev.Bytes("stack", p.Stack)
	}
	ev.Msg("command failed")
}
