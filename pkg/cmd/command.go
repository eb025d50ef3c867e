// Package cmd defines text commands, their invocation context and the
// registry the dispatcher resolves aliases against.
package cmd

import (
	"context"
	"strings"

	"github.com/keshon/textcmd/pkg/args"
	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/cooldown"
)

// Scope restricts the channels a command may run in.
type Scope int

const (
	ScopeAny Scope = iota
	ScopeDirect
	ScopeGuildText
)

// Allows reports whether a message posted in a channel of type t may run
// the command.
func (s Scope) Allows(t chat.ChannelType) bool {
	switch s {
	case ScopeDirect:
		return t == chat.ChannelDirect
	case ScopeGuildText:
		return t == chat.ChannelGuildText
	default:
		return true
	}
}

func (s Scope) String() string {
	switch s {
	case ScopeDirect:
		return "direct"
	case ScopeGuildText:
		return "guild-text"
	default:
		return "any"
	}
}

// Rules decide who may run a command. Empty rules allow everyone.
type Rules struct {
	Users []string
	// Roles are role IDs; holding any of them is enough.
	Roles []string
	// Cant is replied to rejected invocations. CantFunc takes precedence.
	Cant     string
	CantFunc func(ctx context.Context, msg *chat.Message) error
}

// Empty reports whether the rules restrict nobody.
func (r Rules) Empty() bool { return len(r.Users) == 0 && len(r.Roles) == 0 }

// Reject runs the cant responder for msg.
func (r Rules) Reject(ctx context.Context, msg *chat.Message) error {
	if r.CantFunc != nil {
		return r.CantFunc(ctx, msg)
	}
	if r.Cant == "" {
		return nil
	}
	return msg.Reply(ctx, r.Cant)
}

// HandlerFunc runs a command. The result is passed to command-used listeners.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Command is a text command.
type Command struct {
	ID          string
	Aliases     []string
	Description string
	Usage       string
	Category    string
	Scope       Scope
	Rules       Rules
	Cooldown    *cooldown.Cooldown
	// ManualCooldown leaves starting the cooldown to the handler.
	ManualCooldown bool
	Arguments      []args.Definition
	Exec           HandlerFunc
	Middleware     []Middleware

	names    []string
	resolver *args.Resolver
	handler  HandlerFunc
}

// Names returns the lower-cased identifier followed by the aliases.
// It is populated on registration.
func (c *Command) Names() []string { return c.names }

// Resolver returns the argument resolver, nil for commands without
// argument definitions.
func (c *Command) Resolver() *args.Resolver { return c.resolver }

// Handler returns Exec wrapped in the registry and command middleware.
// Arguments are resolved innermost, so middleware runs before any prompt.
func (c *Command) Handler() HandlerFunc {
	if c.handler == nil {
		return c.resolving(c.Exec)
	}
	return c.handler
}

// resolving fills call.Args from the argument definitions before next runs.
func (c *Command) resolving(next HandlerFunc) HandlerFunc {
	if len(c.Arguments) == 0 {
		return next
	}
	return func(ctx context.Context, call *Call) (any, error) {
		resolver := c.resolver
		if resolver == nil {
			resolver = args.NewResolver(c.Arguments, nil)
		}
		values, err := resolver.Resolve(ctx, &args.Input{
			Message:   call.Message,
			Directory: call.Platform,
			CommandID: c.ID,
			Cut:       call.Cut,
			Prompter:  call,
		})
		if err != nil {
			return nil, err
		}
		call.Args = values
		return next(ctx, call)
	}
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
