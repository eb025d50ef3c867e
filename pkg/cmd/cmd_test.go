package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keshon/textcmd/pkg/args"
	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/chat/chattest"
	"github.com/keshon/textcmd/pkg/prompt"
)

func noop(context.Context, *Call) (any, error) { return nil, nil }

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry(nil)
	ban := &Command{ID: "Ban", Aliases: []string{"B", "hammer", "ban"}, Exec: noop}
	require.NoError(t, r.Register(ban))

	require.Same(t, ban, r.Get("BAN"))
	require.Same(t, ban, r.Get("b"))
	require.Same(t, ban, r.Get("Hammer"))
	require.Nil(t, r.Get("kick"))
	require.Equal(t, "ban", ban.ID)
	require.Equal(t, []string{"ban", "b", "hammer"}, ban.Names())
}

func TestRegistryRejectsCollisions(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&Command{ID: "ban", Aliases: []string{"b"}, Exec: noop}))

	err := r.Register(&Command{ID: "block", Aliases: []string{"B"}, Exec: noop})
	require.ErrorIs(t, err, ErrDuplicateAlias)
	require.Nil(t, r.Get("block"))

	err = r.Register(
		&Command{ID: "one", Aliases: []string{"x"}, Exec: noop},
		&Command{ID: "two", Aliases: []string{"x"}, Exec: noop},
	)
	require.ErrorIs(t, err, ErrDuplicateAlias)
	require.Nil(t, r.Get("one"))
	require.Len(t, r.All(), 1)
}

func TestFailedRegisterLeavesCommandsUntouched(t *testing.T) {
	r := NewRegistry(nil)
	valid := &Command{
		ID:        "Roll",
		Aliases:   []string{"Dice"},
		Arguments: []args.Definition{{Key: "sides", Optional: true, Default: 6, Types: []args.TypeRef{args.T("integer")}}},
		Exec:      noop,
	}
	err := r.Register(valid, &Command{ID: "broken"})
	require.ErrorIs(t, err, ErrInvalidCommand)

	require.Equal(t, "Roll", valid.ID)
	require.Nil(t, valid.Names())
	require.Nil(t, valid.Resolver())
	require.Nil(t, r.Get("roll"))
	require.Empty(t, r.All())

	require.NoError(t, r.Register(valid))
	require.Equal(t, "roll", valid.ID)
	require.Same(t, valid, r.Get("dice"))
}

func TestRegistryValidates(t *testing.T) {
	r := NewRegistry(nil)
	require.ErrorIs(t, r.Register(&Command{ID: " ", Exec: noop}), ErrInvalidCommand)
	require.ErrorIs(t, r.Register(&Command{ID: "x"}), ErrInvalidCommand)
	require.ErrorIs(t, r.Register(nil), ErrInvalidCommand)

	err := r.Register(&Command{
		ID:        "paint",
		Exec:      noop,
		Arguments: []args.Definition{{Key: "colour", Prompt: "Which colour?", Types: []args.TypeRef{args.T("colour")}}},
	})
	require.ErrorIs(t, err, ErrInvalidCommand)
	var defErr *args.DefinitionError
	require.ErrorAs(t, err, &defErr)
	require.Equal(t, 1, defErr.Position)

	require.Panics(t, func() { r.MustRegister(&Command{ID: "y"}) })
}

func TestRegistryListsSortedAndCategories(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister(
		&Command{ID: "roll", Category: "fun", Exec: noop},
		&Command{ID: "help", Category: "core", Exec: noop},
		&Command{ID: "ping", Category: "core", Exec: noop},
		&Command{ID: "misc", Exec: noop},
	)
	var ids []string
	for _, c := range r.All() {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"help", "misc", "ping", "roll"}, ids)
	require.Equal(t, []string{"core", "fun"}, r.Categories())
}

func TestMiddlewareOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *Call) (any, error) {
				trace = append(trace, name)
				return next(ctx, call)
			}
		}
	}

	r := NewRegistry(nil)
	r.Use(mark("registry"))
	c := &Command{
		ID:         "ping",
		Middleware: []Middleware{mark("outer"), mark("inner")},
		Exec: func(context.Context, *Call) (any, error) {
			trace = append(trace, "exec")
			return "pong", nil
		},
	}
	r.MustRegister(c)

	res, err := c.Handler()(context.Background(), &Call{})
	require.NoError(t, err)
	require.Equal(t, "pong", res)
	require.Equal(t, []string{"registry", "outer", "inner", "exec"}, trace)
}

func TestHandlerWithoutRegistration(t *testing.T) {
	c := &Command{ID: "x", Exec: func(context.Context, *Call) (any, error) { return 1, nil }}
	res, err := c.Handler()(context.Background(), &Call{})
	require.NoError(t, err)
	require.Equal(t, 1, res)
	require.Nil(t, c.Resolver())
}

func TestScopeAllows(t *testing.T) {
	require.True(t, ScopeAny.Allows(chat.ChannelDirect))
	require.True(t, ScopeAny.Allows(chat.ChannelUnknown))
	require.True(t, ScopeDirect.Allows(chat.ChannelDirect))
	require.False(t, ScopeDirect.Allows(chat.ChannelGuildText))
	require.True(t, ScopeGuildText.Allows(chat.ChannelGuildText))
	require.False(t, ScopeGuildText.Allows(chat.ChannelDirect))
}

func TestRulesReject(t *testing.T) {
	ctx := context.Background()
	ch := chattest.NewChannel("c1")
	msg := chattest.Message(chat.User{ID: "u1"}, ch, "!ban")

	require.True(t, Rules{}.Empty())
	require.False(t, Rules{Roles: []string{"r"}}.Empty())

	require.NoError(t, Rules{}.Reject(ctx, msg))
	require.Empty(t, ch.Sent())

	require.NoError(t, Rules{Cant: "Moderators only."}.Reject(ctx, msg))
	require.Equal(t, []string{"Moderators only."}, ch.Sent())

	boom := errors.New("boom")
	err := Rules{Cant: "ignored", CantFunc: func(context.Context, *chat.Message) error { return boom }}.Reject(ctx, msg)
	require.ErrorIs(t, err, boom)
	require.Len(t, ch.Sent(), 1)
}

func TestCallPrompts(t *testing.T) {
	ctx := context.Background()
	platform := &chattest.Platform{}
	reg := prompt.NewRegistry(zerolog.Nop())
	ch := chattest.NewChannel("c1")
	author := chat.User{ID: "u1"}
	call := &Call{Message: chattest.Message(author, ch, "!survey"), Platform: platform, Prompts: reg}

	go func() {
		for reg.Find("u1", "dm-u1") == nil {
			time.Sleep(time.Millisecond)
		}
		dm, _ := platform.DirectChannel(ctx, "u1")
		reg.Route(ctx, chattest.Message(author, dm, "blue"))
	}()

	res, err := call.PromptDirect(ctx, "Favourite colour?")
	require.NoError(t, err)
	require.Equal(t, "blue", res.Message.Content)
	require.Equal(t, []string{"Favourite colour?"}, platform.Direct["u1"].Sent())
	require.Empty(t, ch.Sent())

	require.NoError(t, call.Reply(ctx, "thanks"))
	require.Equal(t, []string{"thanks"}, ch.Sent())

	_, err = (&Call{Message: call.Message}).Prompt(ctx, "x")
	require.Error(t, err)
}
