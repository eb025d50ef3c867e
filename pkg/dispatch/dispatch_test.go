package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/keshon/textcmd/pkg/args"
	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/chat/chattest"
	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/cooldown"
	"github.com/keshon/textcmd/pkg/prompt"
)

type failure struct {
	command string
	err     error
}

type DispatcherSuite struct {
	suite.Suite
	ctx      context.Context
	commands *cmd.Registry
	prompts  *prompt.Registry
	platform *chattest.Platform
	ch       *chattest.Channel
	alice    chat.User

	mu       sync.Mutex
	calls    []*cmd.Call
	failures []failure
	used     []any
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctx = context.Background()
	s.commands = cmd.NewRegistry(nil)
	s.prompts = prompt.NewRegistry(zerolog.Nop(), prompt.WithTime(time.Second))
	s.platform = &chattest.Platform{Self: chat.User{ID: "42", Username: "bot", Bot: true}}
	s.ch = chattest.NewChannel("c1")
	s.alice = chat.User{ID: "u1", Username: "alice"}
	s.calls, s.failures, s.used = nil, nil, nil
}

func (s *DispatcherSuite) dispatcher(opts Options) *Dispatcher {
	opts.OnError = func(_ context.Context, _ *chat.Message, c *cmd.Command, err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.failures = append(s.failures, failure{command: c.ID, err: err})
	}
	d := New(s.commands, s.prompts, s.platform, opts)
	d.OnCommandUsed(func(_ context.Context, _ *cmd.Call, result any) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.used = append(s.used, result)
	})
	return d
}

func (s *DispatcherSuite) record(result any) cmd.HandlerFunc {
	return func(_ context.Context, call *cmd.Call) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls = append(s.calls, call)
		return result, nil
	}
}

func (s *DispatcherSuite) send(d *Dispatcher, author chat.User, content string) *chat.Message {
	msg := chattest.Message(author, s.ch, content)
	d.Handle(s.ctx, msg)
	return msg
}

func (s *DispatcherSuite) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *DispatcherSuite) TestBanScenario() {
	s.commands.MustRegister(&cmd.Command{ID: "ban", Exec: s.record("banned")})
	d := s.dispatcher(Options{Prefix: Static("!")})

	s.send(d, s.alice, "!ban @u spamming")

	s.Require().Len(s.calls, 1)
	call := s.calls[0]
	s.Equal("ban", call.AliasUsed)
	s.Equal("@u spamming", call.Cut)
	s.Equal("!", call.PrefixUsed)
	s.Equal([]string{"@u", "spamming"}, call.Raw)
	s.Nil(call.Args)
	s.NotEmpty(call.ID)
	s.Same(s.commands.Get("ban"), call.Command)
	s.Equal([]any{"banned"}, s.used)
}

func (s *DispatcherSuite) TestAliasIsCaseInsensitivePrefixIsNot() {
	s.commands.MustRegister(&cmd.Command{ID: "ban", Aliases: []string{"hammer"}, Exec: s.record(nil)})
	d := s.dispatcher(Options{Prefix: Static("a!")})

	s.send(d, s.alice, "a!HaMmEr now")
	s.Require().Len(s.calls, 1)
	s.Equal("hammer", s.calls[0].AliasUsed)

	s.send(d, s.alice, "A!ban now")
	s.send(d, s.alice, "a!")
	s.send(d, s.alice, "a!kick someone")
	s.Len(s.calls, 1)
}

func (s *DispatcherSuite) TestLongestPrefixWins() {
	s.commands.MustRegister(&cmd.Command{ID: "ping", Exec: s.record(nil)})
	d := s.dispatcher(Options{Prefix: Static("!", "!!")})

	s.send(d, s.alice, "!!ping")
	s.Require().Len(s.calls, 1)
	s.Equal("!!", s.calls[0].PrefixUsed)
}

func (s *DispatcherSuite) TestMentionPrefix() {
	s.commands.MustRegister(&cmd.Command{ID: "ping", Exec: s.record(nil)})
	d := s.dispatcher(Options{})

	s.send(d, s.alice, "<@42> ping")
	s.send(d, s.alice, "<@!42>   PING")
	s.Require().Len(s.calls, 2)
	s.Equal("<@42>", s.calls[0].PrefixUsed)
	s.Equal("<@!42>", s.calls[1].PrefixUsed)

	off := s.dispatcher(Options{DisableMentionPrefix: true})
	s.send(off, s.alice, "<@42> ping")
	s.Len(s.calls, 2)
}

func (s *DispatcherSuite) TestEmptyPrefixSetIgnoresEverything() {
	s.commands.MustRegister(&cmd.Command{ID: "ping", Exec: s.record(nil)})
	d := s.dispatcher(Options{Prefix: Static()})

	s.send(d, s.alice, "<@42> ping")
	s.send(d, s.alice, "!ping")
	s.Zero(s.callCount())
}

func (s *DispatcherSuite) TestPrefixFuncErrorIgnores() {
	s.commands.MustRegister(&cmd.Command{ID: "ping", Exec: s.record(nil)})
	d := s.dispatcher(Options{Prefix: func(context.Context, *chat.Message) ([]string, error) {
		return nil, errors.New("db down")
	}})
	s.send(d, s.alice, "!ping")
	s.Zero(s.callCount())
}

func (s *DispatcherSuite) TestBotsAndSelf() {
	s.commands.MustRegister(&cmd.Command{ID: "ping", Exec: s.record(nil)})
	other := chat.User{ID: "7", Bot: true}

	d := s.dispatcher(Options{})
	s.send(d, other, "!ping")
	s.send(d, s.platform.Self, "!ping")
	s.Zero(s.callCount())

	allow := s.dispatcher(Options{AllowBots: true})
	s.send(allow, other, "!ping")
	s.send(allow, s.platform.Self, "!ping")
	s.Equal(1, s.callCount())
}

func (s *DispatcherSuite) TestRestrictedGuilds() {
	s.commands.MustRegister(&cmd.Command{ID: "ping", Exec: s.record(nil)})
	d := s.dispatcher(Options{RestrictedGuilds: []string{"g2"}})

	s.send(d, s.alice, "!ping")
	s.Zero(s.callCount())

	dm := chattest.Message(s.alice, chattest.NewChannel("dm"), "!ping")
	dm.GuildID = ""
	dm.ChannelType = chat.ChannelDirect
	d.Handle(s.ctx, dm)
	s.Equal(1, s.callCount())
}

func (s *DispatcherSuite) TestAuthorization() {
	s.commands.MustRegister(&cmd.Command{
		ID:    "ban",
		Rules: cmd.Rules{Roles: []string{"mod"}, Users: []string{"owner"}, Cant: "Moderators only."},
		Exec:  s.record(nil),
	})
	d := s.dispatcher(Options{})

	s.send(d, s.alice, "!ban x")
	s.Zero(s.callCount())
	s.Equal([]string{"Moderators only."}, s.ch.Sent())

	mod := chattest.Message(s.alice, s.ch, "!ban x")
	mod.Member = &chat.Member{User: s.alice, Roles: []chat.Role{{ID: "mod", Name: "Mod"}}}
	d.Handle(s.ctx, mod)
	s.send(d, chat.User{ID: "owner"}, "!ban y")
	s.Equal(2, s.callCount())
}

func (s *DispatcherSuite) TestCustomAuthorizer() {
	s.commands.MustRegister(&cmd.Command{ID: "ping", Rules: cmd.Rules{Cant: "no"}, Exec: s.record(nil)})
	d := s.dispatcher(Options{Authorizer: AuthorizerFunc(func(context.Context, cmd.Rules, *chat.Message) bool { return false })})

	s.send(d, s.alice, "!ping")
	s.Zero(s.callCount())
	s.Equal([]string{"no"}, s.ch.Sent())
}

func (s *DispatcherSuite) TestScope() {
	s.commands.MustRegister(&cmd.Command{ID: "secret", Scope: cmd.ScopeDirect, Exec: s.record(nil)})
	d := s.dispatcher(Options{})

	s.send(d, s.alice, "!secret")
	s.Zero(s.callCount())
	s.Empty(s.ch.Sent())

	dm := chattest.Message(s.alice, chattest.NewChannel("dm"), "!secret")
	dm.ChannelType = chat.ChannelDirect
	d.Handle(s.ctx, dm)
	s.Equal(1, s.callCount())
}

func (s *DispatcherSuite) TestCooldown() {
	cd, err := cooldown.New(s.ctx, time.Minute, cooldown.WithNotice("Slow down."))
	s.Require().NoError(err)
	defer cd.Close()
	s.commands.MustRegister(&cmd.Command{ID: "ping", Cooldown: cd, Exec: s.record(nil)})
	d := s.dispatcher(Options{})

	s.send(d, s.alice, "!ping")
	s.send(d, s.alice, "!ping")
	s.send(d, s.alice, "!ping")
	s.Equal(1, s.callCount())
	s.Equal([]string{"Slow down."}, s.ch.Sent())
	s.True(cd.OnCooldown(s.alice.ID))

	s.send(d, chat.User{ID: "u2"}, "!ping")
	s.Equal(2, s.callCount())
}

func (s *DispatcherSuite) TestManualCooldownAndFailuresDoNotStartCooldown() {
	cd, err := cooldown.New(s.ctx, time.Minute)
	s.Require().NoError(err)
	defer cd.Close()
	s.commands.MustRegister(
		&cmd.Command{ID: "manual", Cooldown: cd, ManualCooldown: true, Exec: s.record(nil)},
		&cmd.Command{ID: "broken", Cooldown: cd, Exec: func(context.Context, *cmd.Call) (any, error) {
			return nil, errors.New("nope")
		}},
	)
	d := s.dispatcher(Options{})

	s.send(d, s.alice, "!manual")
	s.send(d, s.alice, "!broken")
	s.False(cd.OnCooldown(s.alice.ID))
}

func (s *DispatcherSuite) TestStoppedByMiddleware() {
	cd, err := cooldown.New(s.ctx, time.Minute)
	s.Require().NoError(err)
	defer cd.Close()
	stop := func(cmd.HandlerFunc) cmd.HandlerFunc {
		return func(context.Context, *cmd.Call) (any, error) { return nil, cmd.ErrStopped }
	}
	s.commands.MustRegister(&cmd.Command{ID: "ping", Cooldown: cd, Middleware: []cmd.Middleware{stop}, Exec: s.record(nil)})
	d := s.dispatcher(Options{})

	s.send(d, s.alice, "!ping")
	s.Zero(s.callCount())
	s.Empty(s.failures)
	s.Empty(s.used)
	s.False(cd.OnCooldown(s.alice.ID))
}

func (s *DispatcherSuite) TestStoppingMiddlewareRunsBeforeArgumentPrompts() {
	s.commands.Use(func(cmd.HandlerFunc) cmd.HandlerFunc {
		return func(ctx context.Context, call *cmd.Call) (any, error) {
			if err := call.Reply(ctx, "disabled"); err != nil {
				return nil, err
			}
			return nil, cmd.ErrStopped
		}
	})
	s.commands.MustRegister(&cmd.Command{
		ID:        "remind",
		Arguments: []args.Definition{{Key: "in", Prompt: "When should I remind you?", Types: []args.TypeRef{args.T("duration")}}},
		Exec:      s.record(nil),
	})
	d := s.dispatcher(Options{})

	s.send(d, s.alice, "!remind")
	s.Equal([]string{"disabled"}, s.ch.Sent())
	s.Zero(s.prompts.Len())
	s.Zero(s.callCount())
	s.Empty(s.failures)
}

func (s *DispatcherSuite) TestMiddlewareSeesResolutionFailures() {
	var seen error
	s.commands.Use(func(next cmd.HandlerFunc) cmd.HandlerFunc {
		return func(ctx context.Context, call *cmd.Call) (any, error) {
			res, err := next(ctx, call)
			seen = err
			return res, err
		}
	})
	s.commands.MustRegister(&cmd.Command{
		ID:        "roll",
		Arguments: []args.Definition{{Key: "sides", Prompt: "How many sides?", Types: []args.TypeRef{args.T("integer")}}},
		Exec:      s.record(nil),
	})
	d := s.dispatcher(Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.send(d, s.alice, "!roll")
	}()
	s.waitForPrompt(s.alice.ID, s.ch.ID())
	s.send(d, s.alice, "cancel")
	<-done

	reason, ok := prompt.EndReason(seen)
	s.True(ok)
	s.Equal(prompt.ReasonCancelled, reason)
	s.Require().Len(s.failures, 1)
}

func (s *DispatcherSuite) TestHandlerErrorsAndPanicsGoToOnError() {
	boom := errors.New("boom")
	s.commands.MustRegister(
		&cmd.Command{ID: "fail", Exec: func(context.Context, *cmd.Call) (any, error) { return nil, boom }},
		&cmd.Command{ID: "panic", Exec: func(context.Context, *cmd.Call) (any, error) { panic("kaboom") }},
	)
	d := s.dispatcher(Options{})

	s.NotPanics(func() {
		s.send(d, s.alice, "!fail")
		s.send(d, s.alice, "!panic")
	})
	s.Require().Len(s.failures, 2)
	s.Equal("fail", s.failures[0].command)
	s.ErrorIs(s.failures[0].err, boom)

	var p *PanicError
	s.Require().ErrorAs(s.failures[1].err, &p)
	s.Equal("kaboom", p.Value)
	s.NotEmpty(p.Stack)
	s.Empty(s.used)
}

func (s *DispatcherSuite) TestArgumentsAreResolved() {
	s.commands.MustRegister(&cmd.Command{
		ID: "remind",
		Arguments: []args.Definition{
			{Key: "in", Prompt: "When?", Types: []args.TypeRef{args.T("integer"), args.T("duration")}},
			{Key: "text", Prompt: "What?", Infinite: true},
		},
		Exec: s.record(nil),
	})
	d := s.dispatcher(Options{})

	s.send(d, s.alice, "!remind 5m feed the cat")
	s.Require().Len(s.calls, 1)
	s.Equal(5*time.Minute, s.calls[0].Args.Duration("in"))
	s.Equal("feed the cat", s.calls[0].Args.String("text"))
}

func (s *DispatcherSuite) waitForPrompt(userID, channelID string) *prompt.Prompt {
	var p *prompt.Prompt
	s.Require().Eventually(func() bool {
		p = s.prompts.Find(userID, channelID)
		return p != nil
	}, time.Second, 5*time.Millisecond)
	return p
}

func (s *DispatcherSuite) TestPromptOwnsReplies() {
	s.commands.MustRegister(
		&cmd.Command{ID: "ask", Exec: func(ctx context.Context, call *cmd.Call) (any, error) {
			res, err := call.Prompt(ctx, "Say something")
			if err != nil {
				return nil, err
			}
			return res.Message.Content, nil
		}},
		&cmd.Command{ID: "ping", Exec: s.record("pong")},
	)
	d := s.dispatcher(Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.send(d, s.alice, "!ask")
	}()
	s.waitForPrompt(s.alice.ID, s.ch.ID())

	s.send(d, chat.User{ID: "u2"}, "!ping")
	s.Equal(1, s.callCount())

	s.send(d, s.alice, "!ping")
	<-done

	s.Equal(1, s.callCount())
	s.Require().Len(s.used, 2)
	s.Contains(s.used, "!ping")
	s.Zero(s.prompts.Len())
}

func (s *DispatcherSuite) TestMissingArgumentPromptsAndCancelFails() {
	s.commands.MustRegister(&cmd.Command{
		ID:        "roll",
		Arguments: []args.Definition{{Key: "sides", Prompt: "How many sides?", Types: []args.TypeRef{args.T("integer")}}},
		Exec:      s.record(nil),
	})
	d := s.dispatcher(Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.send(d, s.alice, "!roll")
	}()
	s.waitForPrompt(s.alice.ID, s.ch.ID())
	s.send(d, s.alice, "CANCEL")
	<-done

	s.Zero(s.callCount())
	s.Require().Len(s.failures, 1)
	reason, ok := prompt.EndReason(s.failures[0].err)
	s.True(ok)
	s.Equal(prompt.ReasonCancelled, reason)
	s.Equal([]string{"How many sides?", prompt.CancelNotice}, s.ch.Sent())
}

func (s *DispatcherSuite) TestMissingArgumentPromptSucceeds() {
	s.commands.MustRegister(&cmd.Command{
		ID:        "roll",
		Arguments: []args.Definition{{Key: "sides", Prompt: "How many sides?", Types: []args.TypeRef{args.T("integer")}, Range: args.Between(2, 100)}},
		Exec:      s.record(nil),
	})
	d := s.dispatcher(Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.send(d, s.alice, "!roll 1")
	}()
	s.waitForPrompt(s.alice.ID, s.ch.ID())
	s.send(d, s.alice, "500")
	s.send(d, s.alice, "20")
	<-done

	s.Require().Len(s.calls, 1)
	s.Equal(20, s.calls[0].Args.Int("sides"))
}

func TestRuleAuthorizer(t *testing.T) {
	ctx := context.Background()
	auth := RuleAuthorizer{}
	msg := chattest.Message(chat.User{ID: "u1"}, chattest.NewChannel("c"), "")

	require.True(t, auth.CanUse(ctx, cmd.Rules{}, msg))
	require.True(t, auth.CanUse(ctx, cmd.Rules{Users: []string{"u1"}}, msg))
	require.False(t, auth.CanUse(ctx, cmd.Rules{Users: []string{"u2"}}, msg))
	require.False(t, auth.CanUse(ctx, cmd.Rules{Roles: []string{"r1"}}, msg))

	msg.Member = &chat.Member{Roles: []chat.Role{{ID: "r2"}, {ID: "r1"}}}
	require.True(t, auth.CanUse(ctx, cmd.Rules{Roles: []string{"r1"}}, msg))
}
