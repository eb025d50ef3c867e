// Package slack connects the dispatcher to a Slack workspace over Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/retrylimit"
)

// Session abstracts the slack.Client methods used by the bot, enabling test
// mocking.
type Session interface {
	AuthTestContext(ctx context.Context) (*goslack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...goslack.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*goslack.User, error)
	GetUsersContext(ctx context.Context, options ...goslack.GetUsersOption) ([]goslack.User, error)
	OpenConversationContext(ctx context.Context, params *goslack.OpenConversationParameters) (*goslack.Channel, bool, bool, error)
}

// SocketModeClient abstracts the socketmode.Client for testability.
type SocketModeClient interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...any)
	Events() <-chan socketmode.Event
}

type socketModeClientAdapter struct {
	client *socketmode.Client
}

// NewSocketModeAdapter wraps a socketmode.Client as a SocketModeClient.
func NewSocketModeAdapter(client *socketmode.Client) SocketModeClient {
	return &socketModeClientAdapter{client: client}
}

func (a *socketModeClientAdapter) RunContext(ctx context.Context) error {
	return a.client.RunContext(ctx)
}

func (a *socketModeClientAdapter) Ack(req socketmode.Request, payload ...any) {
	a.client.Ack(req, payload...)
}

func (a *socketModeClientAdapter) Events() <-chan socketmode.Event {
	return a.client.Events
}

// NewClients builds the web API client and its Socket Mode connection.
func NewClients(botToken, appToken string) (*goslack.Client, SocketModeClient) {
	api := goslack.New(botToken, goslack.OptionAppLevelToken(appToken))
	return api, NewSocketModeAdapter(socketmode.New(api))
}

// MessageHandler receives every converted inbound message.
type MessageHandler func(ctx context.Context, msg *chat.Message)

// Bot adapts a Slack workspace to chat.Platform. The workspace id is used as
// the guild id of channel messages.
type Bot struct {
	session Session
	socket  SocketModeClient
	log     zerolog.Logger
	limiter *retrylimit.Limiter
	policy  retrylimit.Policy

	mu      sync.RWMutex
	selfID  string
	teamID  string
	handler MessageHandler
	wg      sync.WaitGroup
}

var _ chat.Platform = (*Bot)(nil)

// New creates a bot. Slack allows about one message per second per channel.
func New(session Session, socket SocketModeClient, log zerolog.Logger) *Bot {
	policy := retrylimit.DefaultPolicy()
	policy.Log = log
	return &Bot{
		session: session,
		socket:  socket,
		log:     log,
		limiter: retrylimit.NewLimiter(1, 1, 5, 0.5, 0.5),
		policy:  policy,
	}
}

// OnMessage sets the handler for inbound messages.
func (b *Bot) OnMessage(h MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Run authenticates, then serves Socket Mode events until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	resp, err := b.session.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.mu.Lock()
	b.selfID = resp.UserID
	b.teamID = resp.TeamID
	b.mu.Unlock()
	b.log.Info().Str("user", resp.User).Str("user_id", resp.UserID).Str("team", resp.Team).Msg("slack bot is running")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- b.socket.RunContext(runCtx)
		cancel()
	}()

	b.eventLoop(runCtx)
	b.wg.Wait()

	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("socket mode: %w", err)
	}
	return nil
}

func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socket.Events():
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		b.socket.Ack(*evt.Request)
	}
	if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		b.handleMessage(ctx, ev)
	}
}

func (b *Bot) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// Skip subtypes (message_changed, message_deleted, etc.)
	if ev.SubType != "" || ev.User == "" {
		return
	}
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h == nil {
		return
	}

	msg := b.convertMessage(ev)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		h(ctx, msg)
	}()
}

func (b *Bot) convertMessage(ev *slackevents.MessageEvent) *chat.Message {
	b.mu.RLock()
	team := b.teamID
	b.mu.RUnlock()

	msg := &chat.Message{
		ID:        ev.TimeStamp,
		Content:   ev.Text,
		Author:    chat.User{ID: ev.User, Username: ev.User, Tag: ev.User},
		Channel:   b.channel(ev.Channel),
		Timestamp: slackTSToTime(ev.TimeStamp),
	}
	if ev.ChannelType == "im" {
		msg.ChannelType = chat.ChannelDirect
	} else {
		msg.ChannelType = chat.ChannelGuildText
		msg.GuildID = team
		msg.Member = &chat.Member{User: msg.Author}
	}
	return msg
}

// SelfID implements chat.Platform.
func (b *Bot) SelfID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selfID
}

// SelfMentions implements chat.Platform.
func (b *Bot) SelfMentions() []string {
	id := b.SelfID()
	if id == "" {
		return nil
	}
	return []string{"<@" + id + ">"}
}

// DirectChannel implements chat.Platform.
func (b *Bot) DirectChannel(ctx context.Context, userID string) (chat.Channel, error) {
	ch, _, _, err := b.session.OpenConversationContext(ctx, &goslack.OpenConversationParameters{
		Users:    []string{userID},
		ReturnIM: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open direct channel: %w", adaptError(err))
	}
	return b.channel(ch.ID), nil
}

// Member implements chat.Directory. Slack has no roles; members carry the
// display name as nickname.
func (b *Bot) Member(ctx context.Context, _ string, userID string) (*chat.Member, error) {
	u, err := b.session.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return convertMember(u), nil
}

// Members implements chat.Directory with every active workspace user.
func (b *Bot) Members(ctx context.Context, _ string) ([]*chat.Member, error) {
	users, err := b.session.GetUsersContext(ctx)
	if err != nil {
		return nil, adaptError(err)
	}
	out := make([]*chat.Member, 0, len(users))
	for i := range users {
		if users[i].Deleted {
			continue
		}
		out = append(out, convertMember(&users[i]))
	}
	return out, nil
}

// User implements chat.Directory.
func (b *Bot) User(ctx context.Context, userID string) (*chat.User, error) {
	m, err := b.Member(ctx, "", userID)
	if err != nil {
		return nil, err
	}
	return &m.User, nil
}

// Users implements chat.Directory.
func (b *Bot) Users(ctx context.Context) ([]*chat.User, error) {
	members, err := b.Members(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]*chat.User, len(members))
	for i, m := range members {
		out[i] = &m.User
	}
	return out, nil
}

func convertMember(u *goslack.User) *chat.Member {
	return &chat.Member{
		User: chat.User{ID: u.ID, Username: u.Name, Tag: u.Name, Bot: u.IsBot},
		Nick: u.Profile.DisplayName,
	}
}

// Channel posts through the bot's limiter and retry policy.
type Channel struct {
	bot *Bot
	id  string
}

func (b *Bot) channel(id string) *Channel { return &Channel{bot: b, id: id} }

func (c *Channel) ID() string { return c.id }

func (c *Channel) Send(ctx context.Context, content string) error {
	return retrylimit.Do(ctx, c.bot.limiter, c.bot.policy, func(ctx context.Context) error {
		_, _, err := c.bot.session.PostMessageContext(ctx, c.id, goslack.MsgOptionText(content, false))
		return adaptError(err)
	})
}

type statusError struct {
	err  error
	code int
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

type rateLimitError struct {
	err *goslack.RateLimitedError
}

func (e *rateLimitError) Error() string             { return e.err.Error() }
func (e *rateLimitError) Unwrap() error             { return e.err }
func (e *rateLimitError) StatusCode() int           { return http.StatusTooManyRequests }
func (e *rateLimitError) RetryAfter() time.Duration { return e.err.RetryAfter }

// adaptError exposes Slack failures to retrylimit. API errors such as
// channel_not_found are final.
func adaptError(err error) error {
	if err == nil {
		return nil
	}
	var rl *goslack.RateLimitedError
	if errors.As(err, &rl) {
		return &rateLimitError{err: rl}
	}
	var sc goslack.StatusCodeError
	if errors.As(err, &sc) {
		return &statusError{err: err, code: sc.Code}
	}
	var api goslack.SlackErrorResponse
	if errors.As(err, &api) {
		return retrylimit.Fatal(err)
	}
	return err
}

func notFound(err error) error {
	if strings.Contains(err.Error(), "user_not_found") {
		return fmt.Errorf("%w: %w", chat.ErrNotFound, err)
	}
	return adaptError(err)
}

// slackTSToTime converts a Slack timestamp (e.g. "1234567890.123456") to time.Time.
func slackTSToTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var us int64
	if frac != "" {
		us, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, us*1000)
}
