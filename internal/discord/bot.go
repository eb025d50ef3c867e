// Package discord connects the dispatcher to a Discord gateway session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/retrylimit"
)

// Session abstracts the discordgo.Session methods used by the bot,
// enabling test mocking.
type Session interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// MessageHandler receives every converted inbound message.
type MessageHandler func(ctx context.Context, msg *chat.Message)

// Bot adapts a Discord session to chat.Platform and feeds its messages to a
// handler, one goroutine per message.
type Bot struct {
	session Session
	log     zerolog.Logger
	limiter *retrylimit.Limiter
	policy  retrylimit.Policy

	mu             sync.RWMutex
	selfID         string
	guilds         []string
	handler        MessageHandler
	removeHandlers []func()
	baseCtx        context.Context
	wg             sync.WaitGroup
}

var _ chat.Platform = (*Bot)(nil)

// New creates a bot on session. Outbound sends share one adaptive limiter.
func New(session Session, log zerolog.Logger) *Bot {
	policy := retrylimit.DefaultPolicy()
	policy.Log = log
	return &Bot{
		session: session,
		log:     log,
		limiter: retrylimit.NewLimiter(5, 1, 20, 1, 0.5),
		policy:  policy,
		baseCtx: context.Background(),
	}
}

// NewSession creates a discordgo session with the intents text commands
// need.
func NewSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent
	return dg, nil
}

// OnMessage sets the handler for inbound messages.
func (b *Bot) OnMessage(h MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Run opens the session, blocks until ctx is done, then waits for running
// handlers and closes the session.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.baseCtx = ctx
	b.removeHandlers = append(b.removeHandlers,
		b.session.AddHandler(b.onMessageCreate),
		b.session.AddHandler(b.onGuildCreate),
	)
	b.mu.Unlock()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	me, err := b.session.User("@me")
	if err != nil {
		b.session.Close()
		return fmt.Errorf("discord get bot user: %w", err)
	}
	b.mu.Lock()
	b.selfID = me.ID
	b.mu.Unlock()
	b.log.Info().Str("user", me.String()).Str("user_id", me.ID).Msg("discord bot is running")

	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received, closing discord session")

	b.mu.Lock()
	for _, remove := range b.removeHandlers {
		remove()
	}
	b.removeHandlers = nil
	b.mu.Unlock()
	b.wg.Wait()
	return b.session.Close()
}

func (b *Bot) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.guilds, g.ID) {
		b.guilds = append(b.guilds, g.ID)
		b.log.Info().Str("guild_id", g.ID).Str("guild", g.Name).Msg("guild available")
	}
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	b.mu.RLock()
	h, ctx := b.handler, b.baseCtx
	b.mu.RUnlock()
	if h == nil {
		return
	}

	msg := b.convertMessage(m.Message)
	// Handlers may block on a prompt that only the next message can settle.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		h(ctx, msg)
	}()
}

func (b *Bot) convertMessage(m *discordgo.Message) *chat.Message {
	msg := &chat.Message{
		ID:        m.ID,
		Content:   m.Content,
		Author:    convertUser(m.Author),
		GuildID:   m.GuildID,
		Timestamp: m.Timestamp,
		Channel:   b.channel(m.ChannelID),
	}
	if m.GuildID == "" {
		msg.ChannelType = chat.ChannelDirect
	} else {
		msg.ChannelType = chat.ChannelGuildText
	}
	if m.Member != nil {
		member := convertMember(m.Member, nil)
		member.User = msg.Author
		msg.Member = member
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
	return []string{"<@" + id + ">", "<@!" + id + ">"}
}

// DirectChannel implements chat.Platform.
func (b *Bot) DirectChannel(_ context.Context, userID string) (chat.Channel, error) {
	ch, err := b.session.UserChannelCreate(userID)
	if err != nil {
		return nil, fmt.Errorf("open direct channel: %w", adaptError(err))
	}
	return b.channel(ch.ID), nil
}

// Member implements chat.Directory.
func (b *Bot) Member(_ context.Context, guildID, userID string) (*chat.Member, error) {
	m, err := b.session.GuildMember(guildID, userID)
	if err != nil {
		return nil, notFound(err)
	}
	roles, err := b.session.GuildRoles(guildID)
	if err != nil {
		b.log.Debug().Err(err).Str("guild_id", guildID).Msg("fetch guild roles")
	}
	return convertMember(m, roles), nil
}

const membersPage = 1000

// Members implements chat.Directory. It pages through the whole guild.
func (b *Bot) Members(_ context.Context, guildID string) ([]*chat.Member, error) {
	roles, err := b.session.GuildRoles(guildID)
	if err != nil {
		return nil, notFound(err)
	}
	var out []*chat.Member
	after := ""
	for {
		page, err := b.session.GuildMembers(guildID, after, membersPage)
		if err != nil {
			return nil, notFound(err)
		}
		for _, m := range page {
			out = append(out, convertMember(m, roles))
		}
		if len(page) < membersPage || page[len(page)-1].User == nil {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// User implements chat.Directory.
func (b *Bot) User(_ context.Context, userID string) (*chat.User, error) {
	u, err := b.session.User(userID)
	if err != nil {
		return nil, notFound(err)
	}
	cu := convertUser(u)
	return &cu, nil
}

// Users implements chat.Directory with the members of every guild the bot
// has joined.
func (b *Bot) Users(ctx context.Context) ([]*chat.User, error) {
	b.mu.RLock()
	guilds := slices.Clone(b.guilds)
	b.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*chat.User
	for _, g := range guilds {
		members, err := b.Members(ctx, g)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if seen[m.User.ID] {
				continue
			}
			seen[m.User.ID] = true
			u := m.User
			out = append(out, &u)
		}
	}
	return out, nil
}

func convertUser(u *discordgo.User) chat.User {
	if u == nil {
		return chat.User{}
	}
	return chat.User{ID: u.ID, Username: u.Username, Tag: u.String(), Bot: u.Bot}
}

func convertMember(m *discordgo.Member, roles []*discordgo.Role) *chat.Member {
	out := &chat.Member{User: convertUser(m.User), Nick: m.Nick}
	for _, id := range m.Roles {
		r := chat.Role{ID: id}
		for _, gr := range roles {
			if gr.ID == id {
				r.Name = gr.Name
				break
			}
		}
		out.Roles = append(out.Roles, r)
	}
	return out
}

// notFound maps 404 responses to chat.ErrNotFound.
func notFound(err error) error {
	err = adaptError(err)
	var se retrylimit.StatusError
	if errors.As(err, &se) && se.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %w", chat.ErrNotFound, err)
	}
	return err
}
