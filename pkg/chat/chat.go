// Package chat is the platform-neutral message model shared by transports
// (Discord, Slack, console) and the command dispatcher.
package chat

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned by Directory lookups that match nothing.
var ErrNotFound = errors.New("chat: not found")

// ChannelType tells where a message was posted.
type ChannelType int

const (
	ChannelUnknown ChannelType = iota
	ChannelGuildText
	ChannelDirect
)

func (t ChannelType) String() string {
	switch t {
	case ChannelGuildText:
		return "guild-text"
	case ChannelDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// User is a platform account.
type User struct {
	ID       string
	Username string
	// Tag is the unique human readable handle, e.g. "name#0001" on Discord.
	Tag string
	Bot bool
}

// Role is a server role a member may hold.
type Role struct {
	ID   string
	Name string
}

// Member is a user in the context of one server.
type Member struct {
	User  User
	Nick  string
	Roles []Role
}

// DisplayName returns the nickname if set, the username otherwise.
func (m *Member) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.User.Username
}

// HasRole reports whether the member holds any of the given role IDs.
func (m *Member) HasRole(ids ...string) bool {
	for _, r := range m.Roles {
		if slices.Contains(ids, r.ID) {
			return true
		}
	}
	return false
}

// Channel is somewhere messages can be sent.
type Channel interface {
	ID() string
	Send(ctx context.Context, content string) error
}

// Message is an inbound chat message.
type Message struct {
	ID      string
	Content string
	Author  User
	// Member is nil outside of servers.
	Member      *Member
	GuildID     string
	ChannelType ChannelType
	Channel     Channel
	Timestamp   time.Time
}

// ChannelID returns the ID of the channel the message was posted in.
func (m *Message) ChannelID() string {
	if m.Channel == nil {
		return ""
	}
	return m.Channel.ID()
}

// Reply sends content to the channel the message was posted in.
func (m *Message) Reply(ctx context.Context, content string) error {
	if m.Channel == nil {
		return errors.New("chat: message has no channel")
	}
	return m.Channel.Send(ctx, content)
}

// Directory resolves members and users. Implementations may hit the network.
type Directory interface {
	Member(ctx context.Context, guildID, userID string) (*Member, error)
	// Members lists the known members of a guild in a stable order.
	Members(ctx context.Context, guildID string) ([]*Member, error)
	User(ctx context.Context, userID string) (*User, error)
	// Users lists cached users in a stable order.
	Users(ctx context.Context) ([]*User, error)
}

// Platform is what a transport exposes besides its inbound messages.
type Platform interface {
	Directory
	// SelfID returns the bot's own user ID.
	SelfID() string
	// SelfMentions returns the literal forms of a mention of the bot.
	SelfMentions() []string
	// DirectChannel opens (or returns) the direct channel with a user.
	DirectChannel(ctx context.Context, userID string) (Channel, error)
}
