// Package chattest provides in-memory chat fakes for tests.
package chattest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keshon/textcmd/pkg/chat"
)

// Channel records everything sent to it.
type Channel struct {
	ChannelID string
	// Err, when set, is returned by every Send.
	Err error

	mu   sync.Mutex
	sent []string
}

// NewChannel returns a recording channel with the given ID.
func NewChannel(id string) *Channel {
	return &Channel{ChannelID: id}
}

func (c *Channel) ID() string { return c.ChannelID }

func (c *Channel) Send(_ context.Context, content string) error {
	if c.Err != nil {
		return c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, content)
	return nil
}

// Sent returns a copy of the sent contents in order.
func (c *Channel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

var msgSeq atomic.Int64

// Message builds a message from author in channel. IDs are unique per call.
func Message(author chat.User, ch chat.Channel, content string) *chat.Message {
	return &chat.Message{
		ID:          strconv.FormatInt(msgSeq.Add(1), 10),
		Content:     content,
		Author:      author,
		ChannelType: chat.ChannelGuildText,
		GuildID:     "g1",
		Channel:     ch,
		Timestamp:   time.Now(),
	}
}

// Platform is an in-memory chat.Platform.
type Platform struct {
	Self    chat.User
	Guild   []*chat.Member
	Known   []*chat.User
	Direct  map[string]*Channel
	LookErr error

	mu sync.Mutex
}

func (p *Platform) Member(_ context.Context, _ string, userID string) (*chat.Member, error) {
	if p.LookErr != nil {
		return nil, p.LookErr
	}
	for _, m := range p.Guild {
		if m.User.ID == userID {
			return m, nil
		}
	}
	return nil, chat.ErrNotFound
}

func (p *Platform) Members(context.Context, string) ([]*chat.Member, error) {
	return p.Guild, p.LookErr
}

func (p *Platform) User(_ context.Context, userID string) (*chat.User, error) {
	if p.LookErr != nil {
		return nil, p.LookErr
	}
	for _, u := range p.Known {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, chat.ErrNotFound
}

func (p *Platform) Users(context.Context) ([]*chat.User, error) {
	return p.Known, p.LookErr
}

func (p *Platform) SelfID() string { return p.Self.ID }

func (p *Platform) SelfMentions() []string {
	if p.Self.ID == "" {
		return nil
	}
	return []string{fmt.Sprintf("<@%s>", p.Self.ID), fmt.Sprintf("<@!%s>", p.Self.ID)}
}

func (p *Platform) DirectChannel(_ context.Context, userID string) (chat.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Direct == nil {
		p.Direct = make(map[string]*Channel)
	}
	ch, ok := p.Direct[userID]
	if !ok {
		ch = NewChannel("dm-" + userID)
		p.Direct[userID] = ch
	}
	return ch, nil
}
