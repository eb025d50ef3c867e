// Package console runs the dispatcher against a terminal, one line per
// message. It is meant for trying commands without a chat account.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keshon/textcmd/pkg/chat"
)

const (
	// GuildID is reported for every console message.
	GuildID   = "console"
	channelID = "stdin"
	selfID    = "textcmd"
)

// MessageHandler receives every line read from the input.
type MessageHandler func(ctx context.Context, msg *chat.Message)

// Console reads lines as messages from one local user and prints replies.
type Console struct {
	in   io.Reader
	out  io.Writer
	user chat.User

	outMu sync.Mutex
	seq   atomic.Int64
	wg    sync.WaitGroup
}

var _ chat.Platform = (*Console)(nil)

// New creates a console posting as username.
func New(in io.Reader, out io.Writer, username string) *Console {
	return &Console{
		in:   in,
		out:  out,
		user: chat.User{ID: "local", Username: username, Tag: username},
	}
}

// Run feeds lines to h until the input ends or ctx is done, then waits for
// running handlers.
func (c *Console) Run(ctx context.Context, h MessageHandler) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
		close(lines)
	}()

	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			msg := c.message(line)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				h(ctx, msg)
			}()
		}
	}
}

func (c *Console) message(line string) *chat.Message {
	return &chat.Message{
		ID:          strconv.FormatInt(c.seq.Add(1), 10),
		Content:     line,
		Author:      c.user,
		Member:      &chat.Member{User: c.user},
		GuildID:     GuildID,
		ChannelType: chat.ChannelGuildText,
		Channel:     &channel{c: c, id: channelID},
		Timestamp:   time.Now(),
	}
}

type channel struct {
	c  *Console
	id string
}

func (ch *channel) ID() string { return ch.id }

func (ch *channel) Send(_ context.Context, content string) error {
	ch.c.outMu.Lock()
	defer ch.c.outMu.Unlock()
	prefix := ""
	if ch.id != channelID {
		prefix = "(" + ch.id + ") "
	}
	_, err := fmt.Fprintf(ch.c.out, "%s%s\n", prefix, content)
	return err
}

func (c *Console) SelfID() string { return selfID }

func (c *Console) SelfMentions() []string { return []string{"@" + selfID} }

func (c *Console) DirectChannel(_ context.Context, userID string) (chat.Channel, error) {
	if userID != c.user.ID {
		return nil, chat.ErrNotFound
	}
	return &channel{c: c, id: "dm"}, nil
}

func (c *Console) Member(_ context.Context, _ string, userID string) (*chat.Member, error) {
	if userID != c.user.ID {
		return nil, chat.ErrNotFound
	}
	return &chat.Member{User: c.user}, nil
}

func (c *Console) Members(context.Context, string) ([]*chat.Member, error) {
	return []*chat.Member{{User: c.user}}, nil
}

func (c *Console) User(_ context.Context, userID string) (*chat.User, error) {
	if userID != c.user.ID {
		return nil, chat.ErrNotFound
	}
	u := c.user
	return &u, nil
}

func (c *Console) Users(context.Context) ([]*chat.User, error) {
	u := c.user
	return []*chat.User{&u}, nil
}
