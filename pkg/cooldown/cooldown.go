// Package cooldown rate-limits command use per participant.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/pkg/chat"
)

const (
	MinLength = 100 * time.Millisecond
	// MaxUnpersisted is the longest cooldown allowed without a Store.
	MaxUnpersisted = time.Duration(math.MaxInt32) * time.Millisecond

	DefaultNotifyWindow = 5 * time.Second
)

// ErrLengthRange is returned by New for unusable cooldown lengths.
var ErrLengthRange = errors.New("cooldown: length is below 100ms, or above 2147483647ms without a store")

// Store persists active cooldowns so they survive restarts.
type Store interface {
	// Load returns every persisted id with its expiry.
	Load(ctx context.Context) (map[string]time.Time, error)
	Set(ctx context.Context, id string, expires time.Time) error
	Update(ctx context.Context, id string, expires time.Time) error
	Delete(ctx context.Context, id string) error
}

// Notifier tells a participant that they are on cooldown.
type Notifier func(ctx context.Context, msg *chat.Message, remaining time.Duration) error

type entry struct {
	expires time.Time
	timer   *time.Timer
}

// Cooldown tracks participants that recently used a command.
type Cooldown struct {
	length time.Duration
	store  Store
	notify Notifier
	window time.Duration
	log    zerolog.Logger

	// storeMu orders store writes with the in-memory state they mirror.
	storeMu  sync.Mutex
	mu       sync.Mutex
	active   map[string]*entry
	notified map[string]*time.Timer
	closed   bool
}

// Option configures a Cooldown.
type Option func(*Cooldown)

// WithStore persists entries in s and reloads them on construction.
func WithStore(s Store) Option {
	return func(c *Cooldown) { c.store = s }
}

// WithNotice replies text to throttled invocations.
func WithNotice(text string) Option {
	return WithNotifier(func(ctx context.Context, msg *chat.Message, _ time.Duration) error {
		return msg.Reply(ctx, text)
	})
}

// WithNotifier replaces the cooldown reply. A nil notifier stays silent.
func WithNotifier(n Notifier) Option {
	return func(c *Cooldown) { c.notify = n }
}

// WithNotifyWindow sets how long a channel is not notified again.
func WithNotifyWindow(d time.Duration) Option {
	return func(c *Cooldown) { c.window = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Cooldown) { c.log = log }
}

// DefaultNotifier replies with the humanized time left.
func DefaultNotifier(ctx context.Context, msg *chat.Message, remaining time.Duration) error {
	return msg.Reply(ctx, fmt.Sprintf("This command is on cooldown. Try again %s.", humanize.Time(time.Now().Add(remaining))))
}

// New creates a cooldown of the given length. With a store, persisted
// entries are restored: expired ones are deleted, the rest are rearmed.
func New(ctx context.Context, length time.Duration, opts ...Option) (*Cooldown, error) {
	c := &Cooldown{
		length:   length,
		notify:   DefaultNotifier,
		window:   DefaultNotifyWindow,
		log:      zerolog.Nop(),
		active:   make(map[string]*entry),
		notified: make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(c)
	}

	if length < MinLength || (length > MaxUnpersisted && c.store == nil) {
		return nil, ErrLengthRange
	}

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cooldown) load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	saved, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cooldowns: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, expires := range saved {
		if !expires.After(now) {
			if err := c.store.Delete(ctx, id); err != nil {
				c.log.Warn().Err(err).Str("id", id).Msg("delete expired cooldown")
			}
			continue
		}
		c.arm(id, expires)
	}
	return nil
}

// arm must be called with mu held.
func (c *Cooldown) arm(id string, expires time.Time) {
	e := &entry{expires: expires}
	e.timer = time.AfterFunc(time.Until(expires), func() { c.expire(id, e) })
	c.active[id] = e
}

func (c *Cooldown) expire(id string, e *entry) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	if c.active[id] != e {
		c.mu.Unlock()
		return
	}
	delete(c.active, id)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Delete(context.Background(), id); err != nil {
			c.log.Warn().Err(err).Str("id", id).Msg("delete cooldown")
		}
	}
}

// Length returns the cooldown length.
func (c *Cooldown) Length() time.Duration { return c.length }

// OnCooldown reports whether id is cooling down.
func (c *Cooldown) OnCooldown(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

// Remaining returns the time left for id, zero when not cooling down.
func (c *Cooldown) Remaining(id string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.active[id]
	if !ok {
		return 0
	}
	return max(time.Until(e.expires), 0)
}

// Start puts id on cooldown, restarting the window if it already is.
func (c *Cooldown) Start(ctx context.Context, id string) error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	expires := time.Now().Add(c.length)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("cooldown: closed")
	}
	prev, existed := c.active[id]
	if existed {
		prev.timer.Stop()
	}
	c.arm(id, expires)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	var err error
	if existed {
		err = c.store.Update(ctx, id, expires)
	} else {
		err = c.store.Set(ctx, id, expires)
	}
	if err != nil {
		return fmt.Errorf("persist cooldown %s: %w", id, err)
	}
	return nil
}

// Clear lifts the cooldown of id.
func (c *Cooldown) Clear(ctx context.Context, id string) error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	e, ok := c.active[id]
	if ok {
		e.timer.Stop()
		delete(c.active, id)
	}
	c.mu.Unlock()

	if !ok || c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, id)
}

// Handle notifies the author of msg that they are cooling down, at most once
// per channel per notify window.
func (c *Cooldown) Handle(ctx context.Context, msg *chat.Message) error {
	if c.notify == nil {
		return nil
	}
	channelID := msg.ChannelID()

	c.mu.Lock()
	if _, ok := c.notified[channelID]; ok || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.notified[channelID] = time.AfterFunc(c.window, func() {
		c.mu.Lock()
		delete(c.notified, channelID)
		c.mu.Unlock()
	})
	var remaining time.Duration
	if e, ok := c.active[msg.Author.ID]; ok {
		remaining = max(time.Until(e.expires), 0)
	}
	c.mu.Unlock()

	return c.notify(ctx, msg, remaining)
}

// Close stops every timer. Persisted entries are kept for the next start.
func (c *Cooldown) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, e := range c.active {
		e.timer.Stop()
	}
	for _, t := range c.notified {
		t.Stop()
	}
	clear(c.active)
	clear(c.notified)
}
