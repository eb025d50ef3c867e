package prompt

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/pkg/chat"
)

// Request describes a prompt to open.
type Request struct {
	UserID  string
	Channel chat.Channel
	// Trigger is sent to Channel before the prompt starts listening.
	// Empty sends nothing.
	Trigger string
	Options []Option
}

// Snapshot is a read-only view of a running prompt.
type Snapshot struct {
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	StartedAt time.Time `json:"started_at"`
	Attempts  int       `json:"attempts"`
	Collected int       `json:"collected"`
	Invisible bool      `json:"invisible"`
}

// Registry owns every running prompt. It guarantees at most one visible
// prompt per participant and channel. It is safe for concurrent use.
type Registry struct {
	log      zerolog.Logger
	defaults Options

	mu      sync.Mutex
	prompts []*Prompt
}

// NewRegistry creates a registry whose prompts start from DefaultOptions
// modified by defaults.
func NewRegistry(log zerolog.Logger, defaults ...Option) *Registry {
	opts := DefaultOptions()
	for _, o := range defaults {
		o(&opts)
	}
	return &Registry{log: log, defaults: opts}
}

// Defaults returns the options every prompt starts from.
func (r *Registry) Defaults() Options { return r.defaults }

// Start opens a prompt: it reserves the participant/channel slot, sends the
// trigger and arms the timer. The prompt is not handed replies until the
// trigger has been sent.
func (r *Registry) Start(ctx context.Context, req Request) (*Prompt, error) {
	if req.Channel == nil {
		return nil, errors.New("prompt: request has no channel")
	}

	opts := r.defaults
	for _, o := range req.Options {
		o(&opts)
	}
	opts.normalize()

	p := newPrompt(r, req.UserID, req.Channel, opts)
	if !r.reserve(p) {
		if opts.BusyNotice != "" {
			if err := req.Channel.Send(ctx, opts.BusyNotice); err != nil {
				r.log.Warn().Err(err).Str("channel_id", req.Channel.ID()).Msg("prompt busy notice failed")
			}
		}
		return nil, ErrActivePrompt
	}

	trigger := req.Trigger
	if opts.FormatTrigger != nil {
		trigger = opts.FormatTrigger(p, trigger)
	}
	if trigger != "" {
		if err := req.Channel.Send(ctx, trigger); err != nil {
			p.finish(ctx, ReasonTriggerFailed, err)
			return nil, p.err
		}
	}

	p.start()
	r.log.Debug().
		Str("user_id", req.UserID).
		Str("channel_id", req.Channel.ID()).
		Dur("time", opts.Time).
		Int("messages", opts.Messages).
		Msg("prompt started")
	return p, nil
}

// Prompt opens a prompt and waits for it to end.
func (r *Registry) Prompt(ctx context.Context, req Request) (Result, error) {
	p, err := r.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return p.Wait(ctx)
}

// reserve inserts p unless a visible prompt already holds its slot.
func (r *Registry) reserve(p *Prompt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !p.opts.Invisible {
		for _, q := range r.prompts {
			if !q.opts.Invisible && q.userID == p.userID && q.channel.ID() == p.channel.ID() {
				return false
			}
		}
	}
	r.prompts = append(r.prompts, p)
	return true
}

func (r *Registry) remove(p *Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = slices.DeleteFunc(r.prompts, func(q *Prompt) bool { return q == p })
}

func (r *Registry) matching(userID, channelID string) []*Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Prompt
	for _, p := range r.prompts {
		if p.userID == userID && p.channel.ID() == channelID {
			out = append(out, p)
		}
	}
	return out
}

// Find returns the live visible prompt for the pair, or nil.
func (r *Registry) Find(userID, channelID string) *Prompt {
	for _, p := range r.matching(userID, channelID) {
		if !p.opts.Invisible && p.isLive() {
			return p
		}
	}
	return nil
}

// Route hands msg to the prompts of its author in its channel. Invisible
// prompts see the message without consuming it. Route reports whether a
// visible prompt consumed the message.
func (r *Registry) Route(ctx context.Context, msg *chat.Message) bool {
	var owner *Prompt
	for _, p := range r.matching(msg.Author.ID, msg.ChannelID()) {
		if !p.isLive() {
			continue
		}
		if p.opts.Invisible {
			p.AddInput(ctx, msg)
			continue
		}
		owner = p
	}
	if owner == nil {
		return false
	}
	owner.AddInput(ctx, msg)
	return true
}

// Cancel ends every prompt of the participant and returns how many ended.
func (r *Registry) Cancel(ctx context.Context, userID string) int {
	r.mu.Lock()
	var targets []*Prompt
	for _, p := range r.prompts {
		if p.userID == userID {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, p := range targets {
		if p.End(ctx, ReasonCancelled) {
			n++
		}
	}
	return n
}

// Len returns the number of registered prompts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

// Snapshots lists the registered prompts.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	prompts := slices.Clone(r.prompts)
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(prompts))
	for _, p := range prompts {
		p.mu.Lock()
		out = append(out, Snapshot{
			UserID:    p.userID,
			ChannelID: p.channel.ID(),
			StartedAt: p.startedAt,
			Attempts:  p.attempts,
			Collected: len(p.values),
			Invisible: p.opts.Invisible,
		})
		p.mu.Unlock()
	}
	return out
}
