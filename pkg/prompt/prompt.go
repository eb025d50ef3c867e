// Package prompt implements conversational input collection: a prompt waits
// for one or more replies from one participant in one channel and ends on
// success, cancellation, attempt exhaustion or timeout, whichever comes
// first.
package prompt

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/pkg/chat"
)

// Result is the value of a successful prompt.
type Result struct {
	// Message is set when exactly one reply was requested.
	Message *chat.Message
	// Messages holds the collected replies in arrival order when more than
	// one reply was requested.
	Messages []*chat.Message
}

// Prompt is a running request for replies. Create prompts through a Registry.
type Prompt struct {
	userID    string
	channel   chat.Channel
	startedAt time.Time
	opts      Options
	filter    Predicate
	registry  *Registry
	log       zerolog.Logger

	// inputMu serializes AddInput calls.
	inputMu sync.Mutex

	mu       sync.Mutex
	live     bool
	ended    bool
	reason   Reason
	attempts int
	values   []*chat.Message
	seen     map[string]struct{}
	timer    *time.Timer

	done   chan struct{}
	result Result
	err    error
}

func newPrompt(r *Registry, userID string, ch chat.Channel, opts Options) *Prompt {
	return &Prompt{
		userID:    userID,
		channel:   ch,
		startedAt: time.Now(),
		opts:      opts,
		filter:    opts.Filter.predicate(),
		registry:  r,
		log:       r.log,
		seen:      make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// UserID returns the participant the prompt listens to.
func (p *Prompt) UserID() string { return p.userID }

// Channel returns the channel the prompt listens in.
func (p *Prompt) Channel() chat.Channel { return p.channel }

// StartedAt returns the creation time.
func (p *Prompt) StartedAt() time.Time { return p.startedAt }

// Options returns a copy of the effective options.
func (p *Prompt) Options() Options { return p.opts }

// Attempts returns how many replies the prompt has seen.
func (p *Prompt) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Values returns the collected replies in arrival order.
func (p *Prompt) Values() []*chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.values)
}

// Ended reports whether the prompt reached a terminal state.
func (p *Prompt) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

// Done is closed once the prompt has ended and its result is settled.
func (p *Prompt) Done() <-chan struct{} { return p.done }

// Wait blocks until the prompt ends. Cancelling ctx cancels the prompt.
func (p *Prompt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.End(context.WithoutCancel(ctx), ReasonCancelled)
		<-p.done
	}
	return p.result, p.err
}

// start arms the timer. It is a no-op if the prompt ended while its trigger
// was being sent.
func (p *Prompt) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.live = true
	if p.opts.Time > 0 {
		p.timer = time.AfterFunc(p.opts.Time, func() {
			p.End(context.Background(), ReasonTime)
		})
	}
}

func (p *Prompt) isLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live && !p.ended
}

// AddInput feeds a reply from the participant to the prompt.
func (p *Prompt) AddInput(ctx context.Context, msg *chat.Message) {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()

	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.attempts++
	p.mu.Unlock()

	if p.opts.Cancellable && strings.EqualFold(strings.TrimSpace(msg.Content), p.opts.CancelKeyword) {
		p.End(ctx, ReasonCancelled)
		return
	}

	if p.filter(ctx, msg, p) {
		if p.opts.MatchUntil != nil && p.opts.MatchUntil(ctx, msg, p) {
			if p.opts.AddLastMatch {
				p.record(msg)
			}
			p.End(ctx, ReasonSuccess)
			return
		}
		p.record(msg)
	} else if p.opts.Correct != nil {
		if err := p.opts.Correct(ctx, msg, p); err != nil {
			p.log.Warn().Err(err).Str("user_id", p.userID).Msg("prompt correction failed")
		}
	}

	p.mu.Lock()
	collected, attempts := len(p.values), p.attempts
	p.mu.Unlock()

	if collected >= p.opts.Messages {
		p.End(ctx, ReasonSuccess)
		return
	}
	if p.opts.Attempts > 0 && attempts >= p.opts.Attempts {
		p.End(ctx, ReasonAttempts)
	}
}

func (p *Prompt) record(msg *chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	if _, dup := p.seen[msg.ID]; dup {
		return
	}
	p.seen[msg.ID] = struct{}{}
	p.values = append(p.values, msg)
}

// End moves the prompt to its terminal state. Only the first call has any
// effect; it reports whether this call ended the prompt.
func (p *Prompt) End(ctx context.Context, reason Reason) bool {
	return p.finish(ctx, reason, nil)
}

func (p *Prompt) finish(ctx context.Context, reason Reason, cause error) bool {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return false
	}
	p.ended = true
	p.reason = reason
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	values := slices.Clone(p.values)
	p.mu.Unlock()

	if p.registry != nil {
		p.registry.remove(p)
	}

	if p.opts.AutoRespond {
		var notice string
		switch reason {
		case ReasonCancelled, ReasonTime:
			notice = p.opts.CancelNotice
		case ReasonAttempts:
			notice = p.opts.AttemptsNotice
		}
		if notice != "" {
			if err := p.channel.Send(ctx, notice); err != nil {
				p.log.Warn().Err(err).Str("channel_id", p.channel.ID()).Msg("prompt notice failed")
			}
		}
	}

	if reason == ReasonSuccess {
		if p.opts.Messages == 1 {
			if len(values) > 0 {
				p.result.Message = values[0]
			}
		} else {
			p.result.Messages = values
		}
	} else {
		p.err = &EndedError{Reason: reason, Err: cause}
	}

	p.log.Debug().
		Str("user_id", p.userID).
		Str("channel_id", p.channel.ID()).
		Str("reason", string(reason)).
		Int("collected", len(values)).
		Msg("prompt ended")

	close(p.done)
	return true
}
