package prompt

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/keshon/textcmd/pkg/chat"
)

const (
	DefaultTime          = 3 * time.Minute
	DefaultAttempts      = 10
	DefaultCancelKeyword = "cancel"

	CancelNotice   = "Cancelled prompt."
	AttemptsNotice = "Too many attempts."
	BusyNotice     = "You already have a currently running prompt in this channel. Finish or cancel that prompt before running another."
)

// Predicate inspects a candidate reply.
type Predicate func(ctx context.Context, msg *chat.Message, p *Prompt) bool

// Corrector is called with replies that failed the filter. It may send output.
type Corrector func(ctx context.Context, msg *chat.Message, p *Prompt) error

// Formatter rewrites outgoing trigger or correction text.
type Formatter func(p *Prompt, content string) string

type filterKind int

const (
	filterAny filterKind = iota
	filterMatch
	filterPattern
	filterOneOf
	filterMaxLength
)

// Filter decides which replies are collected. The zero Filter accepts
// every reply.
type Filter struct {
	kind     filterKind
	match    Predicate
	pattern  *regexp.Regexp
	literals []string
	maxLen   int
}

// Match accepts replies for which pred returns true.
func Match(pred Predicate) Filter {
	return Filter{kind: filterMatch, match: pred}
}

// Pattern accepts replies whose content matches re. A nil re accepts
// everything.
func Pattern(re *regexp.Regexp) Filter {
	return Filter{kind: filterPattern, pattern: re}
}

// OneOf accepts replies equal to one of literals, ignoring case.
func OneOf(literals ...string) Filter {
	lower := make([]string, len(literals))
	for i, l := range literals {
		lower[i] = strings.ToLower(l)
	}
	return Filter{kind: filterOneOf, literals: lower}
}

// MaxLength accepts non-empty replies of at most n characters.
func MaxLength(n int) Filter {
	return Filter{kind: filterMaxLength, maxLen: n}
}

func (f Filter) predicate() Predicate {
	switch f.kind {
	case filterMatch:
		if f.match != nil {
			return f.match
		}
	case filterPattern:
		if re := f.pattern; re != nil {
			return func(_ context.Context, msg *chat.Message, _ *Prompt) bool {
				return re.MatchString(msg.Content)
			}
		}
	case filterOneOf:
		lits := f.literals
		return func(_ context.Context, msg *chat.Message, _ *Prompt) bool {
			return slices.Contains(lits, strings.ToLower(msg.Content))
		}
	case filterMaxLength:
		n := f.maxLen
		return func(_ context.Context, msg *chat.Message, _ *Prompt) bool {
			l := utf8.RuneCountInString(msg.Content)
			return l > 0 && l <= n
		}
	}
	return func(context.Context, *chat.Message, *Prompt) bool { return true }
}

// Options configures a prompt. Registries hold a default set that every
// request starts from.
type Options struct {
	Filter        Filter
	Correct       Corrector
	FormatTrigger Formatter
	FormatCorrect Formatter

	// Cancellable lets the participant end the prompt by replying CancelKeyword.
	Cancellable   bool
	CancelKeyword string
	// AutoRespond sends CancelNotice or AttemptsNotice when the prompt fails.
	AutoRespond bool
	// Invisible prompts coexist with other prompts for the same participant
	// and channel and never consume the messages they see.
	Invisible bool

	// Messages is how many accepted replies end the prompt successfully.
	Messages int
	// Attempts caps the number of replies; zero means unlimited.
	Attempts int
	// Time is the time budget; zero means no limit.
	Time time.Duration

	// MatchUntil ends the prompt successfully on the first accepted reply
	// it returns true for. AddLastMatch keeps that reply in the result.
	MatchUntil   Predicate
	AddLastMatch bool

	CancelNotice   string
	AttemptsNotice string
	BusyNotice     string
}

// DefaultOptions returns the stock prompt configuration.
func DefaultOptions() Options {
	return Options{
		Cancellable:    true,
		CancelKeyword:  DefaultCancelKeyword,
		AutoRespond:    true,
		Messages:       1,
		Attempts:       DefaultAttempts,
		Time:           DefaultTime,
		CancelNotice:   CancelNotice,
		AttemptsNotice: AttemptsNotice,
		BusyNotice:     BusyNotice,
	}
}

func (o *Options) normalize() {
	if o.Messages < 1 {
		o.Messages = 1
	}
	if o.Attempts < 0 {
		o.Attempts = 0
	}
	if o.Time < 0 {
		o.Time = 0
	}
	if o.CancelKeyword == "" {
		o.CancelKeyword = DefaultCancelKeyword
	}
}

// Option mutates Options.
type Option func(*Options)

// WithFilter sets the reply filter.
func WithFilter(f Filter) Option {
	return func(o *Options) { o.Filter = f }
}

// WithCorrector sets the handler for rejected replies.
func WithCorrector(c Corrector) Option {
	return func(o *Options) { o.Correct = c }
}

// WithCorrection replies with text (run through FormatCorrect) to every
// rejected reply.
func WithCorrection(text string) Option {
	return WithCorrectionFunc(func(*chat.Message) string { return text })
}

// WithCorrectionFunc replies with the text fn builds for a rejected reply.
func WithCorrectionFunc(fn func(msg *chat.Message) string) Option {
	return func(o *Options) {
		o.Correct = func(ctx context.Context, msg *chat.Message, p *Prompt) error {
			text := fn(msg)
			if f := p.opts.FormatCorrect; f != nil {
				text = f(p, text)
			}
			if text == "" {
				return nil
			}
			return msg.Reply(ctx, text)
		}
	}
}

// WithFormatTrigger sets the trigger formatter.
func WithFormatTrigger(f Formatter) Option {
	return func(o *Options) { o.FormatTrigger = f }
}

// WithFormatCorrect sets the correction formatter.
func WithFormatCorrect(f Formatter) Option {
	return func(o *Options) { o.FormatCorrect = f }
}

// Cancellable toggles the cancel keyword.
func Cancellable(on bool) Option {
	return func(o *Options) { o.Cancellable = on }
}

// WithCancelKeyword replaces "cancel".
func WithCancelKeyword(k string) Option {
	return func(o *Options) { o.CancelKeyword = k }
}

// AutoRespond toggles the automatic failure notices.
func AutoRespond(on bool) Option {
	return func(o *Options) { o.AutoRespond = on }
}

// Invisible lets the prompt coexist with others for the same pair.
func Invisible() Option {
	return func(o *Options) { o.Invisible = true }
}

// WithMessages sets the number of replies to collect.
func WithMessages(n int) Option {
	return func(o *Options) { o.Messages = n }
}

// WithAttempts sets the attempt limit; zero is unlimited.
func WithAttempts(n int) Option {
	return func(o *Options) { o.Attempts = n }
}

// WithTime sets the time budget; zero is unlimited.
func WithTime(d time.Duration) Option {
	return func(o *Options) { o.Time = d }
}

// WithMatchUntil sets the early stop predicate.
func WithMatchUntil(pred Predicate, addLastMatch bool) Option {
	return func(o *Options) {
		o.MatchUntil = pred
		o.AddLastMatch = addLastMatch
	}
}
