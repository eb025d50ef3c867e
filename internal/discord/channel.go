package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/textcmd/pkg/args"
	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/dispatch"
	"github.com/keshon/textcmd/pkg/prompt"
	"github.com/keshon/textcmd/pkg/retrylimit"
)

const maxMessageLen = 2000

// Channel sends through the bot's limiter and retry policy.
type Channel struct {
	bot *Bot
	id  string
}

func (b *Bot) channel(id string) *Channel { return &Channel{bot: b, id: id} }

func (c *Channel) ID() string { return c.id }

// Send posts content, truncated to Discord's message limit.
func (c *Channel) Send(ctx context.Context, content string) error {
	content = truncate(content, maxMessageLen)
	return retrylimit.Do(ctx, c.bot.limiter, c.bot.policy, func(context.Context) error {
		_, err := c.bot.session.ChannelMessageSend(c.id, content)
		return adaptError(err)
	})
}

// SendEmbed posts an embed.
func (c *Channel) SendEmbed(ctx context.Context, embed *discordgo.MessageEmbed) error {
	return retrylimit.Do(ctx, c.bot.limiter, c.bot.policy, func(context.Context) error {
		_, err := c.bot.session.ChannelMessageSendEmbed(c.id, embed)
		return adaptError(err)
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// restError exposes the HTTP status of a discordgo REST failure.
type restError struct {
	err *discordgo.RESTError
}

func (e *restError) Error() string { return e.err.Error() }
func (e *restError) Unwrap() error { return e.err }
func (e *restError) StatusCode() int {
	if e.err.Response == nil {
		return 0
	}
	return e.err.Response.StatusCode
}

// rateLimitError carries Discord's retry hint.
type rateLimitError struct {
	err *discordgo.RateLimitError
}

func (e *rateLimitError) Error() string   { return e.err.Error() }
func (e *rateLimitError) Unwrap() error   { return e.err }
func (e *rateLimitError) StatusCode() int { return http.StatusTooManyRequests }
func (e *rateLimitError) RetryAfter() time.Duration {
	if e.err.RateLimit == nil || e.err.TooManyRequests == nil {
		return 0
	}
	return e.err.TooManyRequests.RetryAfter
}

func adaptError(err error) error {
	if err == nil {
		return nil
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) {
		return &restError{err: re}
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &rateLimitError{err: rl}
	}
	return err
}

const (
	colorError = 0xE74C3C
	colorWarn  = 0xF1C40F
)

// ErrorEmbed describes a failed command invocation. It returns nil for
// errors the user already saw, such as ended prompts.
func ErrorEmbed(c *cmd.Command, err error) *discordgo.MessageEmbed {
	var ended *prompt.EndedError
	if errors.As(err, &ended) {
		return nil
	}
	var def *args.DefinitionError
	if errors.As(err, &def) {
		return &discordgo.MessageEmbed{
			Title:       "Command misconfigured",
			Description: fmt.Sprintf("`%s` cannot run: %s", c.ID, def.Reason),
			Color:       colorWarn,
		}
	}
	var p *dispatch.PanicError
	if errors.As(err, &p) {
		err = errors.New("internal error")
	}
	return &discordgo.MessageEmbed{
		Title:       "Error running command",
		Description: fmt.Sprintf("`%s`: %v", c.ID, err),
		Color:       colorError,
	}
}

// ReportError is a dispatch.ErrorFunc that logs err and shows it as an
// embed in the channel of the failed message.
func (b *Bot) ReportError(ctx context.Context, msg *chat.Message, c *cmd.Command, err error) {
	ev := b.log.Error()
	var ended *prompt.EndedError
	if errors.As(err, &ended) {
		ev = b.log.Debug()
	}
	ev.Err(err).Str("command", c.ID).Str("user_id", msg.Author.ID).Msg("command failed")

	embed := ErrorEmbed(c, err)
	if embed == nil {
		return
	}
	ch, ok := msg.Channel.(*Channel)
	if !ok {
		if serr := msg.Reply(ctx, embed.Description); serr != nil {
			b.log.Warn().Err(serr).Msg("send error reply")
		}
		return
	}
	if serr := ch.SendEmbed(ctx, embed); serr != nil {
		b.log.Warn().Err(serr).Msg("send error embed")
	}
}
