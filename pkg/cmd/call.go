package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/pkg/args"
	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/prompt"
)

// Call is one invocation of a command.
type Call struct {
	ID       string
	Message  *chat.Message
	Command  *Command
	Commands Table
	// Args holds the resolved arguments. Commands without argument
	// definitions get Raw instead.
	Args args.Values
	Raw  []string
	// Cut is the text after the alias.
	Cut        string
	PrefixUsed string
	AliasUsed  string

	Platform chat.Platform
	Prompts  *prompt.Registry
	Log      zerolog.Logger
}

// Reply sends content to the channel of the invoking message.
func (c *Call) Reply(ctx context.Context, content string) error {
	return c.Message.Reply(ctx, content)
}

// Prompt asks the author for input in the channel of the invoking message.
func (c *Call) Prompt(ctx context.Context, content string, opts ...prompt.Option) (prompt.Result, error) {
	return c.PromptIn(ctx, c.Message.Channel, content, opts...)
}

// PromptIn asks the author for input in ch.
func (c *Call) PromptIn(ctx context.Context, ch chat.Channel, content string, opts ...prompt.Option) (prompt.Result, error) {
	if c.Prompts == nil {
		return prompt.Result{}, errors.New("cmd: call has no prompt registry")
	}
	return c.Prompts.Prompt(ctx, prompt.Request{
		UserID:  c.Message.Author.ID,
		Channel: ch,
		Trigger: content,
		Options: opts,
	})
}

// PromptDirect asks the author for input in a direct conversation.
func (c *Call) PromptDirect(ctx context.Context, content string, opts ...prompt.Option) (prompt.Result, error) {
	if c.Platform == nil {
		return prompt.Result{}, errors.New("cmd: call has no platform")
	}
	ch, err := c.Platform.DirectChannel(ctx, c.Message.Author.ID)
	if err != nil {
		return prompt.Result{}, fmt.Errorf("open direct channel: %w", err)
	}
	return c.PromptIn(ctx, ch, content, opts...)
}

// StartCooldown puts the author on the command's cooldown. It is a no-op
// for commands without one.
func (c *Call) StartCooldown(ctx context.Context) error {
	if c.Command == nil || c.Command.Cooldown == nil {
		return nil
	}
	return c.Command.Cooldown.Start(ctx, c.Message.Author.ID)
}
