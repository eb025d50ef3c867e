package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/cooldown"
	"github.com/keshon/textcmd/pkg/prompt"
)

const (
	maxPollOptions = 9
	pollDone       = "done"
)

var pollMarks = []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣", "6️⃣", "7️⃣", "8️⃣", "9️⃣"}

func (m *Module) pollCommand(cd *cooldown.Cooldown) *cmd.Command {
	return &cmd.Command{
		ID:          "poll",
		Description: "Start a poll; the bot asks for the question and options",
		Usage:       "poll",
		Category:    CategoryUtility,
		Scope:       cmd.ScopeGuildText,
		Cooldown:    cd,
		Exec: func(ctx context.Context, call *cmd.Call) (any, error) {
			q, err := call.Prompt(ctx, "What is the poll question?",
				prompt.WithFilter(prompt.MaxLength(200)),
				prompt.WithCorrection("Keep the question under 200 characters."),
			)
			if err != nil {
				return nil, err
			}

			res, err := call.Prompt(ctx,
				fmt.Sprintf("Send up to %d options, one per message. Say `%s` when finished.", maxPollOptions, pollDone),
				prompt.WithMessages(maxPollOptions),
				prompt.WithAttempts(2*maxPollOptions),
				prompt.WithFilter(prompt.MaxLength(100)),
				prompt.WithCorrection("Keep each option under 100 characters."),
				prompt.WithMatchUntil(func(_ context.Context, msg *chat.Message, _ *prompt.Prompt) bool {
					return strings.EqualFold(strings.TrimSpace(msg.Content), pollDone)
				}, false),
			)
			if err != nil {
				return nil, err
			}

			options := make([]string, 0, len(res.Messages))
			for _, msg := range res.Messages {
				options = append(options, strings.TrimSpace(msg.Content))
			}
			if len(options) < 2 {
				return nil, call.Reply(ctx, "A poll needs at least two options.")
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "📊 **%s**\n", strings.TrimSpace(q.Message.Content))
			for i, o := range options {
				fmt.Fprintf(&sb, "%s %s\n", pollMarks[i], o)
			}
			fmt.Fprintf(&sb, "Poll by %s", call.Message.Author.Username)
			return options, call.Reply(ctx, sb.String())
		},
	}
}
