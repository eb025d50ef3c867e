// Package middleware holds command middleware backed by bot storage.
package middleware

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/internal/storage"
	"github.com/keshon/textcmd/pkg/cmd"
)

// DisabledNotice is sent when a command's category is switched off.
const DisabledNotice = "This command is disabled on this server.\nUse `categories` to check which categories are disabled."

// WithCommandLog records every successful invocation in the guild's command
// history. Storage failures are logged and never fail the command.
func WithCommandLog(store storage.Store, log zerolog.Logger) cmd.Middleware {
	return func(next cmd.HandlerFunc) cmd.HandlerFunc {
		return func(ctx context.Context, call *cmd.Call) (any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			if err != nil {
				return result, err
			}

			msg := call.Message
			entry := storage.HistoryEntry{
				ID:        call.ID,
				GuildID:   msg.GuildID,
				ChannelID: msg.ChannelID(),
				UserID:    msg.Author.ID,
				Username:  msg.Author.Username,
				Command:   call.Command.ID,
				Alias:     call.AliasUsed,
				Args:      call.Cut,
				At:        start,
			}
			if e := store.AppendHistory(ctx, entry); e != nil {
				log.Warn().Err(e).Str("command", call.Command.ID).Msg("failed to log command")
			}
			log.Info().
				Str("command", call.Command.ID).
				Str("guild_id", msg.GuildID).
				Str("user", msg.Author.Username).
				Dur("took", time.Since(start)).
				Msg("command used")
			return result, nil
		}
	}
}

// WithCategoryCheck refuses commands whose category is disabled in the
// guild. Categories in exempt can never be switched off. Direct messages are
// checked against storage.DirectGuild.
func WithCategoryCheck(store storage.Store, log zerolog.Logger, exempt ...string) cmd.Middleware {
	return func(next cmd.HandlerFunc) cmd.HandlerFunc {
		return func(ctx context.Context, call *cmd.Call) (any, error) {
			category := call.Command.Category
			if category == "" || slices.ContainsFunc(exempt, func(e string) bool { return strings.EqualFold(e, category) }) {
				return next(ctx, call)
			}
			disabled, err := store.IsCategoryDisabled(ctx, call.Message.GuildID, category)
			if err != nil {
				log.Warn().Err(err).Str("category", category).Msg("category check failed")
				return next(ctx, call)
			}
			if !disabled {
				return next(ctx, call)
			}
			if err := call.Reply(ctx, DisabledNotice); err != nil {
				log.Warn().Err(err).Str("command", call.Command.ID).Msg("send disabled notice")
			}
			return nil, cmd.ErrStopped
		}
	}
}
