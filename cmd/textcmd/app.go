package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/keshon/textcmd/datastore"
	"github.com/keshon/textcmd/internal/api"
	"github.com/keshon/textcmd/internal/command"
	"github.com/keshon/textcmd/internal/config"
	"github.com/keshon/textcmd/internal/console"
	"github.com/keshon/textcmd/internal/db"
	"github.com/keshon/textcmd/internal/discord"
	"github.com/keshon/textcmd/internal/middleware"
	slackbot "github.com/keshon/textcmd/internal/slack"
	"github.com/keshon/textcmd/internal/storage"
	"github.com/keshon/textcmd/pkg/args"
	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/dispatch"
	"github.com/keshon/textcmd/pkg/prompt"
)

// transport is a chat platform that feeds inbound messages to a handler
// until ctx is done.
type transport interface {
	chat.Platform
	Serve(ctx context.Context, h func(ctx context.Context, msg *chat.Message)) error
}

type discordTransport struct{ *discord.Bot }

func (t discordTransport) Serve(ctx context.Context, h func(context.Context, *chat.Message)) error {
	t.OnMessage(h)
	return t.Run(ctx)
}

type slackTransport struct{ *slackbot.Bot }

func (t slackTransport) Serve(ctx context.Context, h func(context.Context, *chat.Message)) error {
	t.OnMessage(h)
	return t.Run(ctx)
}

type consoleTransport struct{ *console.Console }

func (t consoleTransport) Serve(ctx context.Context, h func(context.Context, *chat.Message)) error {
	return t.Run(ctx, h)
}

// openStore opens the configured storage backend. The stats function is nil
// for backends without statistics.
func openStore(cfg *config.Config, log zerolog.Logger) (storage.Store, api.StatsFunc, error) {
	switch cfg.StorageDriver {
	case "sqlite":
		s, err := db.NewSQLiteStore(cfg.StoragePath, cfg.HistoryLimit)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		dc := datastore.DefaultConfig(cfg.StoragePath)
		dc.Logger = log.With().Str("component", "datastore").Logger()
		s, err := storage.Open(dc, cfg.HistoryLimit)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Stats, nil
	}
}

// replyError reports command failures as plain replies.
func replyError(log zerolog.Logger) dispatch.ErrorFunc {
	return func(ctx context.Context, msg *chat.Message, c *cmd.Command, err error) {
		var ended *prompt.EndedError
		if errors.As(err, &ended) {
			log.Debug().Err(err).Str("command", c.ID).Msg("command prompt ended")
			return
		}
		log.Error().Err(err).Str("command", c.ID).Str("user_id", msg.Author.ID).Msg("command failed")

		text := fmt.Sprintf("Error running `%s`: %v", c.ID, err)
		var def *args.DefinitionError
		var p *dispatch.PanicError
		switch {
		case errors.As(err, &def):
			text = fmt.Sprintf("`%s` is misconfigured: %s", c.ID, def.Reason)
		case errors.As(err, &p):
			text = fmt.Sprintf("Error running `%s`: internal error", c.ID)
		}
		if serr := msg.Reply(ctx, text); serr != nil {
			log.Warn().Err(serr).Msg("send error reply")
		}
	}
}

// runOptions are the per-transport parts of a run.
type runOptions struct {
	OnError dispatch.ErrorFunc
	// APIAddr empty disables the status API.
	APIAddr string
}

// run wires storage, commands and the dispatcher to t and serves until ctx
// is done or the transport stops.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, t transport, opts runOptions) error {
	store, stats, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("close storage")
		}
	}()

	module, err := command.New(ctx, command.Deps{Store: store, Log: log, Admins: cfg.Admins})
	if err != nil {
		return err
	}
	defer module.Close()

	commands := cmd.NewRegistry(nil)
	commands.Use(
		middleware.WithCommandLog(store, log),
		middleware.WithCategoryCheck(store, log, command.CategoryAdmin),
	)
	if err := commands.Register(module.Commands()...); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}

	prompts := prompt.NewRegistry(log.With().Str("component", "prompt").Logger(),
		prompt.WithTime(cfg.PromptTime),
		prompt.WithAttempts(cfg.PromptAttempts),
	)

	prefix, err := cfg.PrefixFunc()
	if err != nil {
		return err
	}
	if opts.OnError == nil {
		opts.OnError = replyError(log)
	}
	d := dispatch.New(commands, prompts, t, dispatch.Options{
		Prefix:               prefix,
		DisableMentionPrefix: cfg.DisableMentionPrefix,
		AllowBots:            cfg.AllowBots,
		RestrictedGuilds:     cfg.RestrictedGuilds,
		OnError:              opts.OnError,
		Logger:               log,
	})
	usage := api.NewUsage()
	d.OnCommandUsed(usage.Record)

	sweeper, err := storage.NewSweeper(store, cfg.SweepSchedule, log.With().Str("component", "sweeper").Logger())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return t.Serve(gctx, d.Handle)
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	if opts.APIAddr != "" {
		srv := api.New(commands, prompts, stats, log.With().Str("component", "api").Logger(), api.WithUsage(usage))
		g.Go(func() error { return srv.Run(gctx, opts.APIAddr) })
	}

	log.Info().Int("commands", len(commands.All())).Str("storage", cfg.StorageDriver).Msg("textcmd started")
	err = g.Wait()
	log.Info().Msg("textcmd stopped")
	return err
}
