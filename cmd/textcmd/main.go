package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/keshon/textcmd/internal/command"
	"github.com/keshon/textcmd/internal/config"
	"github.com/keshon/textcmd/internal/console"
	"github.com/keshon/textcmd/internal/discord"
	"github.com/keshon/textcmd/internal/docs"
	"github.com/keshon/textcmd/internal/logging"
	slackbot "github.com/keshon/textcmd/internal/slack"
	cmdpkg "github.com/keshon/textcmd/pkg/cmd"
)

var (
	version = "dev"
	commit  = "none"
)

var osExit = os.Exit

func main() {
	if err := newRootCmd().Execute(); err != nil {
		osExit(1)
	}
}

// rootFlags are shared by every transport command.
type rootFlags struct {
	noAPI bool
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "textcmd",
		Short:         "Text-command chat bot",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().BoolVar(&flags.noAPI, "no-api", false, "do not start the status API")
	root.AddCommand(newDiscordCmd(&flags))
	root.AddCommand(newSlackCmd(&flags))
	root.AddCommand(newConsoleCmd(&flags))
	root.AddCommand(newDocsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// setup loads the configuration and builds the logger.
func setup(flags *rootFlags) (*config.Config, zerolog.Logger, io.Closer, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, "", err
	}
	log, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, zerolog.Nop(), nil, "", err
	}
	addr := cfg.APIAddr
	if flags.noAPI {
		addr = ""
	}
	return cfg, log, closer, addr, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newDiscordCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "discord",
		Aliases: []string{"d"},
		Short:   "Run the bot on Discord",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, closer, addr, err := setup(flags)
			if err != nil {
				return err
			}
			defer closer.Close()
			if cfg.DiscordToken == "" {
				return errors.New("DISCORD_TOKEN is not set")
			}

			session, err := discord.NewSession(cfg.DiscordToken)
			if err != nil {
				return err
			}
			bot := discord.New(session, log.With().Str("transport", "discord").Logger())

			ctx, stop := signalContext()
			defer stop()
			return run(ctx, cfg, log, discordTransport{bot}, runOptions{OnError: bot.ReportError, APIAddr: addr})
		},
	}
}

func newSlackCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "slack",
		Aliases: []string{"s"},
		Short:   "Run the bot on Slack over Socket Mode",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, closer, addr, err := setup(flags)
			if err != nil {
				return err
			}
			defer closer.Close()
			if cfg.SlackBotToken == "" || cfg.SlackAppToken == "" {
				return errors.New("SLACK_BOT_TOKEN and SLACK_APP_TOKEN must be set")
			}

			client, socket := slackbot.NewClients(cfg.SlackBotToken, cfg.SlackAppToken)
			bot := slackbot.New(client, socket, log.With().Str("transport", "slack").Logger())

			ctx, stop := signalContext()
			defer stop()
			return run(ctx, cfg, log, slackTransport{bot}, runOptions{APIAddr: addr})
		},
	}
}

func newConsoleCmd(flags *rootFlags) *cobra.Command {
	var username string
	c := &cobra.Command{
		Use:     "console",
		Aliases: []string{"c"},
		Short:   "Try commands from the terminal, one message per line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closer, addr, err := setup(flags)
			if err != nil {
				return err
			}
			defer closer.Close()

			con := console.New(cmd.InOrStdin(), cmd.OutOrStdout(), username)
			ctx, stop := signalContext()
			defer stop()
			return run(ctx, cfg, log, consoleTransport{con}, runOptions{APIAddr: addr})
		},
	}
	c.Flags().StringVarP(&username, "user", "u", defaultUsername(), "name to post as")
	return c
}

func newDocsCmd() *cobra.Command {
	var tmplPath, outPath, prefix string
	c := &cobra.Command{
		Use:   "docs",
		Short: "Print the command reference as Markdown",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := docs.Options{Prefix: prefix}
			if tmplPath != "" {
				b, err := os.ReadFile(tmplPath)
				if err != nil {
					return err
				}
				opts.Template = string(b)
			}

			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return writeDocs(cmd.Context(), out, opts)
		},
	}
	c.Flags().StringVarP(&tmplPath, "template", "t", "", "text/template file with a {{.CommandSections}} placeholder")
	c.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	c.Flags().StringVar(&prefix, "prefix", "!", "prefix shown in front of commands")
	return c
}

// writeDocs renders the built-in commands without touching storage.
func writeDocs(ctx context.Context, w io.Writer, opts docs.Options) error {
	module, err := command.New(ctx, command.Deps{Log: zerolog.Nop()})
	if err != nil {
		return err
	}
	defer module.Close()

	table := cmdpkg.NewRegistry(nil)
	if err := table.Register(module.Commands()...); err != nil {
		return err
	}
	opts.Categories = command.Categories(table)
	return docs.Render(w, table, opts)
}

func defaultUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// resolveVersion replaces "dev" with the module version when installed
// via go install.
func resolveVersion(v string) string {
	if v != "dev" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return v
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "textcmd %s\n", resolveVersion(version))
			if commit != "none" {
				fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
			}
		},
	}
}
