// Package config loads runtime settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every setting of the bot process.
type Config struct {
	DiscordToken  string `env:"DISCORD_TOKEN"`
	SlackBotToken string `env:"SLACK_BOT_TOKEN"`
	SlackAppToken string `env:"SLACK_APP_TOKEN"`

	Prefixes             []string `env:"PREFIXES" envDefault:"!" envSeparator:","`
	PrefixFile           string   `env:"PREFIX_FILE"`
	DisableMentionPrefix bool     `env:"DISABLE_MENTION_PREFIX"`
	AllowBots            bool     `env:"ALLOW_BOTS"`
	RestrictedGuilds     []string `env:"RESTRICTED_GUILDS" envSeparator:","`
	// Admins may toggle command categories. Empty lets everyone.
	Admins []string `env:"ADMINS" envSeparator:","`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"json"`
	StoragePath   string `env:"STORAGE_PATH" envDefault:"datastore.json"`
	HistoryLimit  int    `env:"HISTORY_LIMIT" envDefault:"20"`
	SweepSchedule string `env:"COOLDOWN_SWEEP" envDefault:"@every 1m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile   string `env:"LOG_FILE"`

	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	PromptTime     time.Duration `env:"PROMPT_TIME" envDefault:"3m"`
	PromptAttempts int           `env:"PROMPT_ATTEMPTS" envDefault:"10"`
}

// envFile is a package-level variable so tests can point at their own file.
var envFile = ".env"

// Load reads .env (when present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that env tags cannot.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q (want json or sqlite)", c.StorageDriver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q (want text or json)", c.LogFormat)
	}
	if c.PromptTime < 0 {
		return errors.New("PROMPT_TIME must not be negative")
	}
	if c.PromptAttempts < 1 {
		return errors.New("PROMPT_ATTEMPTS must be at least 1")
	}
	return nil
}
