package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/chatsync.db"`

	// Synchronization
	// SyncAccounts selects which (backend, account) pairs to synchronize.
	// Each selector is "backend" (all known accounts of that backend) or
	// "backend:account". Empty means every registered backend with its
	// default account plus every account already in the archive.
	SyncAccounts []string `env:"SYNC_ACCOUNTS" envSeparator:","`

	// IMAP (Google Talk / Hangouts archives stored in a mail folder)
	IMAPServer      string        `env:"IMAP_SERVER"` // host:port, e.g. imap.gmail.com:993
	IMAPEmail       string        `env:"IMAP_EMAIL"`
	IMAPPassword    string        `env:"IMAP_PASSWORD"`
	IMAPFolder      string        `env:"IMAP_FOLDER" envDefault:"[Gmail]/Chats"`
	IMAPDialTimeout time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`

	// Telegram
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// AccountsForBackend returns the account names selected for a backend, and
// whether the backend was selected at all. A bare "backend" selector selects
// the backend with no explicit account names.
func (c *Config) AccountsForBackend(backend string) ([]string, bool) {
	if len(c.SyncAccounts) == 0 {
		return nil, true
	}
	var names []string
	selected := false
	for _, selector := range c.SyncAccounts {
		selector = strings.TrimSpace(selector)
		name, account, found := strings.Cut(selector, ":")
		if name != backend {
			continue
		}
		selected = true
		if found && account != "" {
			names = append(names, account)
		}
	}
	return names, selected
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
