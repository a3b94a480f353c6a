package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"

	"github.com/mixelka/chatsync/internal/archive"
	"github.com/mixelka/chatsync/internal/backends/imap"
	"github.com/mixelka/chatsync/internal/backends/telegram"
	"github.com/mixelka/chatsync/internal/config"
	"github.com/mixelka/chatsync/internal/database"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	app := &cli.App{
		Name:  "chatsync",
		Usage: "synchronize chat history from online services into a local archive",
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "download new chat messages from the configured accounts",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "retry conversations that failed to import before",
					},
				},
				Action: func(c *cli.Context) error {
					return runSync(c.Context, cfg, logger, c.Bool("force"))
				},
			},
			{
				Name:  "stats",
				Usage: "show statistics about the local archive",
				Action: func(c *cli.Context) error {
					return runStats(c.Context, cfg)
				},
			},
			{
				Name:      "search",
				Usage:     "search the local archive for messages matching all keywords",
				ArgsUsage: "KEYWORD...",
				Action: func(c *cli.Context) error {
					return runSearch(c.Context, cfg, c.Args().Slice())
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger, force bool) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := archive.NewRegistry()
	registry.Register(imap.Name, imap.New)
	registry.Register(telegram.Name, telegram.New)

	engine := archive.NewEngine(db, registry, cfg, logger)
	_, err = engine.Synchronize(ctx, force)
	return err
}

func runStats(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	counts, err := db.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Statistics about %s:\n\n", cfg.DatabasePath)
	fmt.Printf(" - Number of accounts: %d\n", counts.Accounts)
	fmt.Printf(" - Number of contacts: %d\n", counts.Contacts)
	fmt.Printf(" - Number of conversations: %d\n", counts.Conversations)
	fmt.Printf(" - Number of messages: %d\n", counts.Messages)
	fmt.Printf(" - Messages with HTML formatting: %d\n", counts.HTMLMessages)
	return nil
}

func runSearch(ctx context.Context, cfg *config.Config, keywords []string) error {
	if len(keywords) == 0 {
		return fmt.Errorf("at least one keyword is required")
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.SearchMessages(ctx, keywords)
	if err != nil {
		return err
	}
	for _, result := range results {
		name := ""
		if result.ConversationName != nil {
			name = " " + *result.ConversationName
		}
		fmt.Printf("%s [%s/%s%s] %s: %s\n",
			result.Timestamp.Format(time.DateTime),
			result.Backend, result.Account, name,
			result.SenderName(), result.Text)
	}
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
