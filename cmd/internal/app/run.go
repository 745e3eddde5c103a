package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Version is stamped at build time.
var Version = "dev"

// Run is the CLI entrypoint used by cmd/runhub.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return NewCLI().RunContext(ctx, args)
}

// NewCLI builds the runhub command tree.
func NewCLI() *cli.App {
	return &cli.App{
		Name:    "runhub",
		Usage:   "club/brand chat sync server and tools",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Load environment from `FILE` (repeatable; missing files are skipped)",
				Value: cli.NewStringSlice(".env"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override RUNHUB_LOG_LEVEL (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override RUNHUB_LOG_FORMAT (json, pretty)",
			},
		},
		Before: func(c *cli.Context) error {
			return LoadDotEnv(c.StringSlice("env-file")...)
		},
		Commands: []*cli.Command{
			ServeCommand(),
			MigrateCommand(),
			WorkerCommand(),
			SeedCommand(),
			SendCommand(),
			TailCommand(),
			InboxCommand(),
		},
	}
}

// configFrom loads Config and applies global flag overrides.
func configFrom(c *cli.Context) Config {
	cfg := LoadConfig()
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	return cfg
}
