package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/whereto/project/internal/app/backend"
	"github.com/whereto/project/internal/platform/env"
	"github.com/whereto/project/internal/platform/logging"
)

type rootOptions struct {
	backend     string
	databaseURL string
	natsURL     string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "wheretoctl",
		Short: "Operate the WhereTo item store and popularity rankings",
		Long: `Administrative commands for the WhereTo backend.

Flags override the matching environment variables (STORE_BACKEND,
DATABASE_URL, NATS_URL, LOG_LEVEL) and config.yaml values.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := env.Load(); err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("backend") {
				env.Set("STORE_BACKEND", opts.backend)
			}
			if flags.Changed("database-url") {
				env.Set("DATABASE_URL", opts.databaseURL)
			}
			if flags.Changed("nats-url") {
				env.Set("NATS_URL", opts.natsURL)
			}
			if flags.Changed("log-level") {
				env.Set("LOG_LEVEL", opts.logLevel)
			}
			logging.Bootstrap(env.String("LOG_LEVEL", "warn"), env.String("LOG_FORMAT", "text"))
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.backend, "backend", backend.KindPostgres, "Store backend (postgres, memory)")
	pf.StringVar(&opts.databaseURL, "database-url", env.DefaultDatabaseURL, "Postgres connection URL")
	pf.StringVar(&opts.natsURL, "nats-url", env.DefaultNATSURL, "NATS server URL")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "Log level")

	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newTopCmd())
	cmd.AddCommand(newVoteStormCmd())
	cmd.AddCommand(newTokenCmd())
	return cmd
}

// openBackend opens the configured backend for the duration of one command.
func openBackend(ctx context.Context) (*backend.Backend, error) {
	return backend.Open(ctx, backend.ConfigFromEnv())
}
