package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/billsync/internal/config"
)

type rootOptions struct {
	envFiles []string
	cfg      *config.Config
	log      zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "billsyncd",
		Short:         "Billing reconciliation daemon",
		Long:          "billsyncd mirrors payment provider subscriptions and invoices into a local store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFiles...)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = newLogger(cfg)
			return nil
		},
	}

	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load before reading the environment")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSyncCmd(opts),
	)
	return cmd
}

// newLogger builds a console logger in development and JSON otherwise
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.IsDevelopment() {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "billsyncd").Logger()
}
