package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/billsync/internal/config"
	billingzerolog "github.com/mihaimyh/billsync/pkg/billing/logger/zerolog"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.Store != config.StorePostgres {
				return errors.New("migrate requires BILLSYNC_STORE=postgres")
			}

			ctx := cmd.Context()
			cfg := *opts.cfg
			cfg.Postgres.AutoMigrate = false

			s, err := openPostgres(ctx, &cfg, billingzerolog.NewLogger(opts.log))
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Migrate(ctx); err != nil {
				return err
			}
			opts.log.Info().Msg("migrations applied")
			return nil
		},
	}
}
