package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync SUBSCRIPTION_ID...",
		Short: "Pull subscriptions from the provider and reconcile the local mirror",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()

			var failed int
			for _, id := range args {
				sub, err := a.webhooks.SyncSubscription(ctx, id)
				if err != nil {
					failed++
					opts.log.Error().Err(err).Str("subscription_id", id).Msg("sync failed")
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", sub.ProviderSubscriptionID, sub.UserEmail, sub.Plan, sub.Status)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d subscriptions failed to sync", failed, len(args))
			}
			return nil
		},
	}
}
