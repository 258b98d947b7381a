package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/whereto/project/internal/app/popularity"
	"github.com/whereto/project/internal/contracts"
)

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge CITY...",
		Short: "Delete past events from the given cities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			votes := popularity.NewService(store.Votes, store.Feed)
			for _, city := range args {
				votes.PurgeExpired(cmd.Context(), city)
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", contracts.CityKey(city))
			}
			return nil
		},
	}
}
