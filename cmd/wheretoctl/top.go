package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/whereto/project/internal/app/popularity"
	"github.com/whereto/project/internal/contracts"
)

func newTopCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "top CITY",
		Short: "Print the current ranking of a city",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			votes := popularity.NewService(store.Votes, store.Feed)
			var queryErr error
			sub, err := votes.SubscribeTopEvents(args[0], limit, nil, func(err error) { queryErr = err })
			if err != nil {
				return err
			}
			defer sub.Cancel()

			events, ok := sub.Latest()
			if !ok {
				if queryErr != nil {
					return queryErr
				}
				return errors.New("ranking unavailable")
			}
			return printRanking(cmd.OutOrStdout(), sub.CityKey, events)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", popularity.DefaultTopLimit, "Number of events to show")
	return cmd
}

func printRanking(out io.Writer, cityKey string, events []contracts.PopularEvent) error {
	if len(events) == 0 {
		_, err := fmt.Fprintf(out, "no upcoming events in %s\n", cityKey)
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tDATE\tVOTES\tID\tTITLE")
	for i, event := range events {
		date := "-"
		if event.Date != nil {
			date = event.Date.UTC().Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", i+1, date, event.Popularity, event.ID, event.Title)
	}
	return tw.Flush()
}
