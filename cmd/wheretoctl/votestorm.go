package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/whereto/project/internal/app/popularity"
	"github.com/whereto/project/internal/contracts"
	"golang.org/x/sync/errgroup"
)

type stormOptions struct {
	eventID     string
	city        string
	title       string
	daysAhead   int
	voters      int
	concurrency int
	repeat      int
}

type stormResult struct {
	Applied  int64
	Noop     int64
	Failed   int64
	Count    int64
	Voters   int64
	Duration time.Duration
}

func newVoteStormCmd() *cobra.Command {
	opts := stormOptions{}
	cmd := &cobra.Command{
		Use:   "vote-storm",
		Short: "Cast concurrent upvotes on one event and report the final count",
		Long: `Every voter upvotes the same event from its own goroutine. With --repeat
each voter votes again, which must not change the count.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			votes := popularity.NewService(store.Votes, store.Feed)
			result, err := runStorm(cmd.Context(), votes, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"event %s: applied=%d noop=%d failed=%d popularity=%d voters=%d in %s\n",
				opts.eventID, result.Applied, result.Noop, result.Failed, result.Count, result.Voters,
				result.Duration.Round(time.Millisecond))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.eventID, "event", "storm-"+uuid.NewString()[:8], "Event id to vote on")
	f.StringVar(&opts.city, "city", "Boston", "City of the event")
	f.StringVar(&opts.title, "title", "Vote storm", "Event title")
	f.IntVar(&opts.daysAhead, "days-ahead", 1, "Days until the event date")
	f.IntVar(&opts.voters, "voters", 50, "Number of distinct voters")
	f.IntVar(&opts.concurrency, "concurrency", 16, "Maximum concurrent votes")
	f.IntVar(&opts.repeat, "repeat", 1, "Votes per voter")
	return cmd
}

func runStorm(ctx context.Context, votes *popularity.Service, opts stormOptions) (stormResult, error) {
	if opts.voters <= 0 {
		return stormResult{}, fmt.Errorf("voters must be > 0")
	}
	if opts.repeat <= 0 {
		opts.repeat = 1
	}
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}

	date := votes.Now().AddDate(0, 0, opts.daysAhead)
	event := contracts.PopularEvent{ID: opts.eventID, Title: opts.title, City: opts.city, Date: &date}

	voterIDs := make([]string, opts.voters)
	for i := range voterIDs {
		voterIDs[i] = uuid.NewString()
	}

	var applied, noop, failed atomic.Int64
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for round := 0; round < opts.repeat; round++ {
		for _, voterID := range voterIDs {
			voterID := voterID
			g.Go(func() error {
				ok, err := votes.Upvote(gctx, event, voterID)
				switch {
				case err != nil:
					failed.Add(1)
				case ok:
					applied.Add(1)
				default:
					noop.Add(1)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	result := stormResult{
		Applied:  applied.Load(),
		Noop:     noop.Load(),
		Failed:   failed.Load(),
		Duration: time.Since(started),
	}

	stored, err := votes.GetEvent(ctx, opts.eventID)
	if err != nil {
		return result, err
	}
	result.Count = stored.Popularity
	if result.Voters, err = votes.VoterCount(ctx, opts.eventID); err != nil {
		return result, err
	}
	return result, nil
}
