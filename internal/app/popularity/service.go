package popularity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
	"github.com/whereto/project/internal/platform/logging"
	"github.com/whereto/project/internal/platform/metrics"
)

var (
	ErrEventIDRequired = errors.New("event id is required")
	ErrVoterRequired   = errors.New("voter id is required")
	ErrEventNotFound   = errors.New("event not found")
)

const DefaultTopLimit = 5

type Service struct {
	Repo Repository
	Feed docstore.Feed
	Now  func() time.Time
	// TopEventsRefresh re-runs ranking queries periodically so events drop
	// out once their date passes, even when nobody votes.
	TopEventsRefresh time.Duration
	// Debounce coalesces bursts of votes into one ranking re-query.
	Debounce time.Duration
}

func NewService(repo Repository, feed docstore.Feed) *Service {
	return &Service{
		Repo: repo,
		Feed: feed,
		Now:  func() time.Time { return time.Now().UTC() },
	}
}

// Upvote records voterID's vote for event. A repeat vote is a no-op; applied
// reports whether the count changed.
func (s *Service) Upvote(ctx context.Context, event contracts.PopularEvent, voterID string) (applied bool, err error) {
	event.ID = strings.TrimSpace(event.ID)
	voterID = strings.TrimSpace(voterID)
	if event.ID == "" {
		return false, ErrEventIDRequired
	}
	if voterID == "" {
		return false, ErrVoterRequired
	}
	event.CityKey = contracts.CityKey(event.City)
	now := s.Now()

	err = s.Repo.RunInTx(ctx, func(tx Tx) error {
		applied = false
		voted, err := tx.HasVoted(ctx, event.ID, voterID)
		if err != nil {
			return err
		}
		if voted {
			return nil
		}
		if err := tx.IncrementEvent(ctx, event); err != nil {
			return err
		}
		if err := tx.AddVoter(ctx, event.ID, voterID, now); err != nil {
			return err
		}
		applied = true
		return nil
	})
	s.recordVote("upvote", event.ID, voterID, applied, err)
	if err != nil {
		return false, fmt.Errorf("upvote event %s: %w", event.ID, err)
	}
	return applied, nil
}

// RemoveVote withdraws voterID's vote. Without a prior vote it is a no-op.
// The last remaining vote retires the event record entirely.
func (s *Service) RemoveVote(ctx context.Context, eventID, voterID string) (applied bool, err error) {
	eventID = strings.TrimSpace(eventID)
	voterID = strings.TrimSpace(voterID)
	if eventID == "" {
		return false, ErrEventIDRequired
	}
	if voterID == "" {
		return false, ErrVoterRequired
	}

	err = s.Repo.RunInTx(ctx, func(tx Tx) error {
		applied = false
		voted, err := tx.HasVoted(ctx, eventID, voterID)
		if err != nil {
			return err
		}
		if !voted {
			return nil
		}
		event, found, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if !found || event.Popularity <= 1 {
			err = tx.DeleteEvent(ctx, eventID)
		} else {
			err = tx.DecrementEvent(ctx, eventID)
		}
		if err != nil {
			return err
		}
		if err := tx.RemoveVoter(ctx, eventID, voterID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	s.recordVote("remove_vote", eventID, voterID, applied, err)
	if err != nil {
		return false, fmt.Errorf("remove vote on event %s: %w", eventID, err)
	}
	return applied, nil
}

func (s *Service) recordVote(op, eventID, voterID string, applied bool, err error) {
	outcome := "noop"
	switch {
	case err != nil:
		outcome = "error"
	case applied:
		outcome = "applied"
	}
	metrics.Votes.WithLabelValues(op, outcome).Inc()
	if err != nil {
		logging.Component("popularity").WithFields(logrus.Fields{
			"op":       op,
			"event_id": eventID,
			"voter_id": voterID,
		}).WithError(err).Warn("vote transaction failed")
	}
}

// TopEventsSubscription is a live top-N ranking for one city.
type TopEventsSubscription struct {
	*docstore.Subscription[[]contracts.PopularEvent]
	CityKey string
	Limit   int

	once sync.Once
}

func (t *TopEventsSubscription) Cancel() {
	t.once.Do(func() {
		t.Subscription.Cancel()
		metrics.LiveSubscriptions.WithLabelValues("top_events").Dec()
	})
}

// SubscribeTopEvents delivers the city's upcoming events ordered by date, then
// popularity, on every change to the city's partition. "Now" is re-evaluated
// on each delivery. A non-positive limit means DefaultTopLimit.
func (s *Service) SubscribeTopEvents(city string, limit int, onUpdate func([]contracts.PopularEvent), onError func(error)) (*TopEventsSubscription, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	cityKey := contracts.CityKey(city)

	if onError == nil {
		onError = func(err error) {
			logging.Component("popularity").WithField("city_key", cityKey).WithError(err).
				Warn("top events query failed")
		}
	}

	sub, err := docstore.Listen(s.Feed, CityTopic(cityKey),
		func(ctx context.Context) ([]contracts.PopularEvent, error) {
			return s.Repo.TopEvents(ctx, cityKey, s.Now(), limit)
		},
		onUpdate,
		onError,
		docstore.Options{Debounce: s.Debounce, Refresh: s.TopEventsRefresh},
	)
	if err != nil {
		return nil, fmt.Errorf("listen top events for %q: %w", cityKey, err)
	}
	metrics.LiveSubscriptions.WithLabelValues("top_events").Inc()
	return &TopEventsSubscription{Subscription: sub, CityKey: cityKey, Limit: limit}, nil
}

// PurgeExpired deletes the city's events dated before now, together with
// their votes. Failures are logged and otherwise ignored.
func (s *Service) PurgeExpired(ctx context.Context, city string) {
	cityKey := contracts.CityKey(city)
	log := logging.Component("popularity").WithField("city_key", cityKey)

	ids, err := s.Repo.ExpiredEventIDs(ctx, cityKey, s.Now())
	if err != nil {
		log.WithError(err).Warn("expired events query failed")
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := s.Repo.DeleteEvents(ctx, cityKey, ids); err != nil {
		log.WithError(err).WithField("events", len(ids)).Warn("expired events delete failed")
		return
	}
	metrics.PurgedEvents.WithLabelValues().Add(float64(len(ids)))
	log.WithField("events", len(ids)).Info("purged expired events")
}

func (s *Service) GetEvent(ctx context.Context, eventID string) (contracts.PopularEvent, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return contracts.PopularEvent{}, ErrEventIDRequired
	}
	return s.Repo.GetEvent(ctx, eventID)
}

func (s *Service) VoterCount(ctx context.Context, eventID string) (int64, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return 0, ErrEventIDRequired
	}
	return s.Repo.VoterCount(ctx, eventID)
}
