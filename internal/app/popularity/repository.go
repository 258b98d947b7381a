package popularity

import (
	"context"
	"sort"
	"time"

	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
)

// Tx is one voting transaction. Reads observe the transaction's snapshot and
// writes become visible together on commit.
type Tx interface {
	HasVoted(ctx context.Context, eventID, voterID string) (bool, error)
	GetEvent(ctx context.Context, eventID string) (contracts.PopularEvent, bool, error)
	// IncrementEvent creates the event with a count of 1, or merges its
	// denormalized fields and adds 1 to the count.
	IncrementEvent(ctx context.Context, event contracts.PopularEvent) error
	DecrementEvent(ctx context.Context, eventID string) error
	DeleteEvent(ctx context.Context, eventID string) error
	AddVoter(ctx context.Context, eventID, voterID string, at time.Time) error
	RemoveVoter(ctx context.Context, eventID, voterID string) error
}

// Repository stores popularity records partitioned by city key. RunInTx
// publishes one change notice per city the transaction touched, after commit.
type Repository interface {
	RunInTx(ctx context.Context, fn func(Tx) error) error
	TopEvents(ctx context.Context, cityKey string, now time.Time, limit int) ([]contracts.PopularEvent, error)
	ExpiredEventIDs(ctx context.Context, cityKey string, now time.Time) ([]string, error)
	DeleteEvents(ctx context.Context, cityKey string, eventIDs []string) error
	GetEvent(ctx context.Context, eventID string) (contracts.PopularEvent, error)
	VoterCount(ctx context.Context, eventID string) (int64, error)
}

func CityTopic(cityKey string) docstore.Topic {
	return docstore.Topic{Collection: contracts.CollectionEvents, Partition: cityKey}
}

// rankEvents orders by date ascending, then popularity descending, then id.
func rankEvents(events []contracts.PopularEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Date.Equal(*b.Date) {
			return a.Date.Before(*b.Date)
		}
		if a.Popularity != b.Popularity {
			return a.Popularity > b.Popularity
		}
		return a.ID < b.ID
	})
}

// mergeEvent overlays the fields a voter sent on the stored record. Empty
// fields keep the stored value.
func mergeEvent(stored, incoming contracts.PopularEvent) contracts.PopularEvent {
	merged := stored
	if incoming.Title != "" {
		merged.Title = incoming.Title
	}
	if incoming.CityKey != "" {
		merged.City = incoming.City
		merged.CityKey = incoming.CityKey
	}
	if incoming.Date != nil {
		merged.Date = incoming.Date
	}
	if incoming.ImageURL != "" {
		merged.ImageURL = incoming.ImageURL
	}
	if incoming.TMID != "" {
		merged.TMID = incoming.TMID
	}
	return merged
}

// touchedCities collects the city partitions written by a transaction.
type touchedCities map[string]struct{}

func (t touchedCities) add(cityKey string) {
	t[cityKey] = struct{}{}
}

func (t touchedCities) topics() []docstore.Topic {
	keys := make([]string, 0, len(t))
	for key := range t {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	topics := make([]docstore.Topic, 0, len(keys))
	for _, key := range keys {
		topics = append(topics, CityTopic(key))
	}
	return topics
}
