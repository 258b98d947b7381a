package popularity

import (
	"context"
	"sync"
	"time"

	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
	"github.com/whereto/project/internal/platform/logging"
)

// MemoryRepository runs transactions one at a time against a staged copy of
// its maps, which is swapped in only when fn succeeds.
type MemoryRepository struct {
	Feed docstore.Feed

	mu      sync.Mutex
	events  map[string]contracts.PopularEvent
	members map[string]map[string]time.Time
}

func NewMemoryRepository(feed docstore.Feed) *MemoryRepository {
	return &MemoryRepository{
		Feed:    feed,
		events:  map[string]contracts.PopularEvent{},
		members: map[string]map[string]time.Time{},
	}
}

func (r *MemoryRepository) RunInTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	tx := &memoryTx{
		events:  make(map[string]contracts.PopularEvent, len(r.events)),
		members: make(map[string]map[string]time.Time, len(r.members)),
		touched: touchedCities{},
	}
	for id, event := range r.events {
		tx.events[id] = event
	}
	for id, voters := range r.members {
		copied := make(map[string]time.Time, len(voters))
		for voter, at := range voters {
			copied[voter] = at
		}
		tx.members[id] = copied
	}
	err := fn(tx)
	if err == nil {
		r.events = tx.events
		r.members = tx.members
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notify(ctx, tx.touched.topics()...)
	return nil
}

func (r *MemoryRepository) TopEvents(_ context.Context, cityKey string, now time.Time, limit int) ([]contracts.PopularEvent, error) {
	r.mu.Lock()
	events := make([]contracts.PopularEvent, 0)
	for _, event := range r.events {
		if event.CityKey != cityKey || event.Date == nil || event.Date.Before(now) {
			continue
		}
		events = append(events, event)
	}
	r.mu.Unlock()

	rankEvents(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *MemoryRepository) ExpiredEventIDs(_ context.Context, cityKey string, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := []string{}
	for id, event := range r.events {
		if event.CityKey == cityKey && event.Date != nil && event.Date.Before(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *MemoryRepository) DeleteEvents(ctx context.Context, cityKey string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	r.mu.Lock()
	for _, id := range eventIDs {
		if event, ok := r.events[id]; ok && event.CityKey == cityKey {
			delete(r.events, id)
			delete(r.members, id)
		}
	}
	r.mu.Unlock()

	r.notify(ctx, CityTopic(cityKey))
	return nil
}

func (r *MemoryRepository) GetEvent(_ context.Context, eventID string) (contracts.PopularEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok {
		return contracts.PopularEvent{}, ErrEventNotFound
	}
	return event, nil
}

func (r *MemoryRepository) VoterCount(_ context.Context, eventID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.members[eventID])), nil
}

func (r *MemoryRepository) notify(ctx context.Context, topics ...docstore.Topic) {
	if err := docstore.PublishAll(ctx, r.Feed, topics...); err != nil {
		logging.Component("popularity").WithError(err).Warn("change notice publish failed")
	}
}

type memoryTx struct {
	events  map[string]contracts.PopularEvent
	members map[string]map[string]time.Time
	touched touchedCities
}

func (t *memoryTx) HasVoted(_ context.Context, eventID, voterID string) (bool, error) {
	_, ok := t.members[eventID][voterID]
	return ok, nil
}

func (t *memoryTx) GetEvent(_ context.Context, eventID string) (contracts.PopularEvent, bool, error) {
	event, ok := t.events[eventID]
	return event, ok, nil
}

func (t *memoryTx) IncrementEvent(_ context.Context, event contracts.PopularEvent) error {
	event.Popularity = 1
	if existing, ok := t.events[event.ID]; ok {
		t.touched.add(existing.CityKey)
		event = mergeEvent(existing, event)
		event.Popularity = existing.Popularity + 1
	}
	t.events[event.ID] = event
	t.touched.add(event.CityKey)
	return nil
}

func (t *memoryTx) DecrementEvent(_ context.Context, eventID string) error {
	event, ok := t.events[eventID]
	if !ok || event.Popularity <= 0 {
		return nil
	}
	event.Popularity--
	t.events[eventID] = event
	t.touched.add(event.CityKey)
	return nil
}

func (t *memoryTx) DeleteEvent(_ context.Context, eventID string) error {
	event, ok := t.events[eventID]
	if !ok {
		return nil
	}
	delete(t.events, eventID)
	delete(t.members, eventID)
	t.touched.add(event.CityKey)
	return nil
}

func (t *memoryTx) AddVoter(_ context.Context, eventID, voterID string, at time.Time) error {
	voters, ok := t.members[eventID]
	if !ok {
		voters = map[string]time.Time{}
		t.members[eventID] = voters
	}
	voters[voterID] = at
	return nil
}

func (t *memoryTx) RemoveVoter(_ context.Context, eventID, voterID string) error {
	voters, ok := t.members[eventID]
	if !ok {
		return nil
	}
	delete(voters, voterID)
	if len(voters) == 0 {
		delete(t.members, eventID)
	}
	return nil
}
