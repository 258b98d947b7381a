package api

import (
	"fmt"
	"sync"

	"github.com/whereto/project/internal/app/popularity"
	"github.com/whereto/project/internal/contracts"
)

type rankingMessage struct {
	Events []contracts.PopularEvent
	Err    error
}

// rankingHub shares one live top-events subscription per (city, limit) among
// every stream watching it.
type rankingHub struct {
	votes *popularity.Service

	mu    sync.Mutex
	byKey map[string]*rankingFeed
}

type rankingFeed struct {
	sub *popularity.TopEventsSubscription

	mu          sync.Mutex
	subscribers map[uint64]chan rankingMessage
	nextID      uint64
}

func newRankingHub(votes *popularity.Service) *rankingHub {
	return &rankingHub{votes: votes, byKey: map[string]*rankingFeed{}}
}

func (h *rankingHub) Subscribe(city string, limit int) (<-chan rankingMessage, func(), error) {
	if limit <= 0 {
		limit = popularity.DefaultTopLimit
	}
	key := fmt.Sprintf("%s|%d", contracts.CityKey(city), limit)

	h.mu.Lock()
	feed, ok := h.byKey[key]
	if !ok {
		feed = &rankingFeed{subscribers: map[uint64]chan rankingMessage{}}
		sub, err := h.votes.SubscribeTopEvents(city, limit, feed.publishEvents, feed.publishError)
		if err != nil {
			h.mu.Unlock()
			return nil, nil, err
		}
		feed.sub = sub
		h.byKey[key] = feed
	}
	id, ch := feed.add()
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			empty := feed.remove(id)
			if empty {
				if current, ok := h.byKey[key]; ok && current == feed {
					delete(h.byKey, key)
				}
			}
			h.mu.Unlock()
			if empty {
				feed.sub.Cancel()
			}
		})
	}
	return ch, unsubscribe, nil
}

// Len reports the number of distinct live ranking subscriptions.
func (h *rankingHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byKey)
}

func (f *rankingFeed) add() (uint64, chan rankingMessage) {
	ch := make(chan rankingMessage, 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.subscribers[id] = ch
	if latest, ok := f.sub.Latest(); ok {
		ch <- rankingMessage{Events: latest}
	}
	return id, ch
}

func (f *rankingFeed) remove(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, id)
	return len(f.subscribers) == 0
}

func (f *rankingFeed) publishEvents(events []contracts.PopularEvent) {
	f.broadcast(rankingMessage{Events: events})
}

func (f *rankingFeed) publishError(err error) {
	f.broadcast(rankingMessage{Err: err})
}

// broadcast keeps only the newest message in each subscriber's slot.
func (f *rankingFeed) broadcast(msg rankingMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- msg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- msg:
		default:
		}
	}
}
