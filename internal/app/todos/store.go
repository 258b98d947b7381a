package todos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
	"github.com/whereto/project/internal/platform/logging"
	"github.com/whereto/project/internal/platform/metrics"
)

var ErrTitleRequired = errors.New("title is required")

// Snapshot is the mirror as seen by readers: active items sorted by date and
// trash sorted most recently deleted first. Receivers must not modify it.
type Snapshot struct {
	UserID string           `json:"userId"`
	Active []contracts.Item `json:"active"`
	Trash  []contracts.Item `json:"trash"`
}

type itemSubscription = docstore.Subscription[[]contracts.Item]

// Store mirrors one user's active and trash partitions. Pushes from the
// repository replace a half of the mirror wholesale; Trash and Restore edit the
// mirror first and write afterwards.
type Store struct {
	Repo  Repository
	Feed  docstore.Feed
	Now   func() time.Time
	NewID func() string
	// Listen tunes the two live listeners opened by Connect.
	Listen docstore.Options
	// OnListenError receives listener read failures. The listener stays open.
	OnListenError func(collection string, err error)

	connMu sync.Mutex

	mu        sync.Mutex
	userID    string
	gen       uint64
	active    []contracts.Item
	trash     []contracts.Item
	activeSub *itemSubscription
	trashSub  *itemSubscription
	watchers  map[uint64]chan Snapshot
	nextWatch uint64
}

func NewStore(repo Repository, feed docstore.Feed) *Store {
	return &Store{
		Repo:  repo,
		Feed:  feed,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

// Connect tears down any previous listeners, clears the mirror and, for a
// non-empty userID, opens the active and trash listeners. Both initial
// snapshots have been applied when it returns. Connect(ctx, "") disconnects,
// even with a cancelled ctx.
func (s *Store) Connect(ctx context.Context, userID string) error {
	if userID != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	oldActive, oldTrash := s.activeSub, s.trashSub
	s.activeSub, s.trashSub = nil, nil
	s.userID = userID
	s.active, s.trash = nil, nil
	s.broadcastLocked()
	s.mu.Unlock()

	cancelSubscription(oldActive, contracts.CollectionActive)
	cancelSubscription(oldTrash, contracts.CollectionTrash)

	if userID == "" {
		return nil
	}

	activeSub, err := s.listen(gen, userID, contracts.CollectionActive)
	if err != nil {
		s.abandon(gen)
		return fmt.Errorf("listen active items: %w", err)
	}
	trashSub, err := s.listen(gen, userID, contracts.CollectionTrash)
	if err != nil {
		cancelSubscription(activeSub, contracts.CollectionActive)
		s.abandon(gen)
		return fmt.Errorf("listen trash items: %w", err)
	}

	s.mu.Lock()
	s.activeSub, s.trashSub = activeSub, trashSub
	s.mu.Unlock()
	return nil
}

// Close disconnects the store. Watch channels stay open until cancelled.
func (s *Store) Close() {
	_ = s.Connect(context.Background(), "")
}

func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Store) Connected() bool {
	return s.UserID() != ""
}

func (s *Store) listen(gen uint64, userID, collection string) (*itemSubscription, error) {
	topic := ActiveTopic(userID)
	fetch := s.Repo.ListActive
	if collection == contracts.CollectionTrash {
		topic = TrashTopic(userID)
		fetch = s.Repo.ListTrash
	}

	sub, err := docstore.Listen(s.Feed, topic,
		func(ctx context.Context) ([]contracts.Item, error) {
			return fetch(ctx, userID)
		},
		func(items []contracts.Item) {
			s.apply(gen, collection, items)
		},
		func(err error) {
			s.listenFailed(gen, collection, err)
		},
		s.Listen,
	)
	if err != nil {
		return nil, err
	}
	metrics.LiveSubscriptions.WithLabelValues(collection).Inc()
	return sub, nil
}

func (s *Store) abandon(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.gen++
	s.userID = ""
	s.active, s.trash = nil, nil
	s.broadcastLocked()
}

func (s *Store) apply(gen uint64, collection string, items []contracts.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if collection == contracts.CollectionTrash {
		s.trash = cloneItems(items)
	} else {
		s.active = cloneItems(items)
	}
	s.broadcastLocked()
}

func (s *Store) listenFailed(gen uint64, collection string, err error) {
	s.mu.Lock()
	current := gen == s.gen
	userID := s.userID
	s.mu.Unlock()
	if !current {
		return
	}

	logging.Component("todos").WithFields(logrus.Fields{
		"user_id":    userID,
		"collection": collection,
	}).WithError(err).Warn("item listener read failed")
	if s.OnListenError != nil {
		s.OnListenError(collection, err)
	}
}

// Add writes a new active item. It is a no-op while disconnected. An empty id
// is replaced with a fresh UUID. Re-adding an id that sits in the trash moves
// it out in the same batch so it never lives in both partitions.
func (s *Store) Add(ctx context.Context, item contracts.Item) (contracts.Item, error) {
	userID := s.UserID()
	if userID == "" {
		return item, nil
	}
	if strings.TrimSpace(item.Title) == "" {
		return item, ErrTitleRequired
	}
	if item.ID == "" {
		item.ID = s.NewID()
	}
	item.DeletedAt = nil

	s.mu.Lock()
	_, inTrash := findItem(s.trash, item.ID)
	s.mu.Unlock()

	var err error
	if inTrash {
		err = s.Repo.RestoreFromTrash(ctx, userID, item)
	} else {
		err = s.Repo.PutActive(ctx, userID, item)
	}
	s.record("add", userID, item.ID, err)
	if err != nil {
		return item, fmt.Errorf("add item %s: %w", item.ID, err)
	}
	return item, nil
}

// Update writes item into whichever partition the mirror currently holds it
// in. Ids the mirror does not know are written to active.
func (s *Store) Update(ctx context.Context, item contracts.Item) (contracts.Item, error) {
	userID := s.UserID()
	if userID == "" {
		return item, nil
	}
	if strings.TrimSpace(item.Title) == "" {
		return item, ErrTitleRequired
	}
	if item.ID == "" {
		item.ID = s.NewID()
	}

	s.mu.Lock()
	_, inActive := findItem(s.active, item.ID)
	trashed, inTrash := findItem(s.trash, item.ID)
	s.mu.Unlock()

	var err error
	if inTrash && !inActive {
		item.DeletedAt = trashed.DeletedAt
		if item.DeletedAt == nil {
			now := s.Now()
			item.DeletedAt = &now
		}
		err = s.Repo.PutTrash(ctx, userID, item)
	} else {
		item.DeletedAt = nil
		err = s.Repo.PutActive(ctx, userID, item)
	}
	s.record("update", userID, item.ID, err)
	if err != nil {
		return item, fmt.Errorf("update item %s: %w", item.ID, err)
	}
	return item, nil
}

// ToggleDone flips the done flag of an active item.
func (s *Store) ToggleDone(ctx context.Context, id string) error {
	s.mu.Lock()
	userID := s.userID
	item, ok := findItem(s.active, id)
	s.mu.Unlock()
	if userID == "" || !ok {
		return nil
	}

	item.IsDone = !item.IsDone
	err := s.Repo.PutActive(ctx, userID, item)
	s.record("toggle", userID, id, err)
	if err != nil {
		return fmt.Errorf("toggle item %s: %w", id, err)
	}
	return nil
}

// Trash moves an active item to the head of the trash mirror, notifies
// watchers, then commits the move. A failed commit is not rolled back
// locally; the next push restores the server's view.
func (s *Store) Trash(ctx context.Context, id string) error {
	s.mu.Lock()
	userID := s.userID
	idx := indexOf(s.active, id)
	if userID == "" || idx < 0 {
		s.mu.Unlock()
		return nil
	}
	item := s.active[idx].Clone()
	now := s.Now()
	item.DeletedAt = &now
	s.active = append(s.active[:idx:idx], s.active[idx+1:]...)
	s.trash = append([]contracts.Item{item.Clone()}, s.trash...)
	s.broadcastLocked()
	s.mu.Unlock()

	err := s.Repo.MoveToTrash(ctx, userID, item)
	s.record("trash", userID, id, err)
	if err != nil {
		return fmt.Errorf("trash item %s: %w", id, err)
	}
	return nil
}

// Restore is the inverse of Trash: it appends the item to the active mirror
// with DeletedAt cleared, notifies watchers, then commits.
func (s *Store) Restore(ctx context.Context, id string) error {
	s.mu.Lock()
	userID := s.userID
	idx := indexOf(s.trash, id)
	if userID == "" || idx < 0 {
		s.mu.Unlock()
		return nil
	}
	item := s.trash[idx].Clone()
	item.DeletedAt = nil
	s.trash = append(s.trash[:idx:idx], s.trash[idx+1:]...)
	s.active = append(s.active[:len(s.active):len(s.active)], item.Clone())
	s.broadcastLocked()
	s.mu.Unlock()

	err := s.Repo.RestoreFromTrash(ctx, userID, item)
	s.record("restore", userID, id, err)
	if err != nil {
		return fmt.Errorf("restore item %s: %w", id, err)
	}
	return nil
}

// DeletePermanently removes a trash row. The active partition is untouched.
func (s *Store) DeletePermanently(ctx context.Context, id string) error {
	userID := s.UserID()
	if userID == "" {
		return nil
	}
	err := s.Repo.DeleteFromTrash(ctx, userID, id)
	s.record("delete", userID, id, err)
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

// EmptyTrash deletes every item currently in the trash mirror in one batch.
func (s *Store) EmptyTrash(ctx context.Context) error {
	s.mu.Lock()
	userID := s.userID
	ids := make([]string, 0, len(s.trash))
	for _, item := range s.trash {
		ids = append(ids, item.ID)
	}
	s.mu.Unlock()
	if userID == "" || len(ids) == 0 {
		return nil
	}

	err := s.Repo.DeleteFromTrash(ctx, userID, ids...)
	s.record("empty_trash", userID, "", err)
	if err != nil {
		return fmt.Errorf("empty trash: %w", err)
	}
	return nil
}

func (s *Store) SortedByDate() []contracts.Item {
	s.mu.Lock()
	items := cloneItems(s.active)
	s.mu.Unlock()
	SortByDate(items)
	return items
}

func (s *Store) RecentlyDeletedSorted() []contracts.Item {
	s.mu.Lock()
	items := cloneItems(s.trash)
	s.mu.Unlock()
	SortByDeletedAt(items)
	return items
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Watch returns a channel that always holds the newest snapshot, starting
// with the current one. Slow readers skip intermediate snapshots.
func (s *Store) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	if s.watchers == nil {
		s.watchers = map[uint64]chan Snapshot{}
	}
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) snapshotLocked() Snapshot {
	active := cloneItems(s.active)
	SortByDate(active)
	trash := cloneItems(s.trash)
	SortByDeletedAt(trash)
	return Snapshot{UserID: s.userID, Active: active, Trash: trash}
}

func (s *Store) broadcastLocked() {
	if len(s.watchers) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Store) record(op, userID, itemID string, err error) {
	metrics.StoreMutations.WithLabelValues(op, metrics.Result(err)).Inc()
	if err == nil {
		return
	}
	logging.Component("todos").WithFields(logrus.Fields{
		"op":      op,
		"user_id": userID,
		"item_id": itemID,
	}).WithError(err).Warn("item write failed; mirror reconciles on next push")
}

func cancelSubscription(sub *itemSubscription, collection string) {
	if sub == nil {
		return
	}
	sub.Cancel()
	metrics.LiveSubscriptions.WithLabelValues(collection).Dec()
}

func findItem(items []contracts.Item, id string) (contracts.Item, bool) {
	if idx := indexOf(items, id); idx >= 0 {
		return items[idx].Clone(), true
	}
	return contracts.Item{}, false
}

func indexOf(items []contracts.Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
