package todos

import (
	"context"
	"fmt"
	"sync"

	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
	"github.com/whereto/project/internal/platform/logging"
)

type userPartitions struct {
	active map[string]contracts.Item
	trash  map[string]contracts.Item
}

// MemoryRepository is a process-local Repository. Notices are published after
// the lock is released, so a synchronous feed may call straight back into the
// repository.
type MemoryRepository struct {
	Feed docstore.Feed

	mu    sync.Mutex
	users map[string]*userPartitions
}

func NewMemoryRepository(feed docstore.Feed) *MemoryRepository {
	return &MemoryRepository{Feed: feed, users: map[string]*userPartitions{}}
}

func (r *MemoryRepository) partitions(userID string) *userPartitions {
	p, ok := r.users[userID]
	if !ok {
		p = &userPartitions{
			active: map[string]contracts.Item{},
			trash:  map[string]contracts.Item{},
		}
		r.users[userID] = p
	}
	return p
}

func (r *MemoryRepository) ListActive(_ context.Context, userID string) ([]contracts.Item, error) {
	r.mu.Lock()
	items := collect(r.partitions(userID).active)
	r.mu.Unlock()
	SortByDate(items)
	return items, nil
}

func (r *MemoryRepository) ListTrash(_ context.Context, userID string) ([]contracts.Item, error) {
	r.mu.Lock()
	items := collect(r.partitions(userID).trash)
	r.mu.Unlock()
	SortByDeletedAt(items)
	return items, nil
}

func (r *MemoryRepository) PutActive(ctx context.Context, userID string, item contracts.Item) error {
	item = item.Clone()
	item.DeletedAt = nil

	r.mu.Lock()
	r.partitions(userID).active[item.ID] = item
	r.mu.Unlock()

	r.notify(ctx, userID, ActiveTopic(userID))
	return nil
}

func (r *MemoryRepository) PutTrash(ctx context.Context, userID string, item contracts.Item) error {
	if item.DeletedAt == nil {
		return fmt.Errorf("trash row %s needs deleted_at", item.ID)
	}
	item = item.Clone()

	r.mu.Lock()
	r.partitions(userID).trash[item.ID] = item
	r.mu.Unlock()

	r.notify(ctx, userID, TrashTopic(userID))
	return nil
}

func (r *MemoryRepository) MoveToTrash(ctx context.Context, userID string, item contracts.Item) error {
	if item.DeletedAt == nil {
		return fmt.Errorf("trash row %s needs deleted_at", item.ID)
	}
	item = item.Clone()

	r.mu.Lock()
	p := r.partitions(userID)
	delete(p.active, item.ID)
	p.trash[item.ID] = item
	r.mu.Unlock()

	r.notify(ctx, userID, ActiveTopic(userID), TrashTopic(userID))
	return nil
}

func (r *MemoryRepository) RestoreFromTrash(ctx context.Context, userID string, item contracts.Item) error {
	item = item.Clone()
	item.DeletedAt = nil

	r.mu.Lock()
	p := r.partitions(userID)
	delete(p.trash, item.ID)
	p.active[item.ID] = item
	r.mu.Unlock()

	r.notify(ctx, userID, ActiveTopic(userID), TrashTopic(userID))
	return nil
}

func (r *MemoryRepository) DeleteFromTrash(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	r.mu.Lock()
	p := r.partitions(userID)
	for _, id := range ids {
		delete(p.trash, id)
	}
	r.mu.Unlock()

	r.notify(ctx, userID, TrashTopic(userID))
	return nil
}

func (r *MemoryRepository) notify(ctx context.Context, userID string, topics ...docstore.Topic) {
	if err := docstore.PublishAll(ctx, r.Feed, topics...); err != nil {
		logging.Component("todos").WithField("user_id", userID).WithError(err).
			Warn("change notice publish failed")
	}
}

func collect(m map[string]contracts.Item) []contracts.Item {
	items := make([]contracts.Item, 0, len(m))
	for _, item := range m {
		items = append(items, item.Clone())
	}
	return items
}
