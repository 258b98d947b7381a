package todos

import (
	"context"
	"sort"
	"strings"

	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
)

// Repository is the remote side of a user's item mirror. Every write commits
// atomically and then publishes a change notice for each partition it
// touched.
type Repository interface {
	ListActive(ctx context.Context, userID string) ([]contracts.Item, error)
	ListTrash(ctx context.Context, userID string) ([]contracts.Item, error)

	PutActive(ctx context.Context, userID string, item contracts.Item) error
	PutTrash(ctx context.Context, userID string, item contracts.Item) error
	// MoveToTrash deletes the active row and writes item as a trash row.
	MoveToTrash(ctx context.Context, userID string, item contracts.Item) error
	// RestoreFromTrash deletes the trash row and writes item as an active row.
	RestoreFromTrash(ctx context.Context, userID string, item contracts.Item) error
	DeleteFromTrash(ctx context.Context, userID string, ids ...string) error
}

func ActiveTopic(userID string) docstore.Topic {
	return docstore.Topic{Collection: contracts.CollectionActive, Partition: userID}
}

func TrashTopic(userID string) docstore.Topic {
	return docstore.Topic{Collection: contracts.CollectionTrash, Partition: userID}
}

// SortByDate orders items by date ascending with undated items last, then by
// title. The sort is stable so ties keep their input order.
func SortByDate(items []contracts.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.Date == nil && b.Date == nil:
		case a.Date == nil:
			return false
		case b.Date == nil:
			return true
		case !a.Date.Equal(*b.Date):
			return a.Date.Before(*b.Date)
		}
		return strings.Compare(a.Title, b.Title) < 0
	})
}

// SortByDeletedAt orders items most recently deleted first, undated last.
func SortByDeletedAt(items []contracts.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].DeletedAt, items[j].DeletedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
}

func cloneItems(items []contracts.Item) []contracts.Item {
	out := make([]contracts.Item, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}
