package contracts

import (
	"strings"
	"time"
)

// Item is a to-do entry. DeletedAt is set exactly when the item lives in the
// trash partition.
type Item struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	City      *string    `json:"city,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	URLString *string    `json:"urlString,omitempty"`
	IsDone    bool       `json:"isDone"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// PopularEvent is the shared, denormalized popularity record for an upstream
// event. ID is the upstream catalog id.
type PopularEvent struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	City       string     `json:"city"`
	CityKey    string     `json:"cityKey"`
	Date       *time.Time `json:"date,omitempty"`
	ImageURL   string     `json:"imageURL,omitempty"`
	TMID       string     `json:"tmId,omitempty"`
	Popularity int64      `json:"popularityCount"`
}

// CityKey is the partition key for a raw city name. Writes and queries both
// go through it so " Boston " and "BOSTON" land in the same partition.
func CityKey(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// ChangeNotice is published after a committed write to a partition. It carries
// no document state: listeners re-read the partition on receipt.
type ChangeNotice struct {
	NoticeID   string    `json:"notice_id"`
	Collection string    `json:"collection"`
	Partition  string    `json:"partition"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	CollectionActive = "todos"
	CollectionTrash  = "trash"
	CollectionEvents = "events"
)

// Clone returns a copy that shares no pointers with i.
func (i Item) Clone() Item {
	out := i
	out.City = cloneString(i.City)
	out.Notes = cloneString(i.Notes)
	out.URLString = cloneString(i.URLString)
	out.Date = cloneTime(i.Date)
	out.DeletedAt = cloneTime(i.DeletedAt)
	return out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
