package popularity

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
	"github.com/whereto/project/internal/platform/logging"
)

const createPopularEventsTableSQL = `
CREATE TABLE IF NOT EXISTS popular_events (
  event_id text PRIMARY KEY,
  title text NOT NULL DEFAULT '',
  city text NOT NULL DEFAULT '',
  city_key text NOT NULL DEFAULT '',
  date timestamptz,
  image_url text NOT NULL DEFAULT '',
  tm_id text NOT NULL DEFAULT '',
  popularity_count bigint NOT NULL DEFAULT 0 CHECK (popularity_count >= 0),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createPopularEventsRankIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_popular_events_city_rank
ON popular_events (city_key, date ASC, popularity_count DESC)`

const createPopularEventMembersTableSQL = `
CREATE TABLE IF NOT EXISTS popular_event_members (
  event_id text NOT NULL REFERENCES popular_events (event_id) ON DELETE CASCADE,
  voter_id text NOT NULL,
  created_at timestamptz NOT NULL,
  PRIMARY KEY (event_id, voter_id)
)`

const incrementEventSQL = `
INSERT INTO popular_events (
  event_id, title, city, city_key, date, image_url, tm_id, popularity_count, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now())
ON CONFLICT (event_id) DO UPDATE
SET title = COALESCE(NULLIF(EXCLUDED.title, ''), popular_events.title),
    city = CASE WHEN EXCLUDED.city_key = '' THEN popular_events.city ELSE EXCLUDED.city END,
    city_key = COALESCE(NULLIF(EXCLUDED.city_key, ''), popular_events.city_key),
    date = COALESCE(EXCLUDED.date, popular_events.date),
    image_url = COALESCE(NULLIF(EXCLUDED.image_url, ''), popular_events.image_url),
    tm_id = COALESCE(NULLIF(EXCLUDED.tm_id, ''), popular_events.tm_id),
    popularity_count = popular_events.popularity_count + 1,
    updated_at = now()
RETURNING city_key`

const selectEventSQL = `
SELECT event_id, title, city, city_key, date, image_url, tm_id, popularity_count
FROM popular_events
WHERE event_id = $1`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var eventColumns = []string{
	"event_id", "title", "city", "city_key", "date", "image_url", "tm_id", "popularity_count",
}

// PostgresRepository runs voting transactions at SERIALIZABLE isolation and
// retries serialization failures up to MaxAttempts.
type PostgresRepository struct {
	Pool        *pgxpool.Pool
	Feed        docstore.Feed
	MaxAttempts int
}

func NewPostgresRepository(pool *pgxpool.Pool, feed docstore.Feed) *PostgresRepository {
	return &PostgresRepository{Pool: pool, Feed: feed, MaxAttempts: docstore.DefaultMaxAttempts}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createPopularEventsTableSQL,
		createPopularEventsRankIndexSQL,
		createPopularEventMembersTableSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) RunInTx(ctx context.Context, fn func(Tx) error) error {
	var committed *pgTx
	err := docstore.RunSerializable(ctx, r.Pool, r.MaxAttempts, func(tx pgx.Tx) error {
		attempt := &pgTx{tx: tx, touched: touchedCities{}}
		if err := fn(attempt); err != nil {
			return err
		}
		committed = attempt
		return nil
	})
	if err != nil {
		return err
	}
	r.notify(ctx, committed.touched.topics()...)
	return nil
}

func (r *PostgresRepository) TopEvents(ctx context.Context, cityKey string, now time.Time, limit int) ([]contracts.PopularEvent, error) {
	builder := psql.Select(eventColumns...).
		From("popular_events").
		Where(sq.Eq{"city_key": cityKey}).
		Where(sq.GtOrEq{"date": now}).
		OrderBy("date ASC", "popularity_count DESC", "event_id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []contracts.PopularEvent{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) ExpiredEventIDs(ctx context.Context, cityKey string, now time.Time) ([]string, error) {
	query, args, err := psql.Select("event_id").
		From("popular_events").
		Where(sq.Eq{"city_key": cityKey}).
		Where(sq.Lt{"date": now}).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteEvents removes the events in one statement; their member rows go with
// them through the foreign key cascade.
func (r *PostgresRepository) DeleteEvents(ctx context.Context, cityKey string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	query, args, err := psql.Delete("popular_events").
		Where(sq.Eq{"city_key": cityKey, "event_id": eventIDs}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, query, args...); err != nil {
		return err
	}
	r.notify(ctx, CityTopic(cityKey))
	return nil
}

func (r *PostgresRepository) GetEvent(ctx context.Context, eventID string) (contracts.PopularEvent, error) {
	event, err := scanEvent(r.Pool.QueryRow(ctx, selectEventSQL, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.PopularEvent{}, ErrEventNotFound
		}
		return contracts.PopularEvent{}, err
	}
	return event, nil
}

func (r *PostgresRepository) VoterCount(ctx context.Context, eventID string) (int64, error) {
	var count int64
	err := r.Pool.QueryRow(ctx,
		`SELECT count(*) FROM popular_event_members WHERE event_id = $1`,
		eventID,
	).Scan(&count)
	return count, err
}

func (r *PostgresRepository) notify(ctx context.Context, topics ...docstore.Topic) {
	if err := docstore.PublishAll(ctx, r.Feed, topics...); err != nil {
		logging.Component("popularity").WithError(err).Warn("change notice publish failed")
	}
}

type pgTx struct {
	tx      pgx.Tx
	touched touchedCities
}

func (t *pgTx) HasVoted(ctx context.Context, eventID, voterID string) (bool, error) {
	var voted bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM popular_event_members WHERE event_id = $1 AND voter_id = $2
		 )`,
		eventID, voterID,
	).Scan(&voted)
	return voted, err
}

func (t *pgTx) GetEvent(ctx context.Context, eventID string) (contracts.PopularEvent, bool, error) {
	event, err := scanEvent(t.tx.QueryRow(ctx, selectEventSQL, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.PopularEvent{}, false, nil
		}
		return contracts.PopularEvent{}, false, err
	}
	return event, true, nil
}

func (t *pgTx) IncrementEvent(ctx context.Context, event contracts.PopularEvent) error {
	existing, found, err := t.GetEvent(ctx, event.ID)
	if err != nil {
		return err
	}
	if found {
		t.touched.add(existing.CityKey)
	}
	var cityKey string
	if err := t.tx.QueryRow(ctx, incrementEventSQL,
		event.ID, event.Title, event.City, event.CityKey, event.Date, event.ImageURL, event.TMID,
	).Scan(&cityKey); err != nil {
		return err
	}
	t.touched.add(cityKey)
	return nil
}

func (t *pgTx) DecrementEvent(ctx context.Context, eventID string) error {
	var cityKey string
	err := t.tx.QueryRow(ctx,
		`UPDATE popular_events
		 SET popularity_count = popularity_count - 1, updated_at = now()
		 WHERE event_id = $1 AND popularity_count > 0
		 RETURNING city_key`,
		eventID,
	).Scan(&cityKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	t.touched.add(cityKey)
	return nil
}

func (t *pgTx) DeleteEvent(ctx context.Context, eventID string) error {
	var cityKey string
	err := t.tx.QueryRow(ctx,
		`DELETE FROM popular_events WHERE event_id = $1 RETURNING city_key`,
		eventID,
	).Scan(&cityKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	t.touched.add(cityKey)
	return nil
}

func (t *pgTx) AddVoter(ctx context.Context, eventID, voterID string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO popular_event_members (event_id, voter_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id, voter_id) DO NOTHING`,
		eventID, voterID, at,
	)
	return err
}

func (t *pgTx) RemoveVoter(ctx context.Context, eventID, voterID string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM popular_event_members WHERE event_id = $1 AND voter_id = $2`,
		eventID, voterID,
	)
	return err
}

func scanEvent(row pgx.Row) (contracts.PopularEvent, error) {
	var event contracts.PopularEvent
	err := row.Scan(
		&event.ID,
		&event.Title,
		&event.City,
		&event.CityKey,
		&event.Date,
		&event.ImageURL,
		&event.TMID,
		&event.Popularity,
	)
	return event, err
}
