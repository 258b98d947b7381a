package todos

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/docstore"
	"github.com/whereto/project/internal/platform/logging"
)

const createUserTodosTableSQL = `
CREATE TABLE IF NOT EXISTS user_todos (
  user_id text NOT NULL,
  todo_id text NOT NULL,
  title text NOT NULL,
  is_done boolean NOT NULL DEFAULT false,
  city text,
  date timestamptz,
  notes text,
  url_string text,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, todo_id)
)`

const createUserTrashTableSQL = `
CREATE TABLE IF NOT EXISTS user_trash (
  user_id text NOT NULL,
  todo_id text NOT NULL,
  title text NOT NULL,
  is_done boolean NOT NULL DEFAULT false,
  city text,
  date timestamptz,
  notes text,
  url_string text,
  deleted_at timestamptz NOT NULL,
  PRIMARY KEY (user_id, todo_id)
)`

const createUserTodosDateIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_user_todos_user_date
ON user_todos (user_id, date ASC NULLS LAST, title ASC)`

const createUserTrashDeletedIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_user_trash_user_deleted
ON user_trash (user_id, deleted_at DESC)`

const upsertActiveSQL = `
INSERT INTO user_todos (user_id, todo_id, title, is_done, city, date, notes, url_string, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (user_id, todo_id) DO UPDATE
SET title = EXCLUDED.title,
    is_done = EXCLUDED.is_done,
    city = EXCLUDED.city,
    date = EXCLUDED.date,
    notes = EXCLUDED.notes,
    url_string = EXCLUDED.url_string,
    updated_at = now()`

const upsertTrashSQL = `
INSERT INTO user_trash (user_id, todo_id, title, is_done, city, date, notes, url_string, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, todo_id) DO UPDATE
SET title = EXCLUDED.title,
    is_done = EXCLUDED.is_done,
    city = EXCLUDED.city,
    date = EXCLUDED.date,
    notes = EXCLUDED.notes,
    url_string = EXCLUDED.url_string,
    deleted_at = EXCLUDED.deleted_at`

const deleteActiveSQL = `DELETE FROM user_todos WHERE user_id = $1 AND todo_id = $2`

const deleteTrashSQL = `DELETE FROM user_trash WHERE user_id = $1 AND todo_id = $2`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresRepository keeps each user's active and trash partitions in two
// tables keyed by (user_id, todo_id).
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
		createUserTodosTableSQL,
		createUserTrashTableSQL,
		createUserTodosDateIndexSQL,
		createUserTrashDeletedIndexSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) ListActive(ctx context.Context, userID string) ([]contracts.Item, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT todo_id, title, is_done, city, date, notes, url_string
		 FROM user_todos
		 WHERE user_id = $1
		 ORDER BY date ASC NULLS LAST, title ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []contracts.Item{}
	for rows.Next() {
		var item contracts.Item
		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.IsDone,
			&item.City,
			&item.Date,
			&item.Notes,
			&item.URLString,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PostgresRepository) ListTrash(ctx context.Context, userID string) ([]contracts.Item, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT todo_id, title, is_done, city, date, notes, url_string, deleted_at
		 FROM user_trash
		 WHERE user_id = $1
		 ORDER BY deleted_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []contracts.Item{}
	for rows.Next() {
		var item contracts.Item
		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.IsDone,
			&item.City,
			&item.Date,
			&item.Notes,
			&item.URLString,
			&item.DeletedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PostgresRepository) PutActive(ctx context.Context, userID string, item contracts.Item) error {
	if _, err := r.Pool.Exec(ctx, upsertActiveSQL, activeArgs(userID, item)...); err != nil {
		return err
	}
	r.notify(ctx, userID, ActiveTopic(userID))
	return nil
}

func (r *PostgresRepository) PutTrash(ctx context.Context, userID string, item contracts.Item) error {
	if item.DeletedAt == nil {
		return fmt.Errorf("trash row %s needs deleted_at", item.ID)
	}
	if _, err := r.Pool.Exec(ctx, upsertTrashSQL, trashArgs(userID, item)...); err != nil {
		return err
	}
	r.notify(ctx, userID, TrashTopic(userID))
	return nil
}

func (r *PostgresRepository) MoveToTrash(ctx context.Context, userID string, item contracts.Item) error {
	if item.DeletedAt == nil {
		return fmt.Errorf("trash row %s needs deleted_at", item.ID)
	}
	err := docstore.RunSerializable(ctx, r.Pool, r.MaxAttempts, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(deleteActiveSQL, userID, item.ID)
		batch.Queue(upsertTrashSQL, trashArgs(userID, item)...)
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return err
	}
	r.notify(ctx, userID, ActiveTopic(userID), TrashTopic(userID))
	return nil
}

func (r *PostgresRepository) RestoreFromTrash(ctx context.Context, userID string, item contracts.Item) error {
	err := docstore.RunSerializable(ctx, r.Pool, r.MaxAttempts, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(deleteTrashSQL, userID, item.ID)
		batch.Queue(upsertActiveSQL, activeArgs(userID, item)...)
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return err
	}
	r.notify(ctx, userID, ActiveTopic(userID), TrashTopic(userID))
	return nil
}

func (r *PostgresRepository) DeleteFromTrash(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := psql.Delete("user_trash").
		Where(sq.Eq{"user_id": userID, "todo_id": ids}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, query, args...); err != nil {
		return err
	}
	r.notify(ctx, userID, TrashTopic(userID))
	return nil
}

func (r *PostgresRepository) notify(ctx context.Context, userID string, topics ...docstore.Topic) {
	if err := docstore.PublishAll(ctx, r.Feed, topics...); err != nil {
		logging.Component("todos").WithField("user_id", userID).WithError(err).
			Warn("change notice publish failed")
	}
}

func activeArgs(userID string, item contracts.Item) []any {
	return []any{userID, item.ID, item.Title, item.IsDone, item.City, item.Date, item.Notes, item.URLString}
}

func trashArgs(userID string, item contracts.Item) []any {
	return append(activeArgs(userID, item), item.DeletedAt)
}
