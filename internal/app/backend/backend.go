package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whereto/project/internal/app/popularity"
	"github.com/whereto/project/internal/app/todos"
	"github.com/whereto/project/internal/docstore"
	"github.com/whereto/project/internal/platform/dbpool"
	"github.com/whereto/project/internal/platform/env"
	"github.com/whereto/project/internal/platform/logging"
	"github.com/whereto/project/internal/platform/natsutil"
)

const (
	KindPostgres = "postgres"
	KindMemory   = "memory"
)

var ErrUnknownBackend = errors.New("unknown store backend")

// Backend is the storage and change feed shared by the item store and the
// voting service.
type Backend struct {
	Kind  string
	Feed  docstore.Feed
	Items todos.Repository
	Votes popularity.Repository

	Pool *pgxpool.Pool
	NATS *natsutil.Client
}

type Config struct {
	Kind           string
	DatabaseURL    string
	NATSURL        string
	Limits         dbpool.Limits
	ConnectTimeout time.Duration
	TxMaxAttempts  int
}

func ConfigFromEnv() Config {
	return Config{
		Kind:           strings.ToLower(env.String("STORE_BACKEND", KindPostgres)),
		DatabaseURL:    env.String("DATABASE_URL", env.DefaultDatabaseURL),
		NATSURL:        env.String("NATS_URL", env.DefaultNATSURL),
		Limits:         dbpool.LimitsFromEnv(),
		ConnectTimeout: env.Duration("CONNECT_TIMEOUT", 30*time.Second),
		TxMaxAttempts:  env.Int("TX_MAX_ATTEMPTS", docstore.DefaultMaxAttempts),
	}
}

// Open builds the configured backend. The memory backend uses an in-process
// feed and needs no external services.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	switch cfg.Kind {
	case KindMemory:
		feed := docstore.NewLocalFeed()
		return &Backend{
			Kind:  KindMemory,
			Feed:  feed,
			Items: todos.NewMemoryRepository(feed),
			Votes: popularity.NewMemoryRepository(feed),
		}, nil
	case KindPostgres, "":
		return openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Kind)
	}
}

func openPostgres(ctx context.Context, cfg Config) (*Backend, error) {
	pool, err := dbpool.New(ctx, cfg.DatabaseURL, cfg.Limits)
	if err != nil {
		return nil, err
	}

	client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, cfg.ConnectTimeout)
	if err != nil {
		pool.Close()
		return nil, err
	}
	feed := docstore.NewNATSFeed(client.Conn, client.JS)

	items := todos.NewPostgresRepository(pool, feed)
	items.MaxAttempts = cfg.TxMaxAttempts
	votes := popularity.NewPostgresRepository(pool, feed)
	votes.MaxAttempts = cfg.TxMaxAttempts

	if err := dbpool.WaitReady(ctx, pool, cfg.ConnectTimeout, items.EnsureSchema, votes.EnsureSchema); err != nil {
		client.Close()
		pool.Close()
		return nil, fmt.Errorf("postgres not ready: %w", err)
	}
	logging.Component("backend").Info("postgres and nats ready")

	return &Backend{
		Kind:  KindPostgres,
		Feed:  feed,
		Items: items,
		Votes: votes,
		Pool:  pool,
		NATS:  client,
	}, nil
}

// Ready reports whether the external services are reachable.
func (b *Backend) Ready(ctx context.Context) error {
	if b.Kind == KindMemory {
		return nil
	}
	if err := b.NATS.Connected(); err != nil {
		return err
	}
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := b.Pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func (b *Backend) Close() {
	if b.NATS != nil {
		b.NATS.Close()
	}
	if b.Pool != nil {
		b.Pool.Close()
	}
}
