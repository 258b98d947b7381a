package dbpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whereto/project/internal/platform/env"
	"github.com/whereto/project/internal/platform/logging"
)

const (
	defaultMinConns        = 2
	defaultMaxConns        = 20
	defaultMaxConnLifetime = 30 * time.Minute
	defaultMaxConnIdleTime = 5 * time.Minute
	defaultHealthCheck     = 30 * time.Second
)

// Limits are the pool bounds applied on top of the parsed DATABASE_URL.
type Limits struct {
	MinConns        int
	MaxConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
}

// LimitsFromEnv reads DB_* keys, falling back to the package defaults.
func LimitsFromEnv() Limits {
	return Limits{
		MinConns:        env.Int("DB_MIN_CONNS", defaultMinConns),
		MaxConns:        env.Int("DB_MAX_CONNS", defaultMaxConns),
		MaxConnLifetime: env.Duration("DB_MAX_CONN_LIFETIME", defaultMaxConnLifetime),
		MaxConnIdleTime: env.Duration("DB_MAX_CONN_IDLE_TIME", defaultMaxConnIdleTime),
		HealthCheck:     env.Duration("DB_HEALTH_CHECK_PERIOD", defaultHealthCheck),
	}
}

// normalized clamps nonsensical bounds instead of failing startup.
func (l Limits) normalized() Limits {
	if l.MinConns < 0 {
		l.MinConns = defaultMinConns
	}
	if l.MaxConns <= 0 {
		l.MaxConns = defaultMaxConns
	}
	if l.MinConns > l.MaxConns {
		l.MinConns = l.MaxConns
	}
	if l.MaxConnLifetime <= 0 {
		l.MaxConnLifetime = defaultMaxConnLifetime
	}
	if l.MaxConnIdleTime <= 0 {
		l.MaxConnIdleTime = defaultMaxConnIdleTime
	}
	if l.HealthCheck <= 0 {
		l.HealthCheck = defaultHealthCheck
	}
	return l
}

func New(ctx context.Context, databaseURL string, limits Limits) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	limits = limits.normalized()
	cfg.MinConns = int32(limits.MinConns)
	cfg.MaxConns = int32(limits.MaxConns)
	cfg.MaxConnLifetime = limits.MaxConnLifetime
	cfg.MaxConnIdleTime = limits.MaxConnIdleTime
	cfg.HealthCheckPeriod = limits.HealthCheck

	return pgxpool.NewWithConfig(ctx, cfg)
}

// WaitReady pings the pool and runs each schema step until all succeed or the
// timeout elapses.
func WaitReady(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, schema ...func(context.Context) error) error {
	log := logging.Component("postgres")
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		for _, ensure := range schema {
			if lastErr != nil {
				break
			}
			lastErr = ensure(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.WithError(lastErr).Info("waiting for postgres readiness")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return lastErr
}
