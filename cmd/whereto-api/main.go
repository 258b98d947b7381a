package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whereto/project/internal/app/api"
	"github.com/whereto/project/internal/app/backend"
	"github.com/whereto/project/internal/app/popularity"
	"github.com/whereto/project/internal/app/todos"
	platformauth "github.com/whereto/project/internal/platform/auth"
	"github.com/whereto/project/internal/platform/env"
	"github.com/whereto/project/internal/platform/logging"
	"github.com/whereto/project/internal/platform/metrics"
)

func main() {
	if err := env.Load(); err != nil {
		logging.Log.WithError(err).Fatal("config load failed")
	}
	logging.Bootstrap(env.String("LOG_LEVEL", "info"), env.String("LOG_FORMAT", "text"))
	log := logging.Component("whereto-api")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiAddr := env.String("API_ADDR", env.DefaultAPIAddr)
	uiOrigin := env.String("UI_ORIGIN", "http://localhost:8081")
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	tokenTTL := env.Duration("TOKEN_TTL", 24*time.Hour)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)
	snapshotDebounce := env.Duration("SNAPSHOT_DEBOUNCE", 0)

	store, err := backend.Open(runCtx, backend.ConfigFromEnv())
	if err != nil {
		log.WithError(err).Fatal("backend unavailable")
	}
	defer store.Close()

	sessions := api.NewSessionRegistry(func() *todos.Store {
		s := todos.NewStore(store.Items, store.Feed)
		s.Listen.Debounce = snapshotDebounce
		return s
	})

	votes := popularity.NewService(store.Votes, store.Feed)
	votes.Debounce = snapshotDebounce
	votes.TopEventsRefresh = env.Duration("TOP_EVENTS_REFRESH", votes.TopEventsRefresh)

	tokens := platformauth.NewManager(jwtSecret, tokenTTL)
	tokens.Issuer = env.String("JWT_ISSUER", "")

	handler := api.NewHandler(sessions, votes, tokens, uiOrigin)
	handler.Heartbeat = env.Duration("SSE_HEARTBEAT", handler.Heartbeat)
	handler.Ready = store.Ready
	if env.Bool("METRICS_ENABLED", true) {
		handler.Metrics = metrics.DefaultHandler()
	}

	// No WriteTimeout: the snapshot and ranking streams stay open.
	server := &http.Server{
		Addr:              apiAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.WithField("addr", apiAddr).WithField("backend", store.Kind).Info("listening")
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.WithError(err).Fatal("server failed")
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
}
