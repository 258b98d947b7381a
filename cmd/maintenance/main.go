package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/whereto/project/internal/app/backend"
	"github.com/whereto/project/internal/app/maintenance"
	"github.com/whereto/project/internal/app/popularity"
	"github.com/whereto/project/internal/contracts"
	"github.com/whereto/project/internal/platform/env"
	"github.com/whereto/project/internal/platform/logging"
	"github.com/whereto/project/internal/platform/metrics"
	"github.com/whereto/project/internal/sharding"
)

// eventsSubject matches change notices of every city partition.
const eventsSubject = sharding.ChangeSubjectPrefix + ".*." + contracts.CollectionEvents + ".*"

func main() {
	if err := env.Load(); err != nil {
		logging.Log.WithError(err).Fatal("config load failed")
	}
	logging.Bootstrap(env.String("LOG_LEVEL", "info"), env.String("LOG_FORMAT", "text"))
	log := logging.Component("maintenance")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(runCtx, backend.ConfigFromEnv())
	if err != nil {
		log.WithError(err).Fatal("backend unavailable")
	}
	defer store.Close()

	if env.Bool("METRICS_ENABLED", true) {
		metricsServer := metrics.NewServer(env.String("METRICS_ADDR", env.DefaultMetricsAddr))
		go func() {
			log.WithField("addr", metricsServer.Addr).Info("metrics endpoint listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Warn("metrics server failed")
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	votes := popularity.NewService(store.Votes, store.Feed)
	worker := maintenance.NewWorker(votes,
		env.Duration("PURGE_INTERVAL", maintenance.DefaultInterval),
		env.Strings("PURGE_CITIES", nil),
	)

	if store.NATS != nil {
		sub, err := store.NATS.JS.QueueSubscribe(eventsSubject, "maintenance", func(msg *nats.Msg) {
			if err := worker.HandleNotice(msg.Data); err != nil {
				if errors.Is(err, maintenance.ErrInvalidNotice) {
					log.WithError(err).Warn("discarding change notice")
					_ = msg.Term()
					return
				}
				_ = msg.Nak()
				return
			}
			_ = msg.Ack()
		}, nats.ManualAck())
		if err != nil {
			log.WithError(err).Fatal("subscribe failed")
		}
		defer func() { _ = sub.Unsubscribe() }()
		log.WithField("subject", sub.Subject).Info("watching event changes")
	}

	if err := worker.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("maintenance stopped")
	}
}
