// Command moderator consumes messages.created events, censors profane
// messages and keeps the room to its retention window.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/config"
	"github.com/chattroom/chat-app/internal/database"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/messaging"
	"github.com/chattroom/chat-app/internal/metrics"
	"github.com/chattroom/chat-app/internal/moderation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("moderator exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CHATTROOM_CONFIG_FILE"))
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).With("service", "moderator")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startup, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := database.Open(startup, cfg.Database.DSN, database.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer database.Close(db)

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "chattroom-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close()
	if err := natsClient.EnsureStream(startup); err != nil {
		return err
	}

	trigger := moderation.NewTrigger(chat.NewStore(db), moderation.NewFilter(), logger)
	worker := moderation.NewWorker(trigger, natsClient, logger)

	consumer := messaging.DefaultConsumerConfig()
	consumer.MaxInFlight = moderation.MaxConcurrentInvocations
	if err := natsClient.ConsumeMessageCreated(ctx, consumer, worker.HandleDelivery); err != nil {
		return err
	}

	sweeper, err := moderation.NewSweeper(trigger, worker, cfg.Moderator.SweepInterval, logger)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("stop sweeper", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              cfg.Moderator.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("moderator running",
		"nats_url", cfg.NATS.URL,
		"max_in_flight", consumer.MaxInFlight,
		"sweep_interval", cfg.Moderator.SweepInterval,
		"metrics_addr", cfg.Moderator.MetricsAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return metricsServer.Shutdown(shutdownCtx)
}
