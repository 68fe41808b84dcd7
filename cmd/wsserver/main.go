// Command wsserver serves the ChattRoom WebSocket feed and JSON API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chattroom/chat-app/internal/api"
	"github.com/chattroom/chat-app/internal/auth"
	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/config"
	"github.com/chattroom/chat-app/internal/database"
	"github.com/chattroom/chat-app/internal/feed"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/messaging"
	"github.com/chattroom/chat-app/internal/metrics"
	"github.com/chattroom/chat-app/internal/moderation"
	"github.com/chattroom/chat-app/internal/profile"
	"github.com/chattroom/chat-app/internal/ratelimit"
	"github.com/chattroom/chat-app/internal/room"
	"github.com/chattroom/chat-app/internal/session"
	"github.com/chattroom/chat-app/internal/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("wsserver exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CHATTROOM_CONFIG_FILE"))
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).With("service", "wsserver", "server", cfg.Server.Name)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
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

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(startup).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	sessions := session.NewStore(rdb, cfg.Server.Name)
	limiter := ratelimit.NewLimiter(rdb, logger)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "chattroom-wsserver-" + cfg.Server.Name
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close()
	if err := natsClient.EnsureStream(startup); err != nil {
		return err
	}

	chatStore := chat.NewStore(db)
	profiles := profile.NewStore(db)
	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	roomService := room.NewService(chatStore, profiles, limiter, moderation.NewFilter(), natsClient, logger)

	broadcaster := feed.NewBroadcaster(chatStore, nil, logger)
	handlers := &roomHandlers{
		room:     roomService,
		profiles: profiles,
		feed:     broadcaster,
		logger:   logging.Component(logger, "handlers"),
	}

	dispatcher := ws.NewMessageDispatcher(logger)
	handlers.register(dispatcher)

	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		MaxFrameBytes:  ws.DefaultServerConfig().MaxFrameBytes,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}, verifier, sessions, dispatcher.Dispatch, logger)
	server.SetConnectLimiter(limiter)
	server.SetOnConnect(handlers.onConnect)
	server.Handle("/api/", api.NewRouter(api.Deps{
		Auth:     verifier,
		Room:     roomService,
		Profiles: profiles,
		Limiter:  limiter,
		Logger:   logger,
	}))
	server.Handle("/metrics", metrics.Handler())

	broadcaster.SetSink(server)
	if err := natsClient.SubscribeRoomChanged(func([]byte) { broadcaster.Notify() }); err != nil {
		return err
	}
	go broadcaster.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("shutdown", "error", err)
	}
	return nil
}
