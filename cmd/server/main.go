package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cowritehq/cowrite/internal/config"
	"github.com/cowritehq/cowrite/internal/domain/presence"
	"github.com/cowritehq/cowrite/internal/domain/session"
	"github.com/cowritehq/cowrite/internal/relay"
	"github.com/cowritehq/cowrite/internal/sqlite"
	"github.com/cowritehq/cowrite/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	if err := ensureDBDir(cfg.DB.Path); err != nil {
		logger.Error("failed to prepare database path", "error", err)
		os.Exit(1)
	}

	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	store := sqlite.NewSessionStore(db, logger)

	tracker := presence.NewTracker(presence.Config{
		IdleAfter:     cfg.Collab.IdleAfter,
		OfflineAfter:  cfg.Collab.OfflineAfter,
		SweepInterval: cfg.Collab.PresenceSweep,
	}, logger)

	// The store doubles as the resource-state provider: a re-created
	// session is seeded from its latest persisted snapshot. Join
	// permission checks belong to the surrounding application; the
	// standalone binary admits any authenticated user.
	engine := session.NewService(store, store, nil, nil, session.Config{
		JoinBacklog:   cfg.Collab.JoinBacklog,
		LogRetention:  cfg.Collab.LogRetention,
		SweepInterval: cfg.Collab.SweepInterval,
	}, logger)

	hub := transport.NewHub(engine, tracker, nil, logger)
	engine.SetBroadcaster(hub)

	var frameRelay *relay.Relay
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		cancel()

		frameRelay = relay.New(client, cfg.Redis.NodeID, hub, logger)
		hub.SetRelay(frameRelay)
		frameRelay.Start()
		defer frameRelay.Stop()
		logger.Info("relay enabled", "addr", cfg.Redis.Addr, "node_id", frameRelay.NodeID())
	}

	tracker.Start()
	defer tracker.Stop()
	engine.Start()
	defer engine.Stop()

	router := transport.NewRouter(hub, engine, tracker)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(logger, httpServer, hub)
}

func waitForShutdown(logger *slog.Logger, server *http.Server, hub *transport.Hub) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	hub.CloseAll()
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
