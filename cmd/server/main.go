package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"boardsync/internal/auth"
	"boardsync/internal/config"
	"boardsync/internal/history"
	"boardsync/internal/hub"
	"boardsync/internal/replica"
	"boardsync/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.GinMode)

	var store history.Store = history.NewMemoryStore()
	if cfg.HistoryDB != "" {
		durable, closeStore, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer closeStore()
		store = durable
		logger.Info("history persisted", "path", cfg.HistoryDB)
	} else {
		logger.Warn("HISTORY_DB not set, board history is kept in memory")
	}

	var backend hub.Backend = hub.NewMemoryBackend()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		backend = hub.RedisBackend{Client: rdb, Options: replica.RedisOptions{Logger: logger}}
		logger.Info("awareness shared through redis", "addr", cfg.RedisAddr)
	}

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry

	router := server.NewRouter(server.Deps{
		History:       history.NewService(store, history.WithLogger(logger)),
		Hub:           hub.New(backend, logger),
		TokenConfig:   tokenCfg,
		UndoRateLimit: cfg.UndoRateLimit,
		Logger:        logger,
	})
	logger.Info("listening", "addr", fmt.Sprintf(":%d", cfg.Port))
	return server.Run(ctx, cfg, router)
}
