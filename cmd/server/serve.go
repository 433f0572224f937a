package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/widget-chat/internal/ai"
	"github.com/suPer8Hu/widget-chat/internal/broadcast"
	"github.com/suPer8Hu/widget-chat/internal/channel"
	"github.com/suPer8Hu/widget-chat/internal/chat"
	"github.com/suPer8Hu/widget-chat/internal/config"
	"github.com/suPer8Hu/widget-chat/internal/db"
	"github.com/suPer8Hu/widget-chat/internal/httpapi"
	"github.com/suPer8Hu/widget-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/widget-chat/internal/logging"
	"github.com/suPer8Hu/widget-chat/internal/realtime"
	"github.com/suPer8Hu/widget-chat/internal/store"
	"github.com/suPer8Hu/widget-chat/internal/store/memstore"
	"github.com/suPer8Hu/widget-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/widget-chat/internal/store/redisstore"
	"github.com/suPer8Hu/widget-chat/internal/widget"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var noQueue bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and WebSocket hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, gdb, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.AutoMigrate {
				if err := db.Migrate(gdb); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cache, rdb, closeCache := openCache(cfg)
			defer closeCache()

			bc, err := broadcast.Open(cfg.BroadcastDriver, rdb, cfg.NATSURL, logging.Component(logger, "broadcast"))
			if err != nil {
				return fmt.Errorf("broadcast: %w", err)
			}
			defer func() { _ = bc.Close() }()

			widgetSvc := widget.NewService(widget.NewRepo(gdb), logging.Component(logger, "widget"))
			chatRepo := chat.NewRepo(gdb)
			chatSvc := chat.NewService(chatRepo, ai.NewDefaultRegistry(aiSettings(cfg)), cfg.ChatContextWindowSize,
				chat.WithPublisher(bc),
				chat.WithWidgets(widgetSvc),
				chat.WithLogger(logging.Component(logger, "chat")),
			)
			channels := channel.NewService(cache, cfg.BroadcastAppKey, chatRepo,
				channel.WithTTLs(cfg.AuthTokenTTL, cfg.GuestTokenTTL),
				channel.WithLogger(logging.Component(logger, "channel")),
			)

			hub := realtime.NewHub(channels,
				realtime.WithHeartbeat(cfg.WSHeartbeatInterval),
				realtime.WithLogger(logging.Component(logger, "realtime")),
			)
			if err := bc.Start(ctx, hub.Dispatch); err != nil {
				return fmt.Errorf("broadcast start: %w", err)
			}
			defer hub.Close()

			deps := handlers.Deps{
				Cfg:      cfg,
				Logger:   logging.Component(logger, "http"),
				ChatSvc:  chatSvc,
				Widgets:  widgetSvc,
				Channels: channels,
				Cache:    cache,
				Realtime: bc,
			}
			if !noQueue {
				pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
				if err != nil {
					logger.Warn("rabbitmq unavailable, async messages disabled", zap.Error(err))
				} else {
					defer func() { _ = pub.Close() }()
					deps.Jobs = pub
				}
			}

			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           httpapi.NewRouter(handlers.NewHandler(deps), hub, logging.Component(logger, "http")),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening",
					zap.String("addr", cfg.HTTPAddr),
					zap.String("broadcast", cfg.BroadcastDriver),
					zap.String("cache", cfg.CacheDriver),
				)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&noQueue, "no-queue", false, "do not connect to RabbitMQ (async endpoints answer 503)")
	return cmd
}

// openCache returns the configured cache. rdb is non-nil only for the redis
// driver so the redis broadcaster can share the connection.
func openCache(cfg config.Config) (store.Cache, *redis.Client, func()) {
	if cfg.CacheDriver == "memory" {
		var rdb *redis.Client
		if cfg.BroadcastDriver == "redis" {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			return memstore.New(), rdb, func() { _ = rdb.Close() }
		}
		return memstore.New(), nil, func() {}
	}
	rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	return rs, rs.Client(), func() { _ = rs.Close() }
}

func aiSettings(cfg config.Config) ai.Settings {
	return ai.Settings{
		OllamaBaseURL:     cfg.OllamaBaseURL,
		OllamaModel:       cfg.OllamaModel,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
	}
}
