package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/widget-chat/internal/ai"
	"github.com/suPer8Hu/widget-chat/internal/broadcast"
	"github.com/suPer8Hu/widget-chat/internal/chat"
	"github.com/suPer8Hu/widget-chat/internal/config"
	"github.com/suPer8Hu/widget-chat/internal/db"
	"github.com/suPer8Hu/widget-chat/internal/logging"
	"github.com/suPer8Hu/widget-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/widget-chat/internal/store/redisstore"
	"github.com/suPer8Hu/widget-chat/internal/widget"
	"go.uber.org/zap"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}

	// sockets live in the API processes
	if cfg.BroadcastDriver == "local" {
		logger.Warn("BROADCAST_DRIVER=local: queued replies will not be pushed to subscribers")
	}
	var rdb *redis.Client
	if cfg.BroadcastDriver == "redis" {
		rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = rs.Close() }()
		rdb = rs.Client()
	}
	bc, err := broadcast.Open(cfg.BroadcastDriver, rdb, cfg.NATSURL, logging.Component(logger, "broadcast"))
	if err != nil {
		return err
	}
	defer func() { _ = bc.Close() }()

	// Provider registry (route by session.Provider + session.Model)
	reg := ai.NewDefaultRegistry(ai.Settings{
		OllamaBaseURL:     cfg.OllamaBaseURL,
		OllamaModel:       cfg.OllamaModel,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
	})

	svc := chat.NewService(chat.NewRepo(gdb), reg, cfg.ChatContextWindowSize,
		chat.WithPublisher(bc),
		chat.WithWidgets(widget.NewService(widget.NewRepo(gdb), logger)),
		chat.WithLogger(logging.Component(logger, "chat")),
	)

	concurrency := workerConcurrency()
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency, logging.Component(logger, "worker"))
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))
	return consumer.Run(ctx, svc.ProcessJob)
}
