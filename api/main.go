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

	"github.com/joho/godotenv"

	"github.com/DeafMist/talent-digest/internal/audit"
	"github.com/DeafMist/talent-digest/internal/config"
	"github.com/DeafMist/talent-digest/internal/elasticsearch"
	"github.com/DeafMist/talent-digest/internal/logger"
	"github.com/DeafMist/talent-digest/internal/queue"
)

func main() {
	_ = godotenv.Load()

	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.CandidateIndex, cfg.DigestIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := audit.Connect(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Error("init audit store", slog.Any("err", err))
		os.Exit(1)
	}
	defer store.Close()

	q, err := queue.NewKafka(queue.KafkaConfig{
		Brokers:          cfg.KafkaBrokers,
		Topic:            cfg.KafkaTopic,
		GroupID:          cfg.KafkaConsumer,
		MaxDeliveryCount: cfg.MaxDeliveryCount,
		Logger:           log,
	})
	if err != nil {
		log.Error("init queue", slog.Any("err", err))
		os.Exit(1)
	}
	defer q.Close()

	srv := &server{
		log:   log,
		cfg:   cfg,
		queue: q,
		audit: store,
		docs:  esClient,
		checks: map[string]func(context.Context) error{
			"elasticsearch": esClient.Health,
			"postgres":      store.Ping,
		},
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}
