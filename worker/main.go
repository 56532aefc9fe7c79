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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeafMist/talent-digest/internal/audit"
	"github.com/DeafMist/talent-digest/internal/bulletcache"
	"github.com/DeafMist/talent-digest/internal/config"
	"github.com/DeafMist/talent-digest/internal/elasticsearch"
	"github.com/DeafMist/talent-digest/internal/enrich"
	"github.com/DeafMist/talent-digest/internal/llm"
	"github.com/DeafMist/talent-digest/internal/logger"
	"github.com/DeafMist/talent-digest/internal/notify"
	"github.com/DeafMist/talent-digest/internal/pipeline"
	"github.com/DeafMist/talent-digest/internal/quality"
	"github.com/DeafMist/talent-digest/internal/queue"
	"github.com/DeafMist/talent-digest/internal/worker"
)

func main() {
	_ = godotenv.Load()

	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("worker stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg *config.Worker) error {
	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.CandidateIndex, cfg.DigestIndex, log)
	if err != nil {
		return err
	}
	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := esClient.EnsureDigestIndex(setupCtx); err != nil {
		return err
	}

	store, err := audit.Connect(setupCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	shared, err := bulletcache.ConnectPostgres(setupCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer shared.Close()

	local, closeLocal, err := openLocalCache(cfg, log)
	if err != nil {
		return err
	}
	defer closeLocal()
	cache := &bulletcache.Tiered{Local: local, Shared: shared, LocalTTL: cfg.CacheLocalTTL, Logger: log}

	gen, closeLLM, err := llm.New(ctx, cfg.LLM, cfg.Pipeline.FragmentMin, cfg.Pipeline.FragmentMax)
	if err != nil {
		return err
	}
	defer closeLLM()

	gate, err := quality.New(cfg.Pipeline.FragmentMin, cfg.Pipeline.FragmentMax, cfg.Pipeline.BlockBudget)
	if err != nil {
		return err
	}

	notifier := notify.NewKafka(cfg.KafkaBrokers, cfg.ResultsTopic, log)
	defer notifier.Close()

	q, err := queue.NewKafka(queue.KafkaConfig{
		Brokers:          cfg.KafkaBrokers,
		Topic:            cfg.KafkaTopic,
		GroupID:          cfg.KafkaConsumer,
		MaxDeliveryCount: cfg.MaxDeliveryCount,
		LockDuration:     cfg.LockDuration,
		PollTimeout:      cfg.PollTimeout,
		Consume:          true,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	pcfg := pipeline.ConfigFrom(cfg)
	enricher := enrich.New(pcfg.Enrich, cache, gen, log)
	generator := pipeline.NewGenerator(pcfg, esClient, enricher, gate, log)
	processor := pipeline.NewProcessor(pcfg, generator, esClient, store, notifier, log)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", slog.Any("err", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", cfg.KafkaTopic+"_dlq"),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.Int("max_delivery_count", cfg.MaxDeliveryCount),
	)
	return worker.New(q, processor, log).Run(ctx)
}

// openLocalCache picks the per-replica tier in front of the shared Postgres
// cache: Badger when a path is configured, an in-process LRU otherwise.
func openLocalCache(cfg *config.Worker, log *slog.Logger) (bulletcache.Cache, func(), error) {
	if cfg.CachePath == "" {
		log.Info("local bullet cache in memory", slog.Int("capacity", cfg.CacheCapacity))
		return bulletcache.NewMemory(cfg.CacheCapacity), func() {}, nil
	}
	b, err := bulletcache.OpenBadger(bulletcache.BadgerConfig{
		Path:       cfg.CachePath,
		GCInterval: 10 * time.Minute,
		Logger:     log,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("local bullet cache on disk", slog.String("path", cfg.CachePath))
	return b, func() {
		if err := b.Close(); err != nil {
			log.Error("close bullet cache", slog.Any("err", err))
		}
	}, nil
}
