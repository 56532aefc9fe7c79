package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/DeafMist/talent-digest/internal/audit"
	"github.com/DeafMist/talent-digest/internal/bulletcache"
	"github.com/DeafMist/talent-digest/internal/config"
	"github.com/DeafMist/talent-digest/internal/elasticsearch"
	"github.com/DeafMist/talent-digest/internal/logger"
	"github.com/DeafMist/talent-digest/internal/metrics"
)

type digestPurger interface {
	DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

type auditPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

type cachePurger interface {
	PurgeExpired(ctx context.Context, batch int) (int64, error)
}

func main() {
	_ = godotenv.Load()

	log := logger.New("retention")
	cfg, err := config.LoadRetention()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := connectElasticsearch(ctx, log, cfg)
	if err != nil {
		log.Error("failed to connect to elasticsearch after retries", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("connected to elasticsearch")

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := audit.Connect(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Error("init audit store", slog.Any("err", err))
		os.Exit(1)
	}
	defer store.Close()

	connectCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
	cache, err := bulletcache.ConnectPostgres(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Error("init bullet cache", slog.Any("err", err))
		os.Exit(1)
	}
	defer cache.Close()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info("retention job running",
		slog.Duration("interval", cfg.Interval),
		slog.Duration("max_age", cfg.MaxAge),
		slog.Duration("audit_max_age", cfg.AuditMaxAge),
	)

	// Run immediately on start; a failed run is retried on the next tick.
	runOnce(ctx, log, esClient, store, cache, cfg, time.Now())

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return
		case now := <-ticker.C:
			runOnce(ctx, log, esClient, store, cache, cfg, now)
		}
	}
}

// connectElasticsearch retries with exponential backoff until the cluster answers a ping.
func connectElasticsearch(ctx context.Context, log *slog.Logger, cfg *config.Retention) (*elasticsearch.Client, error) {
	const maxRetries = 10
	retryDelay := 2 * time.Second

	var lastErr error
	for i := range maxRetries {
		esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.CandidateIndex, cfg.DigestIndex, log)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = esClient.Ping(pingCtx)
			cancel()
			if err == nil {
				return esClient, nil
			}
		}
		lastErr = err
		log.Warn("elasticsearch not ready, retrying",
			slog.Any("err", err),
			slog.Int("attempt", i+1),
			slog.Int("max_retries", maxRetries),
			slog.Duration("retry_in", retryDelay),
		)

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		retryDelay = min(retryDelay*2, 30*time.Second)
	}
	return nil, lastErr
}

func runOnce(ctx context.Context, log *slog.Logger, docs digestPurger, records auditPurger, cache cachePurger, cfg *config.Retention, now time.Time) {
	subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	deleted, err := docs.DeleteOlderThan(subCtx, cfg.MaxAge, cfg.BatchSize)
	if err != nil {
		log.Warn("digest retention failed (will retry on next interval)", slog.Any("err", err))
	} else {
		metrics.RetentionDeleted.WithLabelValues("elasticsearch").Add(float64(deleted))
		log.Info("digest retention completed", slog.Int64("deleted", deleted))
	}

	purged, err := records.PurgeOlderThan(subCtx, now.Add(-cfg.AuditMaxAge), cfg.BatchSize)
	if err != nil {
		log.Warn("audit retention failed (will retry on next interval)", slog.Any("err", err))
	} else {
		metrics.RetentionDeleted.WithLabelValues("postgres").Add(float64(purged))
		if purged > 0 {
			log.Info("audit retention completed", slog.Int64("deleted", purged))
		} else {
			log.Debug("audit retention completed, no old records found")
		}
	}

	expired, err := cache.PurgeExpired(subCtx, cfg.BatchSize)
	if err != nil {
		log.Warn("bullet cache cleanup failed (will retry on next interval)", slog.Any("err", err))
		return
	}
	metrics.RetentionDeleted.WithLabelValues("bullet_cache").Add(float64(expired))
	log.Debug("bullet cache cleanup completed", slog.Int64("deleted", expired))
}
