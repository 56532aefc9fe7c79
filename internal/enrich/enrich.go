// Package enrich attaches generated fragments to candidates, cache-aside around
// the LLM, with bounded parallelism and per-entity retries.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/talent-digest/internal/anonymize"
	"github.com/DeafMist/talent-digest/internal/bulletcache"
	"github.com/DeafMist/talent-digest/internal/llm"
	"github.com/DeafMist/talent-digest/internal/metrics"
	"github.com/DeafMist/talent-digest/internal/models"
)

// ErrFragmentCount marks a generation whose fragment count is outside the band.
var ErrFragmentCount = errors.New("fragment count outside allowed band")

// promptSubject replaces identity values in free text sent to the model.
const promptSubject = "The candidate"

type Config struct {
	FragmentMin  int
	FragmentMax  int
	Concurrency  int
	Retries      int
	CallTimeout  time.Duration
	RetryBackoff time.Duration
	CacheTTL     time.Duration
}

// Result is one successfully enriched candidate.
type Result struct {
	Candidate models.CandidateSnapshot
	Fragments []string
	CacheHit  bool
}

// Failure records an entity dropped after its retries were spent.
type Failure struct {
	EntityID string
	Err      error
}

// Outcome keeps successes in input order.
type Outcome struct {
	Enriched []Result
	Failed   []Failure
}

type Enricher struct {
	cfg   Config
	cache bulletcache.Cache
	gen   llm.Generator
	log   *slog.Logger
}

func New(cfg Config, cache bulletcache.Cache, gen llm.Generator, log *slog.Logger) *Enricher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Enricher{cfg: cfg, cache: cache, gen: gen, log: log}
}

// Enrich processes every candidate. Entity failures are reported in the
// outcome; the error is non-nil only when ctx ends first.
func (e *Enricher) Enrich(ctx context.Context, candidates []models.CandidateSnapshot, audience models.Audience) (Outcome, error) {
	results := make([]*Result, len(candidates))
	failures := make([]error, len(candidates))

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			if ctx.Err() != nil {
				failures[i] = ctx.Err()
				return nil
			}
			res, err := e.enrichOne(ctx, c, audience)
			if err != nil {
				failures[i] = err
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	for i, c := range candidates {
		if results[i] != nil {
			out.Enriched = append(out.Enriched, *results[i])
			continue
		}
		out.Failed = append(out.Failed, Failure{EntityID: c.ID, Err: failures[i]})
		e.log.Warn("entity enrichment failed, omitting",
			slog.String("entity_id", c.ID),
			slog.Any("err", failures[i]),
		)
	}
	return out, nil
}

func (e *Enricher) enrichOne(ctx context.Context, c models.CandidateSnapshot, audience models.Audience) (Result, error) {
	key := bulletcache.Key(c.ID, bulletcache.Fingerprint(c), audience)

	cached, ok, err := e.cache.Get(ctx, key)
	switch {
	case err != nil:
		e.log.Warn("bullet cache read failed", slog.String("entity_id", c.ID), slog.Any("err", err))
	case ok && e.inBand(cached):
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		e.log.Debug("bullet cache hit", slog.String("entity_id", c.ID))
		return Result{Candidate: c, Fragments: cached, CacheHit: true}, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	e.log.Debug("bullet cache miss", slog.String("entity_id", c.ID))

	fields := promptFields(c)
	var lastErr error
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 && e.cfg.RetryBackoff > 0 {
			select {
			case <-time.After(time.Duration(attempt) * e.cfg.RetryBackoff):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}

		fragments, err := e.generate(ctx, fields, audience)
		if err != nil {
			metrics.LLMCalls.WithLabelValues("error").Inc()
			lastErr = err
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			continue
		}
		metrics.LLMCalls.WithLabelValues("ok").Inc()

		if err := e.cache.Set(ctx, key, fragments, e.cfg.CacheTTL); err != nil {
			e.log.Warn("bullet cache write failed", slog.String("entity_id", c.ID), slog.Any("err", err))
		}
		return Result{Candidate: c, Fragments: fragments}, nil
	}
	return Result{}, fmt.Errorf("entity %s after %d attempts: %w", c.ID, e.cfg.Retries+1, lastErr)
}

func (e *Enricher) generate(ctx context.Context, fields llm.Fields, audience models.Audience) ([]string, error) {
	callCtx := ctx
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}
	fragments, err := e.gen.Generate(callCtx, fields, audience)
	if err != nil {
		return nil, err
	}
	if !e.inBand(fragments) {
		return nil, fmt.Errorf("%w: got %d, want %d-%d", ErrFragmentCount, len(fragments), e.cfg.FragmentMin, e.cfg.FragmentMax)
	}
	return fragments, nil
}

func (e *Enricher) inBand(fragments []string) bool {
	return len(fragments) >= e.cfg.FragmentMin && len(fragments) <= e.cfg.FragmentMax
}

// promptFields copies the content fields, scrubbing identity values that leak
// into free text.
func promptFields(c models.CandidateSnapshot) llm.Fields {
	return llm.Fields{
		Title:           anonymize.Scrub(c.Title, c, promptSubject),
		Industry:        c.Industry,
		Location:        c.Location,
		CompensationMin: c.CompensationMin,
		CompensationMax: c.CompensationMax,
		TenureYears:     c.TenureYears,
		Skills:          append([]string(nil), c.Skills...),
		Summary:         anonymize.Scrub(c.Summary, c, promptSubject),
	}
}
