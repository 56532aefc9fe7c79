// Package pipeline turns one DigestRequest into a delivered DigestDocument.
// Every stage reports a classified error; the Processor converts the final
// outcome into an Action for the worker loop.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/DeafMist/talent-digest/internal/anonymize"
	"github.com/DeafMist/talent-digest/internal/config"
	"github.com/DeafMist/talent-digest/internal/enrich"
	"github.com/DeafMist/talent-digest/internal/models"
	"github.com/DeafMist/talent-digest/internal/quality"
	"github.com/DeafMist/talent-digest/internal/render"
)

// Config is passed to the constructors; there is no package-level state.
type Config struct {
	MaxDeliveryCount int
	MaxEntities      int
	Enrich           enrich.Config
	Render           render.Config
}

// ConfigFrom maps worker configuration onto pipeline settings.
func ConfigFrom(w *config.Worker) Config {
	p := w.Pipeline
	return Config{
		MaxDeliveryCount: w.MaxDeliveryCount,
		MaxEntities:      p.MaxEntities,
		Enrich: enrich.Config{
			FragmentMin:  p.FragmentMin,
			FragmentMax:  p.FragmentMax,
			Concurrency:  p.EnrichConcurrency,
			Retries:      p.EntityRetries,
			CallTimeout:  p.LLMTimeout,
			RetryBackoff: 250 * time.Millisecond,
			CacheTTL:     p.CacheTTL,
		},
		Render: render.Config{BlockBudget: p.BlockBudget, PageBudget: p.PageBudget},
	}
}

// Retriever fetches candidate snapshots, best ranked first.
type Retriever interface {
	SearchCandidates(ctx context.Context, filters models.Filters, limit int) ([]models.CandidateSnapshot, error)
}

// Enricher attaches fragments to candidates.
type Enricher interface {
	Enrich(ctx context.Context, candidates []models.CandidateSnapshot, audience models.Audience) (enrich.Outcome, error)
}

// Generator runs retrieval, enrichment, anonymization, rendering and the quality gate.
type Generator struct {
	cfg       Config
	retriever Retriever
	enricher  Enricher
	gate      quality.Checker
	now       func() time.Time
	log       *slog.Logger
}

func NewGenerator(cfg Config, retriever Retriever, enricher Enricher, gate quality.Checker, log *slog.Logger) *Generator {
	return &Generator{cfg: cfg, retriever: retriever, enricher: enricher, gate: gate, now: time.Now, log: log}
}

// Generate returns a gated document or a *StageError.
func (g *Generator) Generate(ctx context.Context, req models.DigestRequest) (models.DigestDocument, error) {
	if err := req.Validate(); err != nil {
		return models.DigestDocument{}, terminal(StageValidate, err)
	}

	limit := req.Filters.MaxCount
	if g.cfg.MaxEntities > 0 && limit > g.cfg.MaxEntities {
		limit = g.cfg.MaxEntities
	}
	candidates, err := g.retriever.SearchCandidates(ctx, req.Filters, limit)
	if err != nil {
		return models.DigestDocument{}, retryable(StageRetrieve, err)
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	g.log.Info("candidates retrieved", slog.String("request_id", req.RequestID), slog.Int("count", len(candidates)))

	var enriched []enrich.Result
	if len(candidates) > 0 {
		out, err := g.enricher.Enrich(ctx, candidates, req.Audience)
		if err != nil {
			return models.DigestDocument{}, retryable(StageEnrich, err)
		}
		if len(out.Enriched) == 0 {
			return models.DigestDocument{}, retryable(StageEnrich,
				fmt.Errorf("%w: %d of %d", ErrAllEntitiesFailed, len(out.Failed), len(candidates)))
		}
		if len(out.Failed) > 0 {
			g.log.Warn("digest degraded",
				slog.String("request_id", req.RequestID),
				slog.Int("omitted", len(out.Failed)),
				slog.Int("kept", len(out.Enriched)),
			)
		}
		enriched = out.Enriched
	}

	entries, sources := anonymizeAll(enriched)

	doc, err := render.Render(g.cfg.Render, req, entries, g.now())
	if err != nil {
		return models.DigestDocument{}, terminal(StageRender, err)
	}

	if err := g.gate.Check(doc, sources); err != nil {
		return models.DigestDocument{}, terminal(StageGate, err)
	}
	return doc, nil
}

// anonymizeAll assigns aliases in final document order, so "Candidate A" is
// always the best-ranked entity.
func anonymizeAll(enriched []enrich.Result) ([]render.Entry, map[string]models.CandidateSnapshot) {
	ordered := append([]enrich.Result(nil), enriched...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Candidate, ordered[j].Candidate
		return render.Before(a.RankScore, a.ID, b.RankScore, b.ID)
	})

	entries := make([]render.Entry, 0, len(ordered))
	sources := make(map[string]models.CandidateSnapshot, len(ordered))
	for i, r := range ordered {
		alias := anonymize.Alias(i)
		entries = append(entries, render.Entry{
			EntityID: r.Candidate.ID,
			Block:    anonymize.Block(r.Candidate, r.Fragments, alias),
		})
		sources[alias] = r.Candidate
	}
	return entries, sources
}
