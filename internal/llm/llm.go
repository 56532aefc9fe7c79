// Package llm wraps the text-generation providers used for enrichment. The
// model only ever sees non-identity fields.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/DeafMist/talent-digest/internal/config"
	"github.com/DeafMist/talent-digest/internal/models"
)

// ErrEmptyResponse is returned when the provider answered without usable text.
var ErrEmptyResponse = errors.New("llm returned no fragments")

// Fields is the entity input of a generation call.
type Fields struct {
	Title           string
	Industry        string
	Location        string
	CompensationMin int64
	CompensationMax int64
	TenureYears     float64
	Skills          []string
	Summary         string
}

// Generator produces descriptive fragments for one entity. Implementations
// do not retry; callers own timeout and retry policy.
type Generator interface {
	Generate(ctx context.Context, fields Fields, audience models.Audience) ([]string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, fields Fields, audience models.Audience) ([]string, error)

func (f GeneratorFunc) Generate(ctx context.Context, fields Fields, audience models.Audience) ([]string, error) {
	return f(ctx, fields, audience)
}

// Limited throttles an inner Generator with a token bucket.
type Limited struct {
	inner   Generator
	limiter *rate.Limiter
}

func NewLimited(inner Generator, perSecond float64, burst int) *Limited {
	return &Limited{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Generate(ctx context.Context, fields Fields, audience models.Audience) ([]string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return l.inner.Generate(ctx, fields, audience)
}

// New builds the configured provider wrapped in the rate limiter.
func New(ctx context.Context, cfg config.LLM, fragmentMin, fragmentMax int) (Generator, func() error, error) {
	var (
		gen     Generator
		closeFn = func() error { return nil }
	)
	switch cfg.Provider {
	case "openai":
		gen = NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, fragmentMin, fragmentMax)
	case "gemini":
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model, fragmentMin, fragmentMax)
		if err != nil {
			return nil, nil, err
		}
		gen, closeFn = g, g.Close
	default:
		return nil, nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	return NewLimited(gen, cfg.RatePerSecond, cfg.Burst), closeFn, nil
}

var audienceFocus = map[models.Audience]string{
	models.AudienceAdvisor:   "an advisor matching candidates to mandates; stress skills, scope and mobility",
	models.AudienceExecutive: "an executive deciding whom to meet; stress leadership, outcomes and scale",
	models.AudienceAll:       "a general recruiting audience; keep a balanced view",
}

// BuildPrompt renders the generation prompt. Every identity field is absent
// from Fields, so nothing identifying can reach the provider.
func BuildPrompt(f Fields, audience models.Audience, fragmentMin, fragmentMax int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write between %d and %d short, factual bullet points describing an anonymous candidate for %s.\n",
		fragmentMin, fragmentMax, audienceFocus[audience])
	b.WriteString("Never invent names, employers or contact details. Answer with a JSON array of strings only.\n\n")
	writeField(&b, "Title", f.Title)
	writeField(&b, "Industry", f.Industry)
	writeField(&b, "Location", f.Location)
	if f.CompensationMin > 0 || f.CompensationMax > 0 {
		writeField(&b, "Compensation", strconv.FormatInt(f.CompensationMin, 10)+"-"+strconv.FormatInt(f.CompensationMax, 10))
	}
	if f.TenureYears > 0 {
		writeField(&b, "Tenure (years)", strconv.FormatFloat(f.TenureYears, 'f', 1, 64))
	}
	writeField(&b, "Skills", strings.Join(f.Skills, ", "))
	writeField(&b, "Summary", f.Summary)
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}

var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// ParseFragments accepts a JSON array of strings, optionally fenced in a
// markdown code block, or a plain bullet / numbered list.
func ParseFragments(text string) ([]string, error) {
	text = cleanJSONBlock(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	var arr []string
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &arr); err != nil {
			return nil, fmt.Errorf("decode fragment array: %w", err)
		}
		return compact(arr), nonEmpty(arr)
	}

	for _, line := range strings.Split(text, "\n") {
		arr = append(arr, bulletPrefix.ReplaceAllString(line, ""))
	}
	return compact(arr), nonEmpty(arr)
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func nonEmpty(in []string) error {
	if len(compact(in)) == 0 {
		return ErrEmptyResponse
	}
	return nil
}

func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
