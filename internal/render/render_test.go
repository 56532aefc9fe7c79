package render_test

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/talent-digest/internal/models"
	"github.com/DeafMist/talent-digest/internal/render"
)

var generatedAt = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func entry(id, alias string, rank float64, fragments ...string) render.Entry {
	if len(fragments) == 0 {
		fragments = []string{"one", "two", "three", "four", "five"}
	}
	return render.Entry{
		EntityID: id,
		Block: models.EntityBlock{
			Alias:        alias,
			Headline:     "Engineering Manager",
			Location:     "Madrid",
			Compensation: "90k-110k",
			Tenure:       "3-5 years",
			Fragments:    fragments,
			RankScore:    rank,
		},
	}
}

func request() models.DigestRequest {
	return models.DigestRequest{RequestID: "req-9", Audience: models.AudienceExecutive}
}

func TestRenderOrdersByRankThenID(t *testing.T) {
	entries := []render.Entry{
		entry("c-3", "x3", 0.5),
		entry("c-2", "x2", 0.9),
		entry("c-1", "x1", 0.5),
	}
	doc, err := render.Render(render.Config{BlockBudget: 1000, PageBudget: 5000}, request(), entries, generatedAt)
	require.NoError(t, err)

	require.Equal(t, 3, doc.EntityCount)
	require.Equal(t, []string{"x2", "x1", "x3"}, []string{doc.Blocks[0].Alias, doc.Blocks[1].Alias, doc.Blocks[2].Alias})
	require.Equal(t, models.TemplateVersion, doc.TemplateVersion)
	require.Equal(t, "req-9", doc.RequestID)
	require.Equal(t, "x3", entries[0].Block.Alias, "input slice is not reordered")
}

func TestRenderIsDeterministic(t *testing.T) {
	a := []render.Entry{entry("c-1", "A", 1), entry("c-2", "B", 1), entry("c-3", "C", 2)}
	b := []render.Entry{a[2], a[0], a[1]}
	cfg := render.Config{BlockBudget: 1000, PageBudget: 5000}

	docA, err := render.Render(cfg, request(), a, generatedAt)
	require.NoError(t, err)
	docB, err := render.Render(cfg, request(), b, generatedAt)
	require.NoError(t, err)
	require.Equal(t, docA, docB)
}

func TestPaginateNeverSplitsBlocks(t *testing.T) {
	var entries []render.Entry
	for i := range 7 {
		entries = append(entries, entry(string(rune('a'+i)), "Candidate", float64(i)))
	}
	size := render.BlockSize(entries[0].Block)
	cfg := render.Config{BlockBudget: size, PageBudget: size*2 + size/2}

	doc, err := render.Render(cfg, request(), entries, generatedAt)
	require.NoError(t, err)
	require.Len(t, doc.Pages, 4)

	seen := map[int]int{}
	for i, p := range doc.Pages {
		require.Equal(t, i+1, p.Number)
		total := 0
		for _, idx := range p.Blocks {
			seen[idx]++
			total += render.BlockSize(doc.Blocks[idx])
		}
		require.LessOrEqual(t, total, cfg.PageBudget)
	}
	require.Len(t, seen, 7)
	for _, n := range seen {
		require.Equal(t, 1, n)
	}
}

func TestRenderTrimsOversizedBlocks(t *testing.T) {
	long := strings.Repeat("scaled distributed systems ", 20)
	e := entry("c-1", "Candidate A", 1, long, "two", "three", "four", "five")
	budget := 200

	doc, err := render.Render(render.Config{BlockBudget: budget, PageBudget: 400}, request(), []render.Entry{e}, generatedAt)
	require.NoError(t, err)
	require.LessOrEqual(t, render.BlockSize(doc.Blocks[0]), budget)
	require.Len(t, doc.Blocks[0].Fragments, 5)
	require.True(t, strings.HasSuffix(doc.Blocks[0].Fragments[0], "…"))
	require.Equal(t, long, e.Block.Fragments[0], "input block is not mutated")
}

func TestRenderRejectsBlocksThatCannotFit(t *testing.T) {
	e := entry("c-1", "Candidate A", 1)
	_, err := render.Render(render.Config{BlockBudget: 20, PageBudget: 40}, request(), []render.Entry{e}, generatedAt)
	require.ErrorIs(t, err, render.ErrBlockTooLarge)
}

func TestRenderEmptyDocument(t *testing.T) {
	doc, err := render.Render(render.Config{BlockBudget: 100, PageBudget: 100}, request(), nil, generatedAt)
	require.NoError(t, err)
	require.Zero(t, doc.EntityCount)
	require.NotNil(t, doc.Blocks)
	require.NotNil(t, doc.Pages)
	require.Empty(t, doc.Pages)
	require.Contains(t, doc.Body, "No candidates matched")
}

func TestBodyListsEveryBlock(t *testing.T) {
	entries := []render.Entry{entry("c-1", "Candidate A", 2), entry("c-2", "Candidate B", 1)}
	doc, err := render.Render(render.Config{BlockBudget: 1000, PageBudget: 1000}, request(), entries, generatedAt)
	require.NoError(t, err)

	require.Contains(t, doc.Body, "Candidate digest for executive (2 candidates)")
	require.Contains(t, doc.Body, "[Page 1/1]")
	require.Less(t, strings.Index(doc.Body, "Candidate A"), strings.Index(doc.Body, "Candidate B"))
	require.True(t, utf8.ValidString(doc.Body))
}
