// Package render assembles anonymized blocks into a DigestDocument with a
// deterministic order and whole-block pagination.
package render

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DeafMist/talent-digest/internal/models"
)

// ErrBlockTooLarge means a block cannot be shrunk under the block budget.
var ErrBlockTooLarge = errors.New("entity block exceeds size budget")

// minFragmentRunes is the shortest a fragment may be trimmed to.
const minFragmentRunes = 24

// Config holds size budgets in runes of rendered text.
type Config struct {
	BlockBudget int
	PageBudget  int
}

// Entry is one block plus the source entity id used as a sort tie-breaker.
type Entry struct {
	EntityID string
	Block    models.EntityBlock
}

// Before reports whether (rankA, idA) sorts ahead of (rankB, idB): higher rank
// first, then ascending id.
func Before(rankA float64, idA string, rankB float64, idB string) bool {
	if rankA != rankB {
		return rankA > rankB
	}
	return idA < idB
}

// Sort orders entries deterministically regardless of enrichment completion order.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Before(entries[i].Block.RankScore, entries[i].EntityID, entries[j].Block.RankScore, entries[j].EntityID)
	})
}

// Render builds the document. Blocks over budget have their longest fragments
// trimmed; a block that still does not fit is an error.
func Render(cfg Config, req models.DigestRequest, entries []Entry, generatedAt time.Time) (models.DigestDocument, error) {
	if cfg.BlockBudget <= 0 || cfg.PageBudget < cfg.BlockBudget {
		return models.DigestDocument{}, fmt.Errorf("invalid render budgets %d/%d", cfg.BlockBudget, cfg.PageBudget)
	}

	ordered := append([]Entry(nil), entries...)
	Sort(ordered)

	blocks := make([]models.EntityBlock, 0, len(ordered))
	for _, e := range ordered {
		b, err := fit(e.Block, cfg.BlockBudget)
		if err != nil {
			return models.DigestDocument{}, fmt.Errorf("%s: %w", e.Block.Alias, err)
		}
		blocks = append(blocks, b)
	}

	pages := Paginate(blocks, cfg.PageBudget)
	doc := models.DigestDocument{
		RequestID:       req.RequestID,
		Audience:        req.Audience,
		GeneratedAt:     generatedAt.UTC(),
		EntityCount:     len(blocks),
		TemplateVersion: models.TemplateVersion,
		Blocks:          blocks,
		Pages:           pages,
	}
	doc.Body = Body(doc)
	return doc, nil
}

// Paginate packs whole blocks greedily into pages of at most budget runes.
// A block larger than the budget gets a page of its own.
func Paginate(blocks []models.EntityBlock, budget int) []models.Page {
	pages := make([]models.Page, 0)
	used := 0
	for i, b := range blocks {
		size := BlockSize(b)
		if len(pages) == 0 || used+size > budget {
			pages = append(pages, models.Page{Number: len(pages) + 1, Blocks: []int{}})
			used = 0
		}
		last := &pages[len(pages)-1]
		last.Blocks = append(last.Blocks, i)
		used += size
	}
	return pages
}

// BlockText is the plain-text form of one block.
func BlockText(b models.EntityBlock) string {
	var sb strings.Builder
	sb.WriteString(b.Alias)
	if b.Headline != "" {
		sb.WriteString(" | ")
		sb.WriteString(b.Headline)
	}
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "Location: %s | Compensation: %s | Tenure: %s\n", b.Location, b.Compensation, b.Tenure)
	for _, f := range b.Fragments {
		sb.WriteString("  - ")
		sb.WriteString(f)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// BlockSize is the rune length of BlockText.
func BlockSize(b models.EntityBlock) int {
	return utf8.RuneCountInString(BlockText(b))
}

// Body renders the whole document as the text delivered to the requester.
func Body(doc models.DigestDocument) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Candidate digest for %s (%d candidates)\n", doc.Audience, doc.EntityCount)
	fmt.Fprintf(&sb, "Generated %s\n", doc.GeneratedAt.Format(time.RFC3339))
	if doc.EntityCount == 0 {
		sb.WriteString("\nNo candidates matched the requested filters.\n")
		return sb.String()
	}
	for _, p := range doc.Pages {
		fmt.Fprintf(&sb, "\n[Page %d/%d]\n", p.Number, len(doc.Pages))
		for _, idx := range p.Blocks {
			sb.WriteByte('\n')
			sb.WriteString(BlockText(doc.Blocks[idx]))
		}
	}
	return sb.String()
}

func fit(b models.EntityBlock, budget int) (models.EntityBlock, error) {
	b.Fragments = append([]string(nil), b.Fragments...)
	for {
		over := BlockSize(b) - budget
		if over <= 0 {
			return b, nil
		}
		longest := -1
		for i, f := range b.Fragments {
			n := utf8.RuneCountInString(f)
			if n > minFragmentRunes+1 && (longest < 0 || n > utf8.RuneCountInString(b.Fragments[longest])) {
				longest = i
			}
		}
		if longest < 0 {
			return b, fmt.Errorf("%w: %d runes over", ErrBlockTooLarge, over)
		}
		b.Fragments[longest] = truncate(b.Fragments[longest], over)
	}
}

// truncate removes at least over runes from s (plus room for the ellipsis),
// never going below minFragmentRunes.
func truncate(s string, over int) string {
	runes := []rune(s)
	keep := len(runes) - over - 1
	if keep < minFragmentRunes {
		keep = minFragmentRunes
	}
	cut := strings.TrimRight(string(runes[:keep]), " ,;:")
	return cut + "…"
}
