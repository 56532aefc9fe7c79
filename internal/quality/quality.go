// Package quality is the last pipeline stage: a document that fails here is a
// logic defect, never a transient condition.
package quality

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/DeafMist/talent-digest/internal/anonymize"
	"github.com/DeafMist/talent-digest/internal/models"
	"github.com/DeafMist/talent-digest/internal/render"
)

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["request_id", "audience", "generated_at", "entity_count", "template_version", "blocks", "pages", "body"],
  "properties": {
    "request_id": {"type": "string", "minLength": 1},
    "audience": {"enum": ["advisor", "executive", "all"]},
    "generated_at": {"type": "string", "format": "date-time"},
    "entity_count": {"type": "integer", "minimum": 0},
    "template_version": {"type": "string", "minLength": 1},
    "body": {"type": "string", "minLength": 1},
    "blocks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["alias", "headline", "location", "compensation", "tenure", "fragments", "rank_score"],
        "properties": {
          "alias": {"type": "string", "minLength": 1},
          "fragments": {"type": "array", "items": {"type": "string", "minLength": 1}}
        }
      }
    },
    "pages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["number", "blocks"],
        "properties": {
          "number": {"type": "integer", "minimum": 1},
          "blocks": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 0}}
        }
      }
    }
  }
}`

// Violation is one failed rule.
type Violation struct {
	Rule   string
	Detail string
}

// ViolationError lists every rule a document broke.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Rule+": "+v.Detail)
	}
	return "quality gate: " + strings.Join(parts, "; ")
}

// Checker validates a rendered document. sources maps each block alias to the
// snapshot it was built from.
type Checker interface {
	Check(doc models.DigestDocument, sources map[string]models.CandidateSnapshot) error
}

// Gate is the production Checker.
type Gate struct {
	schema      *gojsonschema.Schema
	fragmentMin int
	fragmentMax int
	blockBudget int
}

// New compiles the document schema.
func New(fragmentMin, fragmentMax, blockBudget int) (*Gate, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	return &Gate{schema: schema, fragmentMin: fragmentMin, fragmentMax: fragmentMax, blockBudget: blockBudget}, nil
}

// Check returns a *ViolationError when any rule fails.
func (g *Gate) Check(doc models.DigestDocument, sources map[string]models.CandidateSnapshot) error {
	var vs []Violation
	add := func(rule, format string, args ...any) {
		vs = append(vs, Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	result, err := g.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate document: %w", err)
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		add("schema", "%s: %s", field, desc.Description())
	}

	if doc.EntityCount != len(doc.Blocks) {
		add("entity_count", "entity_count %d != %d blocks", doc.EntityCount, len(doc.Blocks))
	}

	for i, b := range doc.Blocks {
		if n := len(b.Fragments); n < g.fragmentMin || n > g.fragmentMax {
			add("fragment_band", "block %d (%s) has %d fragments, want %d-%d", i, b.Alias, n, g.fragmentMin, g.fragmentMax)
		}
		if size := render.BlockSize(b); g.blockBudget > 0 && size > g.blockBudget {
			add("block_size", "block %d (%s) is %d runes, budget %d", i, b.Alias, size, g.blockBudget)
		}

		src, ok := sources[b.Alias]
		if !ok {
			add("provenance", "block %d (%s) has no source entity", i, b.Alias)
			continue
		}
		if leaks := anonymize.Leaks(render.BlockText(b), src); len(leaks) > 0 {
			add("identity_leak", "block %d (%s) exposes %d identity value(s)", i, b.Alias, len(leaks))
		}
	}

	bodyLower := strings.ToLower(anonymize.StripPlaceholders(doc.Body))
	for alias, src := range sources {
		for _, term := range []string{src.FullName, src.Email, src.Phone, src.ProfileURL} {
			if term != "" && strings.Contains(bodyLower, strings.ToLower(term)) {
				add("identity_leak", "body exposes an identity value of %s", alias)
				break
			}
		}
	}

	checkPages(doc, add)

	if len(vs) == 0 {
		return nil
	}
	return &ViolationError{Violations: vs}
}

func checkPages(doc models.DigestDocument, add func(rule, format string, args ...any)) {
	seen := make([]int, len(doc.Blocks))
	for i, p := range doc.Pages {
		if p.Number != i+1 {
			add("pagination", "page %d numbered %d", i+1, p.Number)
		}
		for _, idx := range p.Blocks {
			if idx < 0 || idx >= len(seen) {
				add("pagination", "page %d references missing block %d", p.Number, idx)
				continue
			}
			seen[idx]++
		}
	}
	for idx, n := range seen {
		if n != 1 {
			add("pagination", "block %d appears on %d pages", idx, n)
		}
	}
}
