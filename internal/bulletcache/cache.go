// Package bulletcache stores generated fragments keyed by content, so an
// unchanged candidate never costs a second LLM call inside the TTL window.
package bulletcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/talent-digest/internal/models"
)

// Cache is the cache-aside contract used by the enrichment stage.
// Implementations must be safe for concurrent use; Set is idempotent per key.
type Cache interface {
	Get(ctx context.Context, key string) ([]string, bool, error)
	Set(ctx context.Context, key string, fragments []string, ttl time.Duration) error
}

// Fingerprint hashes the snapshot fields that influence generated text.
// Identity fields are excluded: they are never sent to the model.
func Fingerprint(c models.CandidateSnapshot) string {
	skills := append([]string(nil), c.Skills...)
	for i := range skills {
		skills[i] = strings.ToLower(strings.TrimSpace(skills[i]))
	}
	sort.Strings(skills)

	parts := []string{
		strings.TrimSpace(c.Title),
		strings.TrimSpace(c.Industry),
		strings.TrimSpace(c.Location),
		strconv.FormatInt(c.CompensationMin, 10),
		strconv.FormatInt(c.CompensationMax, 10),
		strconv.FormatFloat(c.TenureYears, 'f', 1, 64),
		strings.Join(skills, ","),
		strings.TrimSpace(c.Summary),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Key derives the content-addressed cache key for one entity and audience.
func Key(entityID, fingerprint string, audience models.Audience) string {
	sum := sha256.Sum256([]byte(entityID + "|" + fingerprint + "|" + string(audience)))
	return "bullets:" + hex.EncodeToString(sum[:])
}
