package bulletcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/talent-digest/internal/bulletcache"
	"github.com/DeafMist/talent-digest/internal/models"
)

func snapshot() models.CandidateSnapshot {
	return models.CandidateSnapshot{
		ID:              "c-1",
		FullName:        "Jane Doe",
		CurrentEmployer: "Acme",
		Title:           "VP Engineering",
		Location:        "Berlin",
		CompensationMin: 150000,
		CompensationMax: 180000,
		TenureYears:     4.25,
		Skills:          []string{"Go", "Kafka"},
		Summary:         "Scaled platform teams",
	}
}

func TestFingerprintIgnoresIdentityAndSkillOrder(t *testing.T) {
	a := snapshot()
	b := snapshot()
	b.FullName = "Someone Else"
	b.Email = "x@y.z"
	b.Skills = []string{"kafka", " go"}

	require.Equal(t, bulletcache.Fingerprint(a), bulletcache.Fingerprint(b))
}

func TestFingerprintChangesWithContentFields(t *testing.T) {
	base := bulletcache.Fingerprint(snapshot())

	changed := snapshot()
	changed.Title = "CTO"
	require.NotEqual(t, base, bulletcache.Fingerprint(changed))

	changed = snapshot()
	changed.CompensationMax = 190000
	require.NotEqual(t, base, bulletcache.Fingerprint(changed))
}

func TestKeyDependsOnAudience(t *testing.T) {
	fp := bulletcache.Fingerprint(snapshot())
	require.Equal(t,
		bulletcache.Key("c-1", fp, models.AudienceAdvisor),
		bulletcache.Key("c-1", fp, models.AudienceAdvisor))
	require.NotEqual(t,
		bulletcache.Key("c-1", fp, models.AudienceAdvisor),
		bulletcache.Key("c-1", fp, models.AudienceExecutive))
}

func TestBadgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, err := bulletcache.OpenBadger(bulletcache.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cache.Close()) })

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", []string{"a", "b", "c"}, time.Hour))
	got, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestOpenBadgerRequiresPath(t *testing.T) {
	_, err := bulletcache.OpenBadger(bulletcache.BadgerConfig{})
	require.Error(t, err)
}
