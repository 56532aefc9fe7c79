package bulletcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/talent-digest/internal/logger"
)

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]string, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenCache) Set(context.Context, string, []string, time.Duration) error {
	return errors.New("connection refused")
}

func newReplica(shared Cache) (*Tiered, *Memory, *fakeClock) {
	local, clock := newTestMemory(10)
	return &Tiered{Local: local, Shared: shared, LocalTTL: time.Minute, Logger: logger.Discard()}, local, clock
}

func TestTieredHitAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	shared, _ := newTestMemory(10)
	first, _, _ := newReplica(shared)
	second, secondLocal, _ := newReplica(shared)

	require.NoError(t, first.Set(ctx, "k", []string{"a", "b"}, time.Hour))

	got, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, got)
	require.Equal(t, 1, secondLocal.Len(), "shared hit fills the local tier")
}

func TestTieredLocalCopyIsBoundedByLocalTTL(t *testing.T) {
	ctx := context.Background()
	shared, _ := newTestMemory(10)
	replica, local, clock := newReplica(shared)

	require.NoError(t, replica.Set(ctx, "k", []string{"a"}, 24*time.Hour))
	clock.advance(2 * time.Minute)

	_, ok, _ := local.Get(ctx, "k")
	require.False(t, ok)
	got, ok, err := replica.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a"}, got)
}

func TestTieredSharedFailure(t *testing.T) {
	ctx := context.Background()
	replica, local, _ := newReplica(brokenCache{})

	require.Error(t, replica.Set(ctx, "k", []string{"a"}, time.Hour))
	require.Zero(t, local.Len(), "nothing is cached locally that other replicas cannot see")

	_, ok, err := replica.Get(ctx, "k")
	require.Error(t, err)
	require.False(t, ok)
}
