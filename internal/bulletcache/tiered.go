package bulletcache

import (
	"context"
	"log/slog"
	"time"
)

// Tiered puts a per-process cache in front of one shared by all replicas.
// Keys are content addressed, so a local copy can only be stale by expiry,
// never by content; LocalTTL bounds how long it outlives the shared entry.
type Tiered struct {
	Local    Cache
	Shared   Cache
	LocalTTL time.Duration
	Logger   *slog.Logger
}

var _ Cache = (*Tiered)(nil)

func (t *Tiered) Get(ctx context.Context, key string) ([]string, bool, error) {
	if fragments, ok, err := t.Local.Get(ctx, key); err == nil && ok {
		return fragments, true, nil
	} else if err != nil {
		t.Logger.Warn("local cache read failed", slog.Any("err", err))
	}

	fragments, ok, err := t.Shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := t.Local.Set(ctx, key, fragments, t.LocalTTL); err != nil {
		t.Logger.Warn("local cache fill failed", slog.Any("err", err))
	}
	return fragments, true, nil
}

// Set writes the shared tier first; other replicas only see that one.
func (t *Tiered) Set(ctx context.Context, key string, fragments []string, ttl time.Duration) error {
	if err := t.Shared.Set(ctx, key, fragments, ttl); err != nil {
		return err
	}
	if err := t.Local.Set(ctx, key, fragments, min(ttl, t.LocalTTL)); err != nil {
		t.Logger.Warn("local cache write failed", slog.Any("err", err))
	}
	return nil
}
