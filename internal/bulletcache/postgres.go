package bulletcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS bullet_cache (
	cache_key  TEXT PRIMARY KEY,
	fragments  JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bullet_cache_expires_at_idx ON bullet_cache (expires_at);
`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the Cache shared by every worker replica. Expiry is evaluated
// against the database clock so replicas with skewed clocks agree.
type Postgres struct {
	db   querier
	pool *pgxpool.Pool
}

var _ Cache = (*Postgres)(nil)

// ConnectPostgres opens a pool, verifies it and creates the table when missing.
func ConnectPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to cache database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping cache database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Get(ctx context.Context, key string) ([]string, bool, error) {
	var payload []byte
	err := p.db.QueryRow(ctx,
		`SELECT fragments FROM bullet_cache WHERE cache_key = $1 AND expires_at > NOW()`, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}
	var fragments []string
	if err := json.Unmarshal(payload, &fragments); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return fragments, true, nil
}

// Set upserts the entry. Concurrent writers of one key store equivalent
// fragments, so the later write simply extends the expiry.
func (p *Postgres) Set(ctx context.Context, key string, fragments []string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(fragments)
	if err != nil {
		return fmt.Errorf("marshal fragments: %w", err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO bullet_cache (cache_key, fragments, expires_at)
		 VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		 ON CONFLICT (cache_key) DO UPDATE SET fragments = EXCLUDED.fragments, expires_at = EXCLUDED.expires_at`,
		key, payload, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// PurgeExpired deletes at most batch expired entries.
func (p *Postgres) PurgeExpired(ctx context.Context, batch int) (int64, error) {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM bullet_cache WHERE cache_key IN (
			SELECT cache_key FROM bullet_cache WHERE expires_at <= NOW() LIMIT $1
		)`, batch)
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
