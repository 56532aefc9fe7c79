package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DeafMist/talent-digest/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS digest_audit (
	request_id       TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	result_reference TEXT NOT NULL DEFAULT '',
	error_detail     TEXT NOT NULL DEFAULT '',
	delivered_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	attempt_base     INTEGER NOT NULL DEFAULT 0
);
ALTER TABLE digest_audit ADD COLUMN IF NOT EXISTS attempt_base INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS digest_audit_updated_at_idx ON digest_audit (updated_at);
`

const selectColumns = `request_id, status, attempt_count, result_reference, error_detail, delivered_at, created_at, updated_at, attempt_base`

// Postgres is the durable Store shared by every worker replica.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// Connect opens a pool, verifies it and creates the table when missing.
func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to audit database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (models.AuditRecord, error) {
	var rec models.AuditRecord
	var status string
	err := row.Scan(&rec.RequestID, &status, &rec.AttemptCount, &rec.ResultReference,
		&rec.ErrorDetail, &rec.DeliveredAt, &rec.CreatedAt, &rec.UpdatedAt, &rec.AttemptBase)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AuditRecord{}, ErrNotFound
		}
		return models.AuditRecord{}, err
	}
	rec.Status = models.AuditStatus(status)
	return rec, nil
}

func (p *Postgres) Get(ctx context.Context, requestID string) (models.AuditRecord, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM digest_audit WHERE request_id = $1`, requestID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return rec, fmt.Errorf("get audit record: %w", err)
	}
	return rec, err
}

// Upsert locks the row, validates the transition and writes it back in one transaction.
func (p *Postgres) Upsert(ctx context.Context, requestID string, status models.AuditStatus, detail Detail) (models.AuditRecord, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM digest_audit WHERE request_id = $1 FOR UPDATE`, requestID))
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return rec, fmt.Errorf("lock audit record: %w", err)
	}
	if !exists {
		rec = models.AuditRecord{RequestID: requestID}
	}

	if err := apply(&rec, status, detail, time.Now().UTC()); err != nil {
		return rec, err
	}

	if exists {
		_, err = tx.Exec(ctx,
			`UPDATE digest_audit
			 SET status = $2, attempt_count = $3, result_reference = $4, error_detail = $5, updated_at = $6
			 WHERE request_id = $1`,
			rec.RequestID, string(rec.Status), rec.AttemptCount, rec.ResultReference, rec.ErrorDetail, rec.UpdatedAt)
		if err != nil {
			return rec, fmt.Errorf("update audit record: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`INSERT INTO digest_audit (request_id, status, attempt_count, result_reference, error_detail, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (request_id) DO NOTHING`,
			rec.RequestID, string(rec.Status), rec.AttemptCount, rec.ResultReference, rec.ErrorDetail, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return rec, fmt.Errorf("insert audit record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Another worker created the row between our SELECT and INSERT.
			return rec, fmt.Errorf("%w: absent -> %s (lost create race)", ErrInvalidTransition, status)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return rec, fmt.Errorf("commit audit tx: %w", err)
	}
	return rec, nil
}

func (p *Postgres) ClaimDelivery(ctx context.Context, requestID string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE digest_audit SET delivered_at = NOW(), updated_at = NOW()
		 WHERE request_id = $1 AND status = $2 AND delivered_at IS NULL`,
		requestID, string(models.StatusCompleted))
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := p.Get(ctx, requestID); err != nil {
		return false, err
	}
	return false, nil
}

func (p *Postgres) ReleaseDelivery(ctx context.Context, requestID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE digest_audit SET delivered_at = NULL, updated_at = NOW() WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Reopen(ctx context.Context, requestID string) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM digest_audit WHERE request_id = $1 FOR UPDATE`, requestID))
	if err != nil {
		return err
	}
	if err := reopen(&rec, time.Now().UTC()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE digest_audit SET status = $2, error_detail = '', updated_at = $3, attempt_base = $4 WHERE request_id = $1`,
		requestID, string(rec.Status), rec.UpdatedAt, rec.AttemptBase); err != nil {
		return fmt.Errorf("reopen audit record: %w", err)
	}
	return tx.Commit(ctx)
}

// PurgeOlderThan deletes terminal records last touched before cutoff, at most
// batch rows per call.
func (p *Postgres) PurgeOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM digest_audit WHERE request_id IN (
			SELECT request_id FROM digest_audit
			WHERE status IN ($1, $2) AND updated_at < $3
			ORDER BY updated_at
			LIMIT $4
		)`,
		string(models.StatusCompleted), string(models.StatusFailed), cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("purge audit records: %w", err)
	}
	return tag.RowsAffected(), nil
}
