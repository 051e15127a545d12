package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresJournal stores one JSONB snapshot per job.
//
// Schema:
//
//	CREATE TABLE training_jobs (
//	  job_id UUID PRIMARY KEY,
//	  snapshot JSONB NOT NULL,
//	  updated_at TIMESTAMP NOT NULL DEFAULT NOW()
//	);
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgresJournal connects and verifies the Postgres backend.
func NewPostgresJournal(connStr string) (*PostgresJournal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresJournal{pool: pool}, nil
}

func (p *PostgresJournal) Record(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}

	query := `
		INSERT INTO training_jobs (job_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET snapshot = EXCLUDED.snapshot, updated_at = NOW()
	`
	if _, err := p.pool.Exec(ctx, query, snap.ID, data); err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresJournal) Load(ctx context.Context) ([]*Snapshot, error) {
	rows, err := p.pool.Query(ctx, `SELECT snapshot FROM training_jobs`)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal job snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres rows failed: %w", err)
	}
	return snaps, nil
}

// CleanupFinished removes terminal jobs older than the retention window.
// Run from a maintenance cron, not the hot path.
func (p *PostgresJournal) CleanupFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM training_jobs
		WHERE updated_at < NOW() - $1::interval
		  AND snapshot->>'state' IN ('completed', 'failed', 'cancelled')
	`
	tag, err := p.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresJournal) Close() error {
	p.pool.Close()
	return nil
}
