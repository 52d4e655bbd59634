package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// JobArchivePG implements domain.JobArchive on PostgreSQL. It records when
// sessions start and how they end; live progress never touches the database.
type JobArchivePG struct {
	pool *pgxpool.Pool
}

// NewJobArchive creates a job archive backed by PostgreSQL.
func NewJobArchive(pool *pgxpool.Pool) *JobArchivePG {
	return &JobArchivePG{pool: pool}
}

// RecordStart upserts the job as streaming. Restarts of the same job reuse
// the row.
func (r *JobArchivePG) RecordStart(ctx context.Context, rec *domain.JobRecord) error {
	query := `
INSERT INTO generation_jobs (id, deck_id, status, phase, progress, error_message, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    phase = EXCLUDED.phase,
    progress = EXCLUDED.progress,
    error_message = '',
    started_at = EXCLUDED.started_at,
    finished_at = NULL;
`
	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.DeckID,
		rec.Status,
		rec.Phase,
		rec.Progress,
		rec.ErrorMessage,
		rec.StartedAt,
	)
	return err
}

// RecordFinish stores the terminal outcome of a job.
func (r *JobArchivePG) RecordFinish(ctx context.Context, rec *domain.JobRecord) error {
	query := `
UPDATE generation_jobs
SET status = $2,
    phase = $3,
    progress = $4,
    error_message = $5,
    finished_at = $6
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.Status,
		rec.Phase,
		rec.Progress,
		rec.ErrorMessage,
		rec.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// A session adopted mid-stream may finish before any start row
		// exists; fall back to inserting the whole record.
		return r.RecordStart(ctx, rec)
	}
	return nil
}

// GetByID fetches one archived job.
func (r *JobArchivePG) GetByID(ctx context.Context, id domain.JobID) (*domain.JobRecord, error) {
	query := `
SELECT id, deck_id, status, phase, progress, error_message, started_at, COALESCE(finished_at, started_at)
FROM generation_jobs
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, id)
	var rec domain.JobRecord
	if err := row.Scan(
		&rec.ID,
		&rec.DeckID,
		&rec.Status,
		&rec.Phase,
		&rec.Progress,
		&rec.ErrorMessage,
		&rec.StartedAt,
		&rec.FinishedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListRecent returns the newest archived jobs, most recent first.
func (r *JobArchivePG) ListRecent(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
SELECT id, deck_id, status, phase, progress, error_message, started_at, COALESCE(finished_at, started_at)
FROM generation_jobs
ORDER BY started_at DESC
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobRecord
	for rows.Next() {
		var rec domain.JobRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.DeckID,
			&rec.Status,
			&rec.Phase,
			&rec.Progress,
			&rec.ErrorMessage,
			&rec.StartedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ domain.JobArchive = (*JobArchivePG)(nil)
