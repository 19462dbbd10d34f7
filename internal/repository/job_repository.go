package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
)

type JobRepository interface {
	Enqueue(ctx context.Context, jobType, payloadEncrypted string) (*domain.Job, error)
	// Claim atomically flips up to limit due pending jobs to processing and
	// returns them. SKIP LOCKED keeps concurrent sweeps from executing the
	// same job twice.
	Claim(ctx context.Context, limit int) ([]domain.Job, error)
	MarkDone(ctx context.Context, jobID int64) error
	// MarkFailed returns the job to pending with a delayed run_after, or
	// moves it to dead once maxTries is reached.
	MarkFailed(ctx context.Context, jobID int64, delay time.Duration, maxTries int, errMsg string) error
}

type jobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepository{pool: pool}
}

const jobCols = `id, job_type, payload_encrypted, status, try_count, run_after, last_error, created_at, updated_at`

func (r *jobRepository) Enqueue(ctx context.Context, jobType, payloadEncrypted string) (*domain.Job, error) {
	const q = `
		INSERT INTO jobs (job_type, payload_encrypted, status, run_after)
		VALUES ($1, $2, 'pending', now())
		RETURNING ` + jobCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var j domain.Job
	err := r.pool.QueryRow(ctx, q, jobType, payloadEncrypted).Scan(
		&j.ID, &j.JobType, &j.PayloadEncrypted, &j.Status, &j.TryCount,
		&j.RunAfter, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRepository) Claim(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	const q = `
		UPDATE jobs
		SET status = 'processing', try_count = try_count + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= now()
			ORDER BY run_after, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobCols

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(
			&j.ID, &j.JobType, &j.PayloadEncrypted, &j.Status, &j.TryCount,
			&j.RunAfter, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

func (r *jobRepository) MarkDone(ctx context.Context, jobID int64) error {
	const q = `UPDATE jobs SET status = 'done', updated_at = now() WHERE id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q, jobID)
	return err
}

func (r *jobRepository) MarkFailed(ctx context.Context, jobID int64, delay time.Duration, maxTries int, errMsg string) error {
	const q = `
		UPDATE jobs
		SET status = CASE WHEN try_count >= $3 THEN 'dead' ELSE 'pending' END,
		    run_after = now() + $2,
		    last_error = $4,
		    updated_at = now()
		WHERE id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q, jobID, delay, maxTries, errMsg)
	return err
}
