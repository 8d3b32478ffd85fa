package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// EnqueueJob inserts a pending job runnable at runAt (spec §4.3 durable queue).
func (s *Postgres) EnqueueJob(ctx context.Context, jobType string, payload []byte, runAt time.Time) (Job, error) {
	j := Job{
		ID:          uuid.NewString(),
		JobType:     jobType,
		Payload:     payload,
		Status:      JobStatusPending,
		RunAt:       runAt,
		MaxAttempts: 5,
	}
	row := s.q.QueryRowContext(ctx, `INSERT INTO jobs (id, job_type, payload, status, run_at, max_attempts)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`, j.ID, j.JobType, j.Payload, j.Status, j.RunAt, j.MaxAttempts)
	if err := row.Scan(&j.CreatedAt, &j.UpdatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

// LeaseNextJob atomically claims the oldest due job of jobType, locking it
// until leaseUntil (spec §4.3 "lease survives worker restart via
// locked_until"). Returns ErrNotFound when no job is ready.
func (s *Postgres) LeaseNextJob(ctx context.Context, jobType string, leaseUntil time.Time) (Job, error) {
	var j Job
	err := s.WithTx(ctx, func(scoped *Postgres) error {
		row := scoped.q.QueryRowContext(ctx, `SELECT id, job_type, payload, status, run_at, created_at, updated_at,
			attempts, max_attempts, last_error, locked_until FROM jobs
			WHERE job_type = $1 AND run_at <= now()
			  AND (status = 'pending' OR (status = 'processing' AND locked_until < now()))
			ORDER BY run_at ASC
			LIMIT 1 FOR UPDATE SKIP LOCKED`, jobType)
		if err := row.Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.RunAt, &j.CreatedAt, &j.UpdatedAt,
			&j.Attempts, &j.MaxAttempts, &j.LastError, &j.LockedUntil); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		_, err := scoped.q.ExecContext(ctx, `UPDATE jobs SET status='processing', locked_until=$2,
			attempts = attempts + 1, updated_at = now() WHERE id = $1`, j.ID, leaseUntil)
		if err != nil {
			return err
		}
		j.Status = JobStatusProcessing
		j.LockedUntil = sql.NullTime{Time: leaseUntil, Valid: true}
		j.Attempts++
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

func (s *Postgres) CompleteJob(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE jobs SET status='completed', locked_until=NULL, updated_at=now() WHERE id=$1`, id)
	return err
}

// FailJob records an attempt failure; when attempts have reached
// max_attempts the job is marked failed terminally, otherwise it is
// rescheduled to retryAt and left pending for another lease.
func (s *Postgres) FailJob(ctx context.Context, id string, lastError string, retryAt sql.NullTime) error {
	return s.WithTx(ctx, func(scoped *Postgres) error {
		var attempts, maxAttempts int
		row := scoped.q.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id)
		if err := row.Scan(&attempts, &maxAttempts); err != nil {
			return err
		}
		if attempts >= maxAttempts {
			_, err := scoped.q.ExecContext(ctx, `UPDATE jobs SET status='failed', last_error=$2, locked_until=NULL,
				updated_at=now() WHERE id=$1`, id, lastError)
			return err
		}
		_, err := scoped.q.ExecContext(ctx, `UPDATE jobs SET status='pending', last_error=$2, run_at=$3,
			locked_until=NULL, updated_at=now() WHERE id=$1`, id, lastError, retryAt)
		return err
	})
}

// RecoverExpiredLeases resets processing jobs whose lease expired without a
// terminal status write -- a worker crash or restart -- back to pending so
// another worker can claim them (spec §4.3 crash recovery, §5 Concurrency).
func (s *Postgres) RecoverExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE jobs SET status='pending', locked_until=NULL, updated_at=now()
		WHERE status='processing' AND locked_until < now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Postgres) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	row := s.q.QueryRowContext(ctx, `SELECT id, job_type, payload, status, run_at, created_at, updated_at,
		attempts, max_attempts, last_error, locked_until FROM jobs WHERE id = $1`, id)
	err := row.Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.RunAt, &j.CreatedAt, &j.UpdatedAt,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.LockedUntil)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

func (s *Postgres) CountPendingJobs(ctx context.Context, jobType string) (int64, error) {
	var n int64
	row := s.q.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE job_type = $1 AND status = 'pending'`, jobType)
	err := row.Scan(&n)
	return n, err
}
