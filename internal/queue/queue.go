// Package queue implements the durable job queue (C3): a single-writer-per-job
// queue backed by the storage port, with exponential-backoff retry and a
// crash-recovery sweep for leases that outlive their worker. The teacher's
// original queue.go pushed a fire-and-forget Redis list; that isn't durable
// enough for at-least-once delivery of sent-message and webhook jobs across
// a worker restart, so this port is backed by store.Postgres instead (the
// Redis dependency is kept and repurposed for internal/lock).
package queue

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/oxidesk/oxidesk/internal/metrics"
	"github.com/oxidesk/oxidesk/internal/store"
)

const defaultLease = 5 * time.Minute

// Queue wraps the storage port's job primitives with the operations named
// in spec §4.3.
type Queue struct {
	store *store.Postgres
	lease time.Duration
	now   func() time.Time
}

func New(st *store.Postgres) *Queue {
	return &Queue{store: st, lease: defaultLease, now: time.Now}
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

func (q *Queue) Enqueue(ctx context.Context, jobType string, payload []byte) (store.Job, error) {
	job, err := q.store.EnqueueJob(ctx, jobType, payload, q.now())
	if err == nil {
		q.sampleDepth(ctx, jobType)
	}
	return job, err
}

func (q *Queue) EnqueueAt(ctx context.Context, jobType string, payload []byte, runAt time.Time) (store.Job, error) {
	return q.store.EnqueueJob(ctx, jobType, payload, runAt)
}

// FetchNextJob performs the atomic select-and-lease for jobType: picks the
// earliest-runAt pending job, sets status=processing and lockedUntil = now +
// 5 min. Returns store.ErrNotFound if nothing is ready.
func (q *Queue) FetchNextJob(ctx context.Context, jobType string) (store.Job, error) {
	job, err := q.store.LeaseNextJob(ctx, jobType, q.now().Add(q.lease))
	if err == nil {
		q.sampleDepth(ctx, jobType)
	}
	return job, err
}

// CompleteJob marks job done; takes the full store.Job (rather than just its
// id) so the completion can be labeled by job type in metrics, symmetric
// with FailJob below.
func (q *Queue) CompleteJob(ctx context.Context, job store.Job) error {
	err := q.store.CompleteJob(ctx, job.ID)
	if err == nil {
		metrics.JobsCompleted.WithLabelValues(job.JobType, "completed").Inc()
	}
	return err
}

// FailJob increments attempts and reschedules with exponential backoff
// (30s * 2^(attempts-1)) when attempts remain, or marks the job terminally
// failed once max_attempts is reached (spec §4.3).
func (q *Queue) FailJob(ctx context.Context, job store.Job, errText string) error {
	delay := time.Duration(30*math.Pow(2, float64(job.Attempts-1))) * time.Second
	retryAt := sql.NullTime{Time: q.now().Add(delay), Valid: true}
	err := q.store.FailJob(ctx, job.ID, errText, retryAt)
	if err == nil {
		outcome := "rescheduled"
		if job.Attempts >= job.MaxAttempts {
			outcome = "failed"
		}
		metrics.JobsCompleted.WithLabelValues(job.JobType, outcome).Inc()
	}
	return err
}

func (q *Queue) sampleDepth(ctx context.Context, jobType string) {
	depth, err := q.store.CountPendingJobs(ctx, jobType)
	if err != nil {
		return
	}
	metrics.JobQueueDepth.WithLabelValues(jobType).Set(float64(depth))
}

// RecoverExpiredLeases re-opens jobs left processing past their lease,
// implementing the recovery sweep a worker crash requires (spec §4.3).
func (q *Queue) RecoverExpiredLeases(ctx context.Context) (int64, error) {
	return q.store.RecoverExpiredLeases(ctx)
}

func (q *Queue) Depth(ctx context.Context, jobType string) (int64, error) {
	return q.store.CountPendingJobs(ctx, jobType)
}
