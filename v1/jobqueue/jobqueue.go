package jobqueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when the job does not exist in any status
	// bucket of the queue.
	ErrJobNotFound = errors.New("jobqueue: job not found")
	// ErrProcessorRegistered is returned when Process is called twice for the
	// same queue within one process.
	ErrProcessorRegistered = errors.New("jobqueue: processor already registered for queue")
	// ErrQueueClosed is returned for operations after Shutdown.
	ErrQueueClosed = errors.New("jobqueue: queue is shut down")

	// errJobExists is the internal signal that a caller-supplied job ID is
	// already present; Add resolves it to the existing record.
	errJobExists = errors.New("jobqueue: job already exists")
)

// Processor handles one job. Returning a non-nil error triggers the
// retry/backoff policy; a panic is recovered and treated the same way.
type Processor func(ctx context.Context, job *Job) error

// ProcessOptions configures a registered processor.
type ProcessOptions struct {
	// Concurrency bounds how many jobs from this queue may be active at once
	// within this process. Zero means 1.
	Concurrency int
}

// QueueStats is a per-status census of one queue.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is the port consumed by business code. Both backends implement it.
type Queue interface {
	// Add creates a job in waiting (or delayed when opts.Delay > 0) and
	// persists it. When opts.JobID names an existing job the stored record is
	// returned unchanged, making enqueue idempotent.
	Add(ctx context.Context, queue string, data any, opts *JobOptions) (*Job, error)
	// Process registers exactly one processor per queue per process and
	// starts the polling loop for that queue.
	Process(queue string, fn Processor, opts ProcessOptions) error
	// GetJob returns the job regardless of its current status bucket.
	GetJob(ctx context.Context, queue, id string) (*Job, error)
	// RemoveJob deletes the job from whichever bucket holds it.
	RemoveJob(ctx context.Context, queue, id string) error
	// CountByStatus returns how many jobs occupy the given bucket.
	CountByStatus(ctx context.Context, queue string, status Status) (int, error)
	// Stats returns counts for every bucket of the queue.
	Stats(ctx context.Context, queue string) (QueueStats, error)
	// JobsByStatus lists up to limit jobs from the bucket in ID order.
	// A non-positive limit means no bound.
	JobsByStatus(ctx context.Context, queue string, status Status, limit int) ([]*Job, error)
	// Pause stops the polling loop from claiming new waiting jobs. In-flight
	// jobs are unaffected; delayed promotion keeps running.
	Pause(ctx context.Context, queue string) error
	// Resume undoes Pause.
	Resume(ctx context.Context, queue string) error
	// Clean deletes all completed and failed job records.
	Clean(ctx context.Context, queue string) error
	// UpdateProgress records a best-effort progress percent on the job.
	UpdateProgress(ctx context.Context, queue, id string, percent int) error
	// Shutdown stops all polling loops and waits for in-flight jobs, bounded
	// by ctx.
	Shutdown(ctx context.Context) error
}

// store is the backend contract the engine drives. Implementations own the
// durability and atomicity of each transition.
type store interface {
	createJob(ctx context.Context, env *envelope) error
	getJob(ctx context.Context, queue, id string) (*envelope, error)
	removeJob(ctx context.Context, queue, id string) error
	countByStatus(ctx context.Context, queue string, status Status) (int, error)
	listByStatus(ctx context.Context, queue string, status Status, limit int) ([]*envelope, error)

	// promoteDue moves delayed jobs whose scheduledAt has passed back to
	// waiting, and performs any backend-specific reclaim work.
	promoteDue(ctx context.Context, queue string, now time.Time) (int, error)
	// claimWaiting atomically moves up to n waiting jobs to active,
	// incrementing attemptsMade and stamping processedAt.
	claimWaiting(ctx context.Context, queue string, n int, now time.Time) ([]*envelope, error)
	// heartbeat signals that the job is still being processed. Backends
	// without a liveness concept may no-op.
	heartbeat(ctx context.Context, queue, id string) error
	completeJob(ctx context.Context, env *envelope, removeOnComplete bool) error
	retryJob(ctx context.Context, env *envelope, scheduledAt time.Time) error
	failJob(ctx context.Context, env *envelope, removeOnFail bool) error

	clean(ctx context.Context, queue string) error
	updateProgress(ctx context.Context, queue, id string, percent int) error
	// maintain runs the periodic retention sweep.
	maintain(ctx context.Context, now time.Time) error
}
