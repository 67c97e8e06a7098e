package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle bucket a job currently occupies. A job is in
// exactly one bucket at any instant.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{StatusWaiting, StatusDelayed, StatusActive, StatusCompleted, StatusFailed}

// Valid reports whether s is one of the known job statuses.
func (s Status) Valid() bool {
	for _, st := range allStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Job is the unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queueName"`
	Data         json.RawMessage `json:"data"`
	Status       Status          `json:"status"`
	Progress     int             `json:"progress"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	AttemptsMade int             `json:"attemptsMade"`
}

// JobOptions carries per-job policy. The zero value means: no delay, queue
// defaults for attempts and backoff, generated ID, keep terminal records.
type JobOptions struct {
	// Delay postpones first eligibility; the job starts out delayed.
	Delay time.Duration `json:"delay,omitempty"`
	// Attempts caps how many times the job may run before it is failed
	// permanently. Zero means the queue default.
	Attempts int `json:"attempts,omitempty"`
	// Backoff is the base retry delay, scaled by the attempt count.
	Backoff time.Duration `json:"backoff,omitempty"`
	// Priority is recorded for inspection; the filesystem backend orders
	// jobs by ID only (FIFO-ish), not by priority.
	Priority int `json:"priority,omitempty"`
	// JobID overrides the generated ID, allowing idempotent enqueue.
	JobID string `json:"jobId,omitempty"`
	// RemoveOnComplete purges the record instead of keeping it in completed.
	RemoveOnComplete bool `json:"removeOnComplete,omitempty"`
	// RemoveOnFail purges the record instead of keeping it in failed.
	RemoveOnFail bool `json:"removeOnFail,omitempty"`
}

// envelope is the persisted form of a job: the record itself, the policy it
// was enqueued with, and the instant a delayed job becomes eligible.
type envelope struct {
	Job         *Job       `json:"job"`
	Options     JobOptions `json:"options"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// newJobID builds a time-ordered unique ID. The zero-padded nanosecond prefix
// makes lexical order match creation order, which gives the filesystem
// backend its FIFO-ish scan order.
func newJobID(now time.Time) string {
	return fmt.Sprintf("%020d-%s", now.UnixNano(), uuid.NewString()[:8])
}
