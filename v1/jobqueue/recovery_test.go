package jobqueue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// plantActiveJob writes a job file into the active bucket the way a crashed
// worker would have left it.
func plantActiveJob(t *testing.T, base, queue, id string, attemptsMade int) {
	t.Helper()
	for _, d := range statusDirs {
		if err := os.MkdirAll(filepath.Join(base, queue, d), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	now := time.Now()
	env := envelope{
		Job: &Job{
			ID:           id,
			Queue:        queue,
			Data:         json.RawMessage(`{"x":1}`),
			Status:       StatusActive,
			CreatedAt:    now,
			ProcessedAt:  &now,
			AttemptsMade: attemptsMade,
		},
	}
	data, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(base, queue, string(StatusActive), id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRecoveryRequeuesStaleActiveJobs(t *testing.T) {
	base := t.TempDir()
	plantActiveJob(t, base, "sync", "job-a", 2)
	plantActiveJob(t, base, "sync", "job-b", 0)

	q, err := NewLocal(base, WithPollInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer q.Shutdown(context.Background())

	ctx := context.Background()
	a, err := q.GetJob(ctx, "sync", "job-a")
	if err != nil {
		t.Fatalf("GetJob a: %v", err)
	}
	if a.Status != StatusWaiting {
		t.Fatalf("expected waiting, got %s", a.Status)
	}
	// A crash does not count as a failed attempt.
	if a.AttemptsMade != 1 {
		t.Fatalf("expected attemptsMade 1, got %d", a.AttemptsMade)
	}
	if a.ProcessedAt != nil {
		t.Fatalf("expected processedAt cleared, got %v", a.ProcessedAt)
	}

	b, err := q.GetJob(ctx, "sync", "job-b")
	if err != nil {
		t.Fatalf("GetJob b: %v", err)
	}
	if b.AttemptsMade != 0 {
		t.Fatalf("expected attemptsMade floored at 0, got %d", b.AttemptsMade)
	}

	if n, _ := q.CountByStatus(ctx, "sync", StatusActive); n != 0 {
		t.Fatalf("expected empty active bucket, got %d", n)
	}
}

func TestRecoveryIsIdempotent(t *testing.T) {
	base := t.TempDir()
	plantActiveJob(t, base, "sync", "job-a", 3)

	st := &localStore{base: base, retention: defaultRetention, logger: testLogger()}
	ctx := context.Background()
	if err := st.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if err := st.recover(ctx); err != nil {
		t.Fatalf("second recover: %v", err)
	}
	env, _, err := st.find("sync", "job-a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if env.Job.Status != StatusWaiting {
		t.Fatalf("expected waiting, got %s", env.Job.Status)
	}
	if env.Job.AttemptsMade != 2 {
		t.Fatalf("expected attemptsMade decremented exactly once, got %d", env.Job.AttemptsMade)
	}
}

func TestRecoveryToleratesDuplicateFromCrashedMove(t *testing.T) {
	base := t.TempDir()
	plantActiveJob(t, base, "sync", "job-a", 1)
	// Simulate a crash between the write and the delete of a move: the same
	// job visible in both completed and active.
	src := filepath.Join(base, "sync", string(StatusActive), "job-a.json")
	dst := filepath.Join(base, "sync", string(StatusCompleted), "job-a.json")
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		t.Fatalf("write duplicate: %v", err)
	}

	st := &localStore{base: base, retention: defaultRetention, logger: testLogger()}
	if err := st.recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	// The active copy is requeued and the stale duplicate does not block it.
	if _, err := os.Stat(filepath.Join(base, "sync", string(StatusWaiting), "job-a.json")); err != nil {
		t.Fatalf("expected requeued copy: %v", err)
	}
}
