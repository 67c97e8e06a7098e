package progress

import (
	"context"
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

func newFileStore(t *testing.T, ttl time.Duration, opts ...FileOption) *FileStore {
	t.Helper()
	opts = append([]FileOption{WithFileLogger(testLogger())}, opts...)
	s, err := NewFile(t.TempDir(), ttl, opts...)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestFileSetGetRoundTrip(t *testing.T) {
	s := newFileStore(t, time.Minute)
	ctx := context.Background()

	if err := s.Set(ctx, "job-1", map[string]any{"percent": 40.0, "stage": "upload"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	rec, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record")
	}
	if rec.ID != "job-1" {
		t.Fatalf("expected id job-1, got %s", rec.ID)
	}
	if rec.Progress["percent"] != 40.0 || rec.Progress["stage"] != "upload" {
		t.Fatalf("unexpected progress: %v", rec.Progress)
	}
	if rec.UpdatedAt.IsZero() {
		t.Fatal("expected updatedAt")
	}
}

func TestFileGetMissing(t *testing.T) {
	s := newFileStore(t, time.Minute)
	rec, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestFileTTLExpiry(t *testing.T) {
	s := newFileStore(t, 30*time.Millisecond, WithSweepInterval(0))
	ctx := context.Background()

	if err := s.Set(ctx, "job-1", map[string]any{"percent": 10.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	rec, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected expired record to read as absent, got %+v", rec)
	}
	// The lazy expiry also removed the file.
	if _, err := os.Stat(filepath.Join(s.dir, "job-1.json")); !os.IsNotExist(err) {
		t.Fatalf("expected file removed on expired read, got %v", err)
	}
}

func TestFileSetResetsTTL(t *testing.T) {
	s := newFileStore(t, 80*time.Millisecond, WithSweepInterval(0))
	ctx := context.Background()

	if err := s.Set(ctx, "job-1", map[string]any{"percent": 10.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := s.Set(ctx, "job-1", map[string]any{"percent": 20.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	rec, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatal("rewrite should have reset the TTL")
	}
}

func TestFileUpdateMerges(t *testing.T) {
	s := newFileStore(t, time.Minute)
	ctx := context.Background()

	if err := s.Set(ctx, "job-1", map[string]any{"percent": 10.0, "stage": "upload"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Update(ctx, "job-1", map[string]any{"percent": 55.0}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, err := s.Get(ctx, "job-1")
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if rec.Progress["percent"] != 55.0 {
		t.Fatalf("expected merged percent 55, got %v", rec.Progress["percent"])
	}
	if rec.Progress["stage"] != "upload" {
		t.Fatalf("expected untouched field kept, got %v", rec.Progress["stage"])
	}
}

func TestFileUpdateMissingIsNoop(t *testing.T) {
	s := newFileStore(t, time.Minute)
	ctx := context.Background()

	if err := s.Update(ctx, "nope", map[string]any{"percent": 10.0}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, err := s.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatal("update must not create a record")
	}
}

func TestFileDelete(t *testing.T) {
	s := newFileStore(t, time.Minute)
	ctx := context.Background()

	if err := s.Set(ctx, "job-1", map[string]any{"percent": 10.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rec, err := s.Get(ctx, "job-1")
	if err != nil || rec != nil {
		t.Fatalf("expected gone, rec=%v err=%v", rec, err)
	}
	if err := s.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestFileSweeperRemovesExpired(t *testing.T) {
	s := newFileStore(t, 20*time.Millisecond, WithSweepInterval(10*time.Millisecond))
	ctx := context.Background()

	if err := s.Set(ctx, "job-1", map[string]any{"percent": 10.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	path := filepath.Join(s.dir, "job-1.json")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sweeper never removed the expired record")
}
