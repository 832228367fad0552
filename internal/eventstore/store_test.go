package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{JobID: "j", Type: EventBatchItem}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := es.GetJob(context.Background(), "j"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found from ephemeral store, got %v", err)
	}
}

func TestJobTimeline(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.UpsertJob(ctx, Job{ID: "job-1", Kind: KindBatch, Source: "a.wav", Status: "running", TraceID: "trace-1"}); err != nil {
		t.Fatalf("upsert job: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{JobID: "job-1", Type: EventWindowFallback, Payload: []byte(`{"reason":"compressionRatioThreshold"}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{JobID: "job-1", Type: EventBatchItem, Payload: []byte(`{"status":"ok"}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.UpsertJob(ctx, Job{ID: "job-1", Kind: KindBatch, Source: "a.wav", Status: "ok"}); err != nil {
		t.Fatalf("upsert job: %v", err)
	}

	job, err := es.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != "ok" || job.Source != "a.wav" || job.TraceID != "trace-1" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.Before(job.CreatedAt) {
		t.Fatalf("unexpected job times %+v", job)
	}

	events, err := es.ListJobEvents(ctx, "job-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != EventWindowFallback || events[1].Type != EventBatchItem {
		t.Fatalf("unexpected events %+v", events)
	}
	if string(events[1].Payload) != `{"status":"ok"}` {
		t.Fatalf("unexpected payload: %s", events[1].Payload)
	}

	if _, err := es.GetJob(ctx, "job-2"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendEventCreatesPlaceholderJob(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendEvent(ctx, Event{JobID: "session-9", TraceID: "t-9", Type: EventWindowFailed}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	job, err := es.GetJob(ctx, "session-9")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Kind != "unknown" || job.Status != "running" || job.TraceID != "t-9" {
		t.Fatalf("unexpected placeholder %+v", job)
	}
}

func TestPruneByDaysAndJobs(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxJobs: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.UpsertJob(ctx, Job{ID: "old-job", Kind: KindStream, Status: "ok"}); err != nil {
		t.Fatalf("upsert job: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{JobID: "old-job", Type: EventStreamDone}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.UpsertJob(ctx, Job{ID: "new-job", Kind: KindBatch, Status: "ok"}); err != nil {
		t.Fatalf("upsert job: %v", err)
	}
	if err := es.UpsertJob(ctx, Job{ID: "newer-job", Kind: KindBatch, Status: "ok"}); err != nil {
		t.Fatalf("upsert job: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListJobEvents(ctx, "old-job", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old job events pruned")
	}
	if _, err := es.GetJob(ctx, "old-job"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected old job pruned, got %v", err)
	}
	remaining := 0
	for _, id := range []string{"new-job", "newer-job"} {
		if _, err := es.GetJob(ctx, id); err == nil {
			remaining++
		}
	}
	if remaining != 1 {
		t.Fatalf("expected max_jobs to keep one job, got %d", remaining)
	}
}
