package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
	"github.com/loqalabs/loqa-transcribe/internal/wer"
)

type windowEvent struct {
	Offset        float64 `json:"offset"`
	Seconds       float64 `json:"seconds"`
	Reason        string  `json:"reason,omitempty"`
	Temperature   float64 `json:"temperature"`
	FallbackCount int     `json:"fallback_count"`
	Error         string  `json:"error,omitempty"`
}

type batchItemEvent struct {
	Status    string  `json:"status"`
	Path      string  `json:"path"`
	Error     string  `json:"error,omitempty"`
	ElapsedMS int64   `json:"elapsed_ms"`
	Duration  float64 `json:"duration"`
	Language  string  `json:"language,omitempty"`
	Windows   int     `json:"windows"`
	Fallbacks int     `json:"fallbacks"`
}

type streamDoneEvent struct {
	Words    int    `json:"words"`
	Segments int    `json:"segments"`
	Language string `json:"language,omitempty"`
}

// observeWindow feeds pipeline reports into metrics and, for windows that
// retried or failed, the job timeline.
func (r *Runtime) observeWindow(ctx context.Context, report transcribe.WindowReport) {
	r.metrics.ObserveWindow(ctx, report)

	jobID := transcribe.JobIDFrom(ctx)
	if jobID == "" || report.Skipped {
		return
	}
	evt := windowEvent{
		Offset:        report.Offset,
		Seconds:       report.Seconds,
		Temperature:   report.Temperature,
		FallbackCount: report.FallbackCount,
	}
	if report.Fallback != nil {
		evt.Reason = report.Fallback.Reason
	}
	switch {
	case report.Err != nil:
		evt.Error = report.Err.Error()
		r.appendEvent(ctx, jobID, eventstore.EventWindowFailed, evt)
	case report.FallbackCount > 0 || (report.Fallback != nil && report.Fallback.NeedsFallback):
		r.appendEvent(ctx, jobID, eventstore.EventWindowFallback, evt)
	}
}

func (r *Runtime) onBatchResult(ctx context.Context, res transcribe.Result) {
	status := res.Status()
	r.metrics.ObserveBatchItem(ctx, status)

	// The caller may already be gone; the timeline is still written.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.UpsertJob(ctx, eventstore.Job{ID: res.JobID, Kind: eventstore.KindBatch, Source: res.Path, Status: status}); err != nil {
		r.logger.Warn("failed to record batch job", slog.String("job_id", res.JobID), slogError(err))
	}
	item := batchItemEvent{
		Status:    status,
		Path:      res.Path,
		ElapsedMS: res.Elapsed.Milliseconds(),
		Duration:  res.Transcript.Duration,
		Language:  res.Transcript.Language,
		Windows:   res.Transcript.Timings.Windows,
		Fallbacks: res.Transcript.Timings.Fallbacks,
	}
	if res.Err != nil {
		item.Error = res.Err.Error()
	}
	r.appendEvent(ctx, res.JobID, eventstore.EventBatchItem, item)

	score := r.scoreReference(res)
	if score != nil {
		r.metrics.ObserveWER(ctx, score.WER)
		r.appendEvent(ctx, res.JobID, eventstore.EventWERScore, score)
	}

	if r.bus == nil {
		return
	}
	msg := protocol.BatchResult{
		JobID:     res.JobID,
		Path:      res.Path,
		Status:    status,
		Error:     item.Error,
		Result:    res.Transcript,
		Timestamp: time.Now().UTC(),
	}
	if score != nil {
		msg.WER = &score.WER
	}
	if err := r.bus.PublishJSON(protocol.SubjectBatchResult, msg); err != nil {
		r.logger.Warn("failed to publish batch result", slog.String("job_id", res.JobID), slogError(err))
	}
}

func (r *Runtime) onStreamDone(ctx context.Context, done protocol.TranscriptDone) {
	ctx = context.WithoutCancel(ctx)
	job := eventstore.Job{
		ID:      done.SessionID,
		Kind:    eventstore.KindStream,
		Source:  done.SessionID,
		Status:  "ok",
		TraceID: done.TraceID,
	}
	if err := r.store.UpsertJob(ctx, job); err != nil {
		r.logger.Warn("failed to record stream job", slog.String("session_id", done.SessionID), slogError(err))
	}
	r.appendEvent(ctx, done.SessionID, eventstore.EventStreamDone, streamDoneEvent{
		Words:    len(done.Words),
		Segments: len(done.Segments),
		Language: done.Language,
	})
}

// scoreReference scores a successful item against its reference text. The
// alignment is dropped; counts are enough for the timeline.
func (r *Runtime) scoreReference(res transcribe.Result) *wer.Score {
	if res.Err != nil || res.Reference == "" || res.Transcript.Cancelled {
		return nil
	}
	score, _ := wer.Evaluate(res.Reference, res.Transcript.Text, wer.WithNormalizer(r.normalizer))
	score.Alignment = nil
	return &score
}

func (r *Runtime) appendEvent(ctx context.Context, jobID, kind string, payload any) {
	if r.store == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("failed to marshal event", slog.String("type", kind), slogError(err))
		return
	}
	if err := r.store.AppendEvent(ctx, eventstore.Event{JobID: jobID, Type: kind, Payload: data}); err != nil {
		r.logger.Warn("failed to append event", slog.String("job_id", jobID), slog.String("type", kind), slogError(err))
	}
}
