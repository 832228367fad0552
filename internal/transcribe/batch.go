package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/transcript"
)

// ErrBatchClosed is returned for work submitted after Close.
var ErrBatchClosed = errors.New("batch closed")

// Result is the outcome of one file. Err is set when the file could not be
// read or decoded; other files are unaffected.
type Result struct {
	Path       string            `json:"path"`
	JobID      string            `json:"job_id"`
	Transcript transcript.Result `json:"transcript"`
	Reference  string            `json:"reference,omitempty"`
	Err        error             `json:"-"`
	Elapsed    time.Duration     `json:"elapsed"`
}

// Status is "ok", "cancelled" or "failed".
func (r Result) Status() string {
	switch {
	case r.Err == nil && r.Transcript.Cancelled:
		return "cancelled"
	case r.Err == nil:
		return "ok"
	case errors.Is(r.Err, context.Canceled), errors.Is(r.Err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}

type BatchOptions struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
	// OnResult runs on the worker goroutine after every file.
	OnResult func(ctx context.Context, r Result)
}

type batchJob struct {
	ctx   context.Context
	path  string
	jobID string
	done  func(Result)
}

// Batch is a fixed pool of workers, each with its own Pipeline.
type Batch struct {
	opts   BatchOptions
	logger *slog.Logger
	jobs   chan batchJob
	closed chan struct{}
	mu     sync.RWMutex
	once   sync.Once
	wg     sync.WaitGroup
}

// NewBatch builds one pipeline per worker with newPipeline and starts the
// workers.
func NewBatch(opts BatchOptions, newPipeline func() (*Pipeline, error)) (*Batch, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("batch needs at least one worker, got %d", opts.Workers)
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pipelines := make([]*Pipeline, opts.Workers)
	for i := range pipelines {
		p, err := newPipeline()
		if err != nil {
			return nil, fmt.Errorf("build pipeline for worker %d: %w", i, err)
		}
		pipelines[i] = p
	}

	b := &Batch{
		opts:   opts,
		logger: logger.With(slog.String("component", "batch")),
		jobs:   make(chan batchJob, opts.QueueSize),
		closed: make(chan struct{}),
	}
	for _, p := range pipelines {
		b.wg.Add(1)
		go b.worker(p)
	}
	return b, nil
}

// Run transcribes paths and returns one Result per path in input order.
func (b *Batch) Run(ctx context.Context, paths []string) ([]Result, error) {
	results := make([]Result, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		job := batchJob{ctx: ctx, path: path, jobID: uuid.NewString(), done: func(r Result) {
			results[i] = r
			wg.Done()
		}}
		if err := b.enqueue(ctx, job); err != nil {
			results[i] = Result{Path: path, JobID: job.jobID, Err: err}
			wg.Done()
		}
	}
	wg.Wait()
	return results, nil
}

// Submit queues a single file. The outcome is delivered to OnResult. It
// returns the job id.
func (b *Batch) Submit(ctx context.Context, path string) (string, error) {
	job := batchJob{ctx: ctx, path: path, jobID: uuid.NewString()}
	if err := b.enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.jobID, nil
}

// Close stops the workers after their current file. Queued files are
// reported with ErrBatchClosed.
func (b *Batch) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		close(b.closed)
		b.mu.Unlock()
		b.wg.Wait()
		for {
			select {
			case job := <-b.jobs:
				b.complete(job, Result{Path: job.path, JobID: job.jobID, Err: ErrBatchClosed})
			default:
				return
			}
		}
	})
}

func (b *Batch) enqueue(ctx context.Context, job batchJob) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	select {
	case <-b.closed:
		return ErrBatchClosed
	default:
	}
	select {
	case b.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batch) worker(p *Pipeline) {
	defer b.wg.Done()
	for {
		select {
		case <-b.closed:
			return
		case job := <-b.jobs:
			b.complete(job, b.process(job, p))
		}
	}
}

func (b *Batch) complete(job batchJob, r Result) {
	if b.opts.OnResult != nil {
		b.opts.OnResult(job.ctx, r)
	}
	if job.done != nil {
		job.done(r)
	}
}

func (b *Batch) process(job batchJob, p *Pipeline) (r Result) {
	started := time.Now()
	r = Result{Path: job.path, JobID: job.jobID}
	defer func() {
		if rec := recover(); rec != nil {
			r.Err = fmt.Errorf("transcribe %s: panic: %v", job.path, rec)
		}
		r.Elapsed = time.Since(started)
		logger := b.logger.With(slog.String("job_id", r.JobID), slog.String("path", r.Path), slog.String("status", r.Status()))
		if r.Err != nil {
			logger.Warn("batch item failed", slogError(r.Err))
			return
		}
		logger.Info("batch item transcribed", slog.Duration("elapsed", r.Elapsed), slog.Int("segments", len(r.Transcript.Segments)))
	}()

	if err := job.ctx.Err(); err != nil {
		r.Err = err
		return r
	}
	samples, err := LoadWAV(job.path)
	if err != nil {
		r.Err = err
		return r
	}
	r.Reference = loadReference(job.path)
	tr, err := p.TranscribeSamples(WithJobID(job.ctx, job.jobID), samples)
	r.Transcript = tr
	if err != nil {
		r.Err = fmt.Errorf("transcribe %s: %w", job.path, err)
	}
	return r
}

// loadReference returns the text of a .txt file next to the audio, if any.
func loadReference(audioPath string) string {
	base := strings.TrimSuffix(audioPath, ".wav")
	if base == audioPath {
		return ""
	}
	data, err := os.ReadFile(base + ".txt")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
