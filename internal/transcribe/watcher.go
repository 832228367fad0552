package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultSettle = 500 * time.Millisecond

// Submitter accepts files for transcription.
type Submitter interface {
	Submit(ctx context.Context, path string) (string, error)
}

// Watcher submits .wav files that appear in a directory. A file is submitted
// once writes to it have been quiet for the settle delay.
type Watcher struct {
	dir       string
	submitter Submitter
	settle    time.Duration
	logger    *slog.Logger
	watcher   *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewWatcher(dir string, submitter Submitter, settle time.Duration, logger *slog.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = defaultSettle
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:       dir,
		submitter: submitter,
		settle:    settle,
		logger:    logger.With(slog.String("component", "watcher"), slog.String("path", dir)),
		watcher:   fw,
		pending:   make(map[string]*time.Timer),
	}, nil
}

// Run handles events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	defer w.stopTimers()
	w.logger.Info("watching for recordings")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slogError(err))
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !strings.EqualFold(filepath.Ext(event.Name), ".wav") {
		return
	}
	path := event.Name

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		jobID, err := w.submitter.Submit(ctx, path)
		if err != nil {
			w.logger.Warn("failed to queue recording", slog.String("file", filepath.Base(path)), slogError(err))
			return
		}
		w.logger.Info("queued recording", slog.String("file", filepath.Base(path)), slog.String("job_id", jobID))
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
