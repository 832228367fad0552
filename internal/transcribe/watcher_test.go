package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type chanSubmitter chan string

func (c chanSubmitter) Submit(_ context.Context, path string) (string, error) {
	c <- path
	return "job-" + filepath.Base(path), nil
}

func TestWatcherSubmitsSettledWAV(t *testing.T) {
	dir := t.TempDir()
	submitted := make(chanSubmitter, 4)
	w, err := NewWatcher(dir, submitted, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wavPath := filepath.Join(dir, "take1.wav")
	if err := os.WriteFile(wavPath, []byte("RIFF"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case got := <-submitted:
		if got != wavPath {
			t.Fatalf("expected %s, got %s", wavPath, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for submission")
	}

	select {
	case got := <-submitted:
		t.Fatalf("unexpected extra submission %s", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewWatcherMissingDir(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "absent"), make(chanSubmitter), 0, nil); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
