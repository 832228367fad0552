package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
)

const mockText = " Hello from the mock model."

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTone(t *testing.T, path string, seconds float64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer f.Close()
	n := int(seconds * 16000)
	data := make([]int, n)
	for i := range data {
		data[i] = int(math.Round(0.5 * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/16000)))
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 16000}, Data: data, SourceBitDepth: 16}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func newTestServer(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Batch.ConcurrentWorkers = 2
	r := New(cfg, quietLogger())
	if err := r.init(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(r.close)
	srv := httptest.NewServer(r.routes(nil))
	t.Cleanup(srv.Close)
	return r, srv
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestTranscriptionsEndpointRecordsTimeline(t *testing.T) {
	_, srv := newTestServer(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.wav")
	writeTone(t, good, 2)
	if err := os.WriteFile(filepath.Join(dir, "good.txt"), []byte("hello from the mock model"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	missing := filepath.Join(dir, "missing.wav")

	var items []transcriptionItem
	status := postJSON(t, srv.URL+"/v1/transcriptions", transcriptionRequest{Paths: []string{good, missing}}, &items)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Status != "ok" || items[0].Transcript.Text != mockText {
		t.Fatalf("unexpected first item %+v", items[0])
	}
	if items[0].WER == nil || items[0].WER.WER != 0 || items[0].WER.Hits != 5 {
		t.Fatalf("expected perfect score against the reference, got %+v", items[0].WER)
	}
	if items[1].Status != "failed" || items[1].Error == "" || items[1].WER != nil {
		t.Fatalf("unexpected second item %+v", items[1])
	}

	resp, err := http.Get(srv.URL + "/v1/jobs/" + items[0].JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.Job.Kind != eventstore.KindBatch || job.Job.Status != "ok" || job.Job.Source != good {
		t.Fatalf("unexpected job %+v", job.Job)
	}
	types := map[string]bool{}
	for _, e := range job.Events {
		types[e.Type] = true
	}
	if !types[eventstore.EventBatchItem] || !types[eventstore.EventWERScore] {
		t.Fatalf("expected batch item and wer events, got %+v", job.Events)
	}
}

func TestTranscriptionsEndpointAcceptsUpload(t *testing.T) {
	_, srv := newTestServer(t)
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeTone(t, path, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := http.Post(srv.URL+"/v1/transcriptions", "audio/wav", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var items []transcriptionItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(items) != 1 || items[0].Status != "ok" || items[0].Path != "" || items[0].Transcript.Text != mockText {
		t.Fatalf("unexpected upload result %+v", items)
	}
}

func TestTranscriptionsEndpointRejectsEmptyRequest(t *testing.T) {
	_, srv := newTestServer(t)
	if status := postJSON(t, srv.URL+"/v1/transcriptions", transcriptionRequest{}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestWEREndpoint(t *testing.T) {
	_, srv := newTestServer(t)
	cases := []struct {
		name       string
		req        werRequest
		wantStatus int
		wantWER    float64
	}{
		{
			name:       "documented example",
			req:        werRequest{Reference: "This is some basic text", Hypothesis: "This is edited text with some words added replaced and deleted"},
			wantStatus: http.StatusOK,
			wantWER:    1.6,
		},
		{
			name:       "hirschberg agrees",
			req:        werRequest{Reference: "This is some basic text", Hypothesis: "This is edited text with some words added replaced and deleted", Hirschberg: true},
			wantStatus: http.StatusOK,
			wantWER:    1.6,
		},
		{
			name:       "unknown normalizer",
			req:        werRequest{Reference: "a", Hypothesis: "a", Normalizer: "klingon"},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out werResponse
			var target any = &out
			if tc.wantStatus != http.StatusOK {
				target = nil
			}
			status := postJSON(t, srv.URL+"/v1/wer", tc.req, target)
			if status != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, status)
			}
			if tc.wantStatus != http.StatusOK {
				return
			}
			if math.Abs(out.Score.WER-tc.wantWER) > 1e-9 {
				t.Fatalf("expected wer %v, got %v", tc.wantWER, out.Score.WER)
			}
			if out.Score.Operations != 23 || len(out.Diff) != 23 {
				t.Fatalf("expected 23 operations, got %d", out.Score.Operations)
			}
		})
	}
}

func TestJobEndpointNotFound(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestReadiness(t *testing.T) {
	r, srv := newTestServer(t)
	check := func(want int) {
		t.Helper()
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("expected %d, got %d", want, resp.StatusCode)
		}
	}
	check(http.StatusServiceUnavailable)
	r.ready.Store(true)
	check(http.StatusOK)
}
