package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/transcript"
	"github.com/loqalabs/loqa-transcribe/internal/wer"
)

const (
	maxUploadBytes  = 256 << 20
	maxRequestBytes = 1 << 20
	maxJobEvents    = 500
)

type transcriptionRequest struct {
	Paths []string `json:"paths"`
}

type transcriptionItem struct {
	JobID      string            `json:"job_id"`
	Path       string            `json:"path,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Transcript transcript.Result `json:"transcript"`
	WER        *wer.Score        `json:"wer,omitempty"`
}

type werRequest struct {
	Reference  string `json:"reference"`
	Hypothesis string `json:"hypothesis"`
	Hirschberg bool   `json:"hirschberg"`
	Normalizer string `json:"normalizer"`
}

type werResponse struct {
	Score wer.Score       `json:"score"`
	Diff  []wer.Operation `json:"diff"`
}

type jobEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type jobResponse struct {
	Job    eventstore.Job `json:"job"`
	Events []jobEvent     `json:"events"`
}

func (r *Runtime) routes(metricHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	mux.HandleFunc("POST /v1/transcriptions", r.handleTranscriptions)
	mux.HandleFunc("POST /v1/wer", r.handleWER)
	mux.HandleFunc("GET /v1/jobs/{id}", r.handleJob)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() &&
		(r.bus == nil || r.bus.Healthy()) &&
		(r.stt == nil || r.stt.Healthy())
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleTranscriptions accepts either a WAV body or a JSON list of paths
// readable by the daemon, and answers once every item is done.
func (r *Runtime) handleTranscriptions(w http.ResponseWriter, req *http.Request) {
	if r.batch == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("transcription not available"))
		return
	}

	var paths []string
	upload := ""
	contentType := req.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "audio/") || contentType == "application/octet-stream" {
		path, err := saveUpload(http.MaxBytesReader(w, req.Body, maxUploadBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defer os.Remove(path)
		paths = []string{path}
		upload = path
	} else {
		var body transcriptionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		if len(body.Paths) == 0 {
			writeError(w, http.StatusBadRequest, errors.New("paths must not be empty"))
			return
		}
		paths = body.Paths
	}

	results, err := r.batch.Run(req.Context(), paths)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	items := make([]transcriptionItem, len(results))
	for i, res := range results {
		item := transcriptionItem{
			JobID:      res.JobID,
			Path:       res.Path,
			Status:     res.Status(),
			Transcript: res.Transcript,
			WER:        r.scoreReference(res),
		}
		if res.Path == upload {
			item.Path = ""
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		items[i] = item
	}
	writeJSON(w, http.StatusOK, items)
}

func (r *Runtime) handleWER(w http.ResponseWriter, req *http.Request) {
	var body werRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	normalizer := r.normalizer
	if body.Normalizer != "" {
		n, err := wer.NormalizerByName(body.Normalizer)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		normalizer = n
	}
	opts := []wer.Option{wer.WithNormalizer(normalizer)}
	if body.Hirschberg {
		opts = append(opts, wer.WithHirschberg())
	}
	score, diff := wer.Evaluate(body.Reference, body.Hypothesis, opts...)
	writeJSON(w, http.StatusOK, werResponse{Score: score, Diff: diff})
}

func (r *Runtime) handleJob(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	job, err := r.store.GetJob(req.Context(), id)
	if errors.Is(err, eventstore.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	events, err := r.store.ListJobEvents(req.Context(), id, maxJobEvents)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := jobResponse{Job: job, Events: make([]jobEvent, 0, len(events))}
	for _, e := range events {
		out.Events = append(out.Events, jobEvent{
			ID:        e.ID,
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func saveUpload(body io.Reader) (string, error) {
	f, err := os.CreateTemp("", "loqa-upload-*.wav")
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write upload: %w", err)
	}
	return f.Name(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
