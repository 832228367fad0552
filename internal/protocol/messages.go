package protocol

import (
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/transcript"
)

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TranscriptDelta carries words that became confirmed in one decode pass
// (the transcript.text.delta event).
type TranscriptDelta struct {
	SessionID         string            `json:"session_id"`
	TraceID           string            `json:"trace_id"`
	Text              string            `json:"text"`
	Words             []transcript.Word `json:"words"`
	LastAgreedSeconds float64           `json:"last_agreed_seconds"`
	Timestamp         time.Time         `json:"timestamp"`
}

// TranscriptTentative is the current unconfirmed hypothesis of a session.
type TranscriptTentative struct {
	SessionID string            `json:"session_id"`
	TraceID   string            `json:"trace_id"`
	Text      string            `json:"text"`
	Words     []transcript.Word `json:"words"`
	Timestamp time.Time         `json:"timestamp"`
}

// TranscriptDone closes a session (the transcript.text.done event).
type TranscriptDone struct {
	SessionID string               `json:"session_id"`
	TraceID   string               `json:"trace_id"`
	Text      string               `json:"text"`
	Language  string               `json:"language,omitempty"`
	Words     []transcript.Word    `json:"words"`
	Segments  []transcript.Segment `json:"segments,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// BatchRequest asks the daemon to transcribe files it can read.
type BatchRequest struct {
	Paths []string `json:"paths"`
}

// BatchResult reports one finished batch item.
type BatchResult struct {
	JobID     string            `json:"job_id"`
	Path      string            `json:"path"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	Result    transcript.Result `json:"result"`
	WER       *float64          `json:"wer,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix    = "audio.frame"
	SubjectTranscriptDelta     = "stt.text.delta"
	SubjectTranscriptTentative = "stt.text.tentative"
	SubjectTranscriptDone      = "stt.text.done"
	SubjectBatchRequest        = "transcribe.batch.request"
	SubjectBatchResult         = "transcribe.batch.result"
)
