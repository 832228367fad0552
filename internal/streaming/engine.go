// Package streaming reconciles successive decodes of a growing audio buffer
// into a stable transcript. Words are confirmed once two consecutive
// hypotheses agree on them and are never revised afterwards.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-transcribe/internal/transcript"
)

// ErrSessionFinalized is returned when a finalized engine is used again
// without Reset.
var ErrSessionFinalized = errors.New("streaming session finalized")

// Transcriber decodes samples from startSeconds onward with prefix forced as
// the beginning of the text. The result holds only what follows the prefix,
// with times measured from the start of samples.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, startSeconds float64, prefix []int) (transcript.Result, error)
}

type Config struct {
	// ConfirmationThreshold is how many agreed words are held back as the
	// decode prefix instead of being confirmed.
	ConfirmationThreshold int
	SampleRate            int
	// MinNewSamples skips an ingest until this much audio has arrived since
	// the previous one.
	MinNewSamples int
	// SilenceThreshold skips decoding when no chunk of new audio exceeds this
	// relative energy. Zero disables the check.
	SilenceThreshold float64
}

func DefaultConfig() Config {
	return Config{ConfirmationThreshold: 2, SampleRate: DefaultSampleRate}
}

// State is a snapshot of a session. Slices are copies owned by the caller.
type State struct {
	ConfirmedWords    []transcript.Word    `json:"confirmed_words"`
	ConfirmedSegments []transcript.Segment `json:"confirmed_segments"`
	// NewlyConfirmed holds the words confirmed by the call that produced
	// this state.
	NewlyConfirmed    []transcript.Word    `json:"newly_confirmed,omitempty"`
	AgreedWords       []transcript.Word    `json:"agreed_words,omitempty"`
	TentativeWords    []transcript.Word    `json:"tentative_words,omitempty"`
	TentativeSegments []transcript.Segment `json:"tentative_segments,omitempty"`
	Hypothesis        string               `json:"hypothesis"`
	LastAgreedSeconds float64              `json:"last_agreed_seconds"`
	Language          string               `json:"language,omitempty"`
	Finalized         bool                 `json:"finalized"`
}

// ConfirmedText joins the confirmed words.
func (s State) ConfirmedText() string {
	return transcript.JoinWords(s.ConfirmedWords)
}

// NewlyConfirmedText joins the words confirmed by the latest call.
func (s State) NewlyConfirmedText() string {
	return transcript.JoinWords(s.NewlyConfirmed)
}

type Engine struct {
	mu          sync.Mutex
	cfg         Config
	transcriber Transcriber

	state     State
	prevWords []transcript.Word
	processed int
	// segmentEnd is the end of the last confirmed segment.
	segmentEnd float64
}

func NewEngine(cfg Config, transcriber Transcriber) *Engine {
	if cfg.ConfirmationThreshold <= 0 {
		cfg.ConfirmationThreshold = DefaultConfig().ConfirmationThreshold
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	return &Engine{cfg: cfg, transcriber: transcriber}
}

// Ingest decodes the buffer from the last agreed time and folds the result
// into the session. It is a no-op when too little audio arrived since the
// previous call or when the new audio is silent.
func (e *Engine) Ingest(ctx context.Context, buf *AudioBuffer) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ingest(ctx, buf, e.cfg.MinNewSamples)
}

// Flush decodes whatever audio is still pending, regardless of MinNewSamples,
// and then finalizes the session.
func (e *Engine) Flush(ctx context.Context, buf *AudioBuffer) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, err := e.ingest(ctx, buf, 0); err != nil {
		return state, err
	}
	return e.finalize()
}

func (e *Engine) ingest(ctx context.Context, buf *AudioBuffer, minNew int) (State, error) {
	if e.state.Finalized {
		return e.snapshot(), ErrSessionFinalized
	}

	samples := buf.Snapshot()
	if len(samples) <= e.processed || len(samples)-e.processed < minNew {
		e.state.NewlyConfirmed = nil
		return e.snapshot(), nil
	}
	if e.cfg.SilenceThreshold > 0 && !buf.VoiceDetected(e.processed, e.cfg.SilenceThreshold) {
		e.processed = len(samples)
		e.state.NewlyConfirmed = nil
		return e.snapshot(), nil
	}

	agreed := e.state.AgreedWords
	var prefix []int
	for _, w := range agreed {
		prefix = append(prefix, w.Tokens...)
	}
	res, err := e.transcriber.Transcribe(ctx, samples, e.state.LastAgreedSeconds, prefix)
	if err != nil {
		return e.snapshot(), fmt.Errorf("transcribe stream window: %w", err)
	}
	e.processed = len(samples)
	if res.Language != "" {
		e.state.Language = res.Language
	}

	floor := e.state.LastAgreedSeconds
	if len(agreed) > 0 {
		floor = agreed[len(agreed)-1].End
	}
	hypothesis := make([]transcript.Word, 0, len(agreed)+len(res.Words))
	hypothesis = append(hypothesis, agreed...)
	hypothesis = append(hypothesis, ordered(res.AllWords(), floor)...)
	e.update(hypothesis)
	e.trackSegments(res.Segments)
	return e.snapshot(), nil
}

// Update folds one decoded hypothesis (words in absolute time) into the
// session without running a decode.
func (e *Engine) Update(hypothesis []transcript.Word) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Finalized {
		return e.snapshot(), ErrSessionFinalized
	}
	e.update(hypothesis)
	return e.snapshot(), nil
}

func (e *Engine) update(hypothesis []transcript.Word) {
	threshold := e.cfg.ConfirmationThreshold
	last := e.state.LastAgreedSeconds
	prev := wordsFrom(e.prevWords, last)
	cur := wordsFrom(hypothesis, last)
	n := commonPrefix(prev, cur)

	e.state.NewlyConfirmed = nil
	tentative := cur
	if n >= threshold {
		confirmed := cloneWords(cur[:n-threshold])
		e.state.ConfirmedWords = append(e.state.ConfirmedWords, confirmed...)
		e.state.NewlyConfirmed = confirmed
		e.state.AgreedWords = cloneWords(cur[n-threshold : n])
		if len(e.state.AgreedWords) > 0 && e.state.AgreedWords[0].Start > last {
			e.state.LastAgreedSeconds = e.state.AgreedWords[0].Start
		}
		tentative = cur[n-threshold:]
	}

	e.prevWords = cloneWords(hypothesis)
	e.state.TentativeWords = cloneWords(tentative)
	e.state.Hypothesis = transcript.JoinWords(tentative)
}

// trackSegments confirms result segments that end before the agreed time
// and keeps the rest as tentative.
func (e *Engine) trackSegments(segments []transcript.Segment) {
	e.state.TentativeSegments = nil
	for _, seg := range segments {
		if seg.Start < e.segmentEnd {
			continue
		}
		if seg.End <= e.state.LastAgreedSeconds {
			seg.ID = len(e.state.ConfirmedSegments)
			seg.Words = cloneWords(seg.Words)
			e.state.ConfirmedSegments = append(e.state.ConfirmedSegments, seg)
			e.segmentEnd = seg.End
			continue
		}
		e.state.TentativeSegments = append(e.state.TentativeSegments, seg)
	}
}

// Finalize ends the session. The agreed words and every word of the latest
// hypothesis past them are appended to the confirmed transcript.
func (e *Engine) Finalize() (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalize()
}

func (e *Engine) finalize() (State, error) {
	if e.state.Finalized {
		return e.snapshot(), ErrSessionFinalized
	}

	agreed := e.state.AgreedWords
	cur := wordsFrom(e.prevWords, e.state.LastAgreedSeconds)
	k := commonPrefix(agreed, cur)

	flushed := cloneWords(agreed)
	flushed = append(flushed, cloneWords(cur[k:])...)
	e.state.ConfirmedWords = append(e.state.ConfirmedWords, flushed...)
	e.state.NewlyConfirmed = flushed

	for _, seg := range e.state.TentativeSegments {
		seg.ID = len(e.state.ConfirmedSegments)
		e.state.ConfirmedSegments = append(e.state.ConfirmedSegments, seg)
	}
	e.state.TentativeSegments = nil
	e.state.AgreedWords = nil
	e.state.TentativeWords = nil
	e.state.Hypothesis = ""
	e.state.Finalized = true
	e.prevWords = nil
	return e.snapshot(), nil
}

// Reset clears the session so the engine can be reused.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = State{}
	e.prevWords = nil
	e.processed = 0
	e.segmentEnd = 0
}

// State returns the current snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

func (e *Engine) snapshot() State {
	s := e.state
	s.ConfirmedWords = cloneWords(s.ConfirmedWords)
	s.ConfirmedSegments = append([]transcript.Segment(nil), s.ConfirmedSegments...)
	s.NewlyConfirmed = cloneWords(s.NewlyConfirmed)
	s.AgreedWords = cloneWords(s.AgreedWords)
	s.TentativeWords = cloneWords(s.TentativeWords)
	s.TentativeSegments = append([]transcript.Segment(nil), s.TentativeSegments...)
	return s
}

// ordered moves words that start before floor, or before the previous
// word, forward so that starts never decrease.
func ordered(words []transcript.Word, floor float64) []transcript.Word {
	for i := range words {
		if words[i].Start < floor {
			words[i].Start = floor
		}
		if words[i].End < words[i].Start {
			words[i].End = words[i].Start
		}
		floor = words[i].Start
	}
	return words
}

func wordsFrom(words []transcript.Word, seconds float64) []transcript.Word {
	out := make([]transcript.Word, 0, len(words))
	for _, w := range words {
		if w.Start >= seconds {
			out = append(out, w)
		}
	}
	return out
}

func commonPrefix(a, b []transcript.Word) int {
	n := 0
	for n < len(a) && n < len(b) && a[n].Word == b[n].Word {
		n++
	}
	return n
}

func cloneWords(words []transcript.Word) []transcript.Word {
	if len(words) == 0 {
		return nil
	}
	out := make([]transcript.Word, len(words))
	for i, w := range words {
		w.Tokens = append([]int(nil), w.Tokens...)
		out[i] = w
	}
	return out
}
