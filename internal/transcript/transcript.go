// Package transcript holds the timestamped output types shared by batch and
// streaming transcription. JSON field names follow the verbose_json response
// format.
package transcript

import (
	"regexp"
	"strings"
	"time"
)

// Word is one aligned word. Start <= End and Tokens is never empty.
type Word struct {
	Word        string  `json:"word"`
	Tokens      []int   `json:"tokens,omitempty"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// Segment is a span of text delimited by a timestamp pair.
type Segment struct {
	ID               int     `json:"id"`
	Seek             int     `json:"seek"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens"`
	Temperature      float64 `json:"temperature"`
	AvgLogProb       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
	Words            []Word  `json:"words,omitempty"`
}

// Timings aggregates decode statistics.
type Timings struct {
	Windows         int           `json:"windows"`
	Fallbacks       int           `json:"fallbacks"`
	Tokens          int           `json:"tokens"`
	DecodeDuration  time.Duration `json:"decode_duration"`
	TokensPerSecond float64       `json:"tokens_per_second"`
}

// Result is a finished transcript. Results are replaced, never edited, once merged.
type Result struct {
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Duration  float64   `json:"duration"`
	Segments  []Segment `json:"segments"`
	Words     []Word    `json:"words,omitempty"`
	Timings   Timings   `json:"timings"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

// AllWords flattens the words of every segment.
func (r Result) AllWords() []Word {
	var out []Word
	for _, s := range r.Segments {
		out = append(out, s.Words...)
	}
	return out
}

// Merge concatenates results in order into a new Result. Segment ids are
// renumbered; times are assumed to be absolute already.
func Merge(results ...Result) Result {
	var merged Result
	var text strings.Builder
	for _, r := range results {
		if merged.Language == "" {
			merged.Language = r.Language
		}
		if r.Duration > merged.Duration {
			merged.Duration = r.Duration
		}
		for _, s := range r.Segments {
			s.ID = len(merged.Segments)
			s.Words = append([]Word(nil), s.Words...)
			merged.Segments = append(merged.Segments, s)
			text.WriteString(s.Text)
		}
		merged.Timings.Windows += r.Timings.Windows
		merged.Timings.Fallbacks += r.Timings.Fallbacks
		merged.Timings.Tokens += r.Timings.Tokens
		merged.Timings.DecodeDuration += r.Timings.DecodeDuration
		merged.Cancelled = merged.Cancelled || r.Cancelled
	}
	merged.Text = text.String()
	merged.Words = merged.AllWords()
	merged.Timings.TokensPerSecond = tokensPerSecond(merged.Timings)
	return merged
}

// Finish fills the derived fields of a result built segment by segment.
func (r Result) Finish() Result {
	var text strings.Builder
	for i := range r.Segments {
		r.Segments[i].ID = i
		text.WriteString(r.Segments[i].Text)
	}
	r.Text = text.String()
	r.Words = r.AllWords()
	r.Timings.TokensPerSecond = tokensPerSecond(r.Timings)
	return r
}

func tokensPerSecond(t Timings) float64 {
	if t.DecodeDuration <= 0 {
		return 0
	}
	return float64(t.Tokens) / t.DecodeDuration.Seconds()
}

var markerPattern = regexp.MustCompile(`<\|[^>]*\|>`)

var spacePattern = regexp.MustCompile(`\s+`)

// CleanText removes <|...|> markers and collapses whitespace.
func CleanText(text string) string {
	cleaned := markerPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(spacePattern.ReplaceAllString(cleaned, " "))
}

// JoinWords concatenates word texts.
func JoinWords(words []Word) string {
	var b strings.Builder
	for _, w := range words {
		b.WriteString(w.Word)
	}
	return b.String()
}
