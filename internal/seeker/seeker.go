// Package seeker turns decoded windows into timestamped segments and word
// timings.
package seeker

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"github.com/loqalabs/loqa-transcribe/internal/tokenizer"
	"github.com/loqalabs/loqa-transcribe/internal/transcript"
)

// Window is one decoded window and where it sits in the audio.
type Window struct {
	Result     decoding.Result
	Offset     float64 // seconds from the start of the audio
	Duration   float64 // seconds of audio the window covered
	SeekSample int
	Language   string
}

// Split is the outcome of seeking a window: its segments in absolute time and
// how many seconds of the window were consumed.
type Split struct {
	Segments []transcript.Segment
	Advance  float64
}

type Seeker struct {
	tok     tokenizer.Tokenizer
	special decoding.SpecialTokens
	opts    decoding.Options
}

func New(tok tokenizer.Tokenizer, opts decoding.Options) *Seeker {
	return &Seeker{tok: tok, special: tok.Special(), opts: opts}
}

// SeekSegments splits the window at consecutive timestamps. Segments whose
// text is empty are dropped. Advance is always positive so a caller looping
// over audio makes progress.
func (s *Seeker) SeekSegments(w Window) (Split, error) {
	tokens, logProbs, attention := s.stripControl(w.Result)
	spans, advance := SplitSegments(tokens, s.special, w.Duration)
	if advance <= 0 || advance > w.Duration {
		advance = w.Duration
	}

	language := w.Language
	if language == "" {
		language = w.Result.Language
	}

	out := Split{Advance: advance}
	for _, sp := range spans {
		idx := textTokens(tokens, s.special, sp.From, sp.To)
		if len(idx) == 0 {
			continue
		}
		ids := make([]int, len(idx))
		probs := make([]float64, len(idx))
		rows := make([][]float32, len(idx))
		for k, i := range idx {
			ids[k] = tokens[i]
			if i < len(logProbs) {
				probs[k] = logProbs[i]
			}
			if i < len(attention) {
				rows[k] = attention[i]
			}
		}

		text, err := s.tok.Decode(ids, true)
		if err != nil {
			return Split{}, fmt.Errorf("decode segment text: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if !s.opts.SkipSpecialTokens {
			if text, err = s.tok.Decode(tokens[sp.From:sp.To], false); err != nil {
				return Split{}, fmt.Errorf("decode segment text: %w", err)
			}
		}

		seg := transcript.Segment{
			Seek:             w.SeekSample,
			Start:            w.Offset + sp.Start,
			End:              w.Offset + sp.End,
			Text:             text,
			Tokens:           append([]int(nil), tokens[sp.From:sp.To]...),
			Temperature:      w.Result.Temperature,
			AvgLogProb:       w.Result.AvgLogProb,
			CompressionRatio: w.Result.CompressionRatio,
			NoSpeechProb:     w.Result.NoSpeechProb,
		}
		if limit := w.Offset + w.Duration; seg.End > limit && w.Duration > 0 {
			seg.End = limit
		}
		if seg.End < seg.Start {
			seg.End = seg.Start
		}

		if s.opts.WordTimestamps {
			var lead [][]float32
			if sp.From == 0 {
				lead = w.Result.PrefixAttention
			}
			words := alignWords(s.tok, ids, probs, lead, rows, language, sp.Start, sp.End)
			for i := range words {
				words[i].Start = clamp(w.Offset+words[i].Start, seg.Start, seg.End)
				words[i].End = clamp(w.Offset+words[i].End, words[i].Start, seg.End)
			}
			seg.Words = MergePunctuations(words, s.opts.PrependPunctuations, s.opts.AppendPunctuations)
		}
		out.Segments = append(out.Segments, seg)
	}
	return out, nil
}

// stripControl drops the leading language and task tokens an inline language
// detection leaves at the front of a result.
func (s *Seeker) stripControl(r decoding.Result) ([]int, []float64, [][]float32) {
	k := 0
	for k < len(r.Tokens) && s.special.IsSpecial(r.Tokens[k]) && !s.special.IsTimestamp(r.Tokens[k]) {
		k++
	}
	logProbs := r.TokenLogProbs
	if k <= len(logProbs) {
		logProbs = logProbs[k:]
	}
	attention := r.Attention
	if k <= len(attention) {
		attention = attention[k:]
	}
	return r.Tokens[k:], logProbs, attention
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
