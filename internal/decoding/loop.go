package decoding

import (
	"context"
	"fmt"
	"math"
	"time"
)

// logProbFloor replaces -Inf log-probabilities so averages stay finite.
const logProbFloor = -100.0

// Result is the outcome of one decoded window.
type Result struct {
	Tokens        []int
	TokenLogProbs []float64
	Attention     [][]float32 // row i belongs to Tokens[i]
	// PrefixAttention holds the rows of the forced text prefix that closes
	// the prompt, when the backend reports a row per prompt token.
	PrefixAttention  [][]float32
	Text             string
	Language         string
	AvgLogProb       float64
	CompressionRatio float64
	NoSpeechProb     float64
	Temperature      float64
	Fallback         *Fallback
	FallbackCount    int
	Cancelled        bool
	Duration         time.Duration
}

// Loop drives autoregressive decoding of a single window. A Loop owns its
// sampler and must not be shared between goroutines.
type Loop struct {
	inference    Inference
	text         TextDecoder
	special      SpecialTokens
	multilingual bool
	opts         Options
	sampler      *Sampler
}

func NewLoop(inference Inference, text TextDecoder, special SpecialTokens, multilingual bool, opts Options) *Loop {
	return &Loop{
		inference:    inference,
		text:         text,
		special:      special,
		multilingual: multilingual,
		opts:         opts,
		sampler:      NewSampler(opts.TopK, opts.Seed),
	}
}

func (l *Loop) Options() Options { return l.opts }

// DecodeWithFallback decodes the window, retrying at increasing temperature
// while the quality verdict asks for it. Once the ladder is exhausted the last
// attempt is returned whatever its verdict.
func (l *Loop) DecodeWithFallback(ctx context.Context, cache Cache, prompt []int) (Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := l.DecodeWindow(ctx, cache, prompt, l.opts.TemperatureForAttempt(attempt))
		res.FallbackCount = attempt
		if err != nil {
			return res, err
		}
		if res.Cancelled || res.Fallback == nil || !res.Fallback.NeedsFallback {
			return res, nil
		}
		if attempt >= l.opts.TemperatureFallbackCount {
			return res, nil
		}
	}
}

// DecodeWindow runs one attempt at the given temperature. It stops on the end
// token, the sample length cap, or cancellation of ctx. Cancellation is not
// an error: the tokens produced so far are returned with Cancelled set.
func (l *Loop) DecodeWindow(ctx context.Context, cache Cache, prompt []int, temperature float64) (Result, error) {
	started := time.Now()
	res := Result{Temperature: temperature}
	cache.Reset()

	if l.opts.UsePrefillCache {
		if p, ok := l.inference.(Prefiller); ok {
			if err := p.Prefill(ctx, cache, prompt); err != nil {
				if ctx.Err() != nil {
					res.Cancelled = true
					res.Duration = time.Since(started)
					return res, nil
				}
				return res, fmt.Errorf("%w: prefill: %w", ErrDecodingFailed, err)
			}
		}
	}

	sampleBegin := len(prompt)
	detect := l.multilingual && sampleBegin > 0 && prompt[sampleBegin-1] == l.special.StartOfTranscript
	chain := NewFilterChain(l.opts, l.special, sampleBegin, l.multilingual, detect)

	tokens := append(make([]int, 0, sampleBegin+l.opts.SampleLength), prompt...)
	var (
		sumLogProb  float64
		sampled     int
		endLogProb  float64
		sawEnd      bool
		scoreBuffer []float32
	)

	for step := 0; step < l.opts.SampleLength; step++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		out, err := l.inference.DecodeStep(ctx, cache, tokens)
		if err != nil {
			if ctx.Err() != nil {
				res.Cancelled = true
				break
			}
			res.Duration = time.Since(started)
			return res, fmt.Errorf("%w: step %d: %w", ErrDecodingFailed, step, err)
		}
		if step == 0 {
			res.NoSpeechProb = out.NoSpeechProb
			if n := textSuffix(prompt, l.special); n > 0 && len(out.Attention) == len(tokens) {
				res.PrefixAttention = out.Attention[len(tokens)-n:]
			}
		}
		if step > 0 && len(out.Attention) > 0 {
			res.Attention = append(res.Attention, out.Attention[len(out.Attention)-1])
		}

		scoreBuffer = append(scoreBuffer[:0], out.Logits...)
		scores := chain.Filter(scoreBuffer, tokens)
		next := l.sampler.Sample(scores, temperature)
		logProb := logSoftmaxAt(scores, next)
		if math.IsInf(logProb, -1) || math.IsNaN(logProb) {
			logProb = logProbFloor
		}
		sumLogProb += logProb
		sampled++

		if next == l.special.EndToken {
			endLogProb = logProb
			sawEnd = true
			break
		}
		tokens = append(tokens, next)
		res.Tokens = append(res.Tokens, next)
		res.TokenLogProbs = append(res.TokenLogProbs, logProb)
	}

	res.Attention = padAttention(res.Attention, len(res.Tokens))
	if sampled > 0 {
		res.AvgLogProb = sumLogProb / float64(sampled)
	}
	if detect && len(res.Tokens) > 0 {
		if code, ok := l.special.LanguageCode(res.Tokens[0]); ok {
			res.Language = code
		}
	}

	text, err := l.text.Decode(res.Tokens, true)
	if err != nil {
		res.Duration = time.Since(started)
		return res, fmt.Errorf("decode window text: %w", err)
	}
	res.Text = text
	res.CompressionRatio = CompressionRatio(text)
	if !l.opts.SkipSpecialTokens {
		if res.Text, err = l.text.Decode(res.Tokens, false); err != nil {
			res.Duration = time.Since(started)
			return res, fmt.Errorf("decode window text: %w", err)
		}
	}

	if !res.Cancelled {
		first := endLogProb
		if len(res.TokenLogProbs) > 0 {
			first = res.TokenLogProbs[0]
		}
		tooLow := l.opts.FirstTokenLogProbThreshold != nil && (len(res.TokenLogProbs) > 0 || sawEnd) &&
			first < *l.opts.FirstTokenLogProbThreshold
		res.Fallback = EvaluateFallback(l.opts, tooLow, res.NoSpeechProb, res.CompressionRatio, res.AvgLogProb)
	}
	res.Duration = time.Since(started)
	return res, nil
}

// DetectLanguage runs a single step on the start-of-transcript prompt and
// returns the most likely language code with its probability.
func (l *Loop) DetectLanguage(ctx context.Context, cache Cache) (string, float64, error) {
	cache.Reset()
	prompt := []int{l.special.StartOfTranscript}
	out, err := l.inference.DecodeStep(ctx, cache, prompt)
	if err != nil {
		return "", 0, fmt.Errorf("%w: language detection: %w", ErrDecodingFailed, err)
	}
	scores := append([]float32(nil), out.Logits...)
	scores = LanguageLogitsFilter{Allowed: l.special.LanguageIDs(), SampleBegin: len(prompt)}.Filter(scores, prompt)
	id := argmax(scores)
	code, ok := l.special.LanguageCode(id)
	if !ok {
		return "", 0, fmt.Errorf("%w: language detection picked non-language token %d", ErrDecodingFailed, id)
	}
	return code, math.Exp(logSoftmaxAt(scores, id)), nil
}

// textSuffix counts the non-special tokens that close prompt.
func textSuffix(prompt []int, special SpecialTokens) int {
	n := 0
	for n < len(prompt) && !special.IsSpecial(prompt[len(prompt)-1-n]) {
		n++
	}
	return n
}

func padAttention(rows [][]float32, n int) [][]float32 {
	if len(rows) >= n {
		return rows[:n]
	}
	for len(rows) < n {
		if len(rows) == 0 {
			rows = append(rows, nil)
			continue
		}
		rows = append(rows, rows[len(rows)-1])
	}
	return rows
}
