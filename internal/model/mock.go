package model

import (
	"context"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"github.com/loqalabs/loqa-transcribe/internal/streaming"
	"github.com/loqalabs/loqa-transcribe/internal/tokenizer"
)

const (
	mockBoost        = 30
	mockSilentBoost  = 1
	mockVoiceEnergy  = 0.3
	mockSpeechProb   = 0.02
	mockNoSpeechProb = 0.9
)

// Mock is a deterministic model that "hears" a fixed text in every window
// with audible audio, repeating it once a forced prefix has covered all of
// it. Attention walks the window linearly over the forced prefix and the
// emitted script, so word timing is spread over the audio.
type Mock struct {
	special      decoding.SpecialTokens
	text         []int
	language     int
	multilingual bool
}

type mockCache struct {
	frames    int
	seconds   float64
	silent    bool
	promptLen int
}

func (c *mockCache) Reset() { c.promptLen = -1 }

var _ decoding.Prefiller = (*Mock)(nil)

func NewMock(cfg config.ModelConfig, tok tokenizer.Tokenizer) (*Mock, error) {
	text, err := tok.Encode(cfg.MockText)
	if err != nil {
		return nil, fmt.Errorf("encode mock text: %w", err)
	}
	special := tok.Special()
	code := cfg.MockLanguage
	if code == "" {
		code = "en"
	}
	lang, ok := special.LanguageTokens[code]
	if !ok {
		return nil, fmt.Errorf("mock language %q is not in the vocabulary", code)
	}
	return &Mock{special: special, text: text, language: lang, multilingual: cfg.Multilingual}, nil
}

func (m *Mock) Multilingual() bool { return m.multilingual }

func (m *Mock) Close() error { return nil }

func (m *Mock) NewCache(_ context.Context, samples []float32) (decoding.Cache, error) {
	seconds := math.Min(float64(len(samples))/SampleRate, WindowSeconds)
	peak := 0.0
	for _, e := range streaming.EnergySeries(samples, SampleRate) {
		peak = math.Max(peak, e)
	}
	frames := max(1, int(math.Ceil(seconds/decoding.SecondsPerTimestamp)))
	return &mockCache{frames: frames, seconds: seconds, silent: peak < mockVoiceEnergy, promptLen: -1}, nil
}

func (m *Mock) DecodeStep(ctx context.Context, cache decoding.Cache, tokens []int) (decoding.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return decoding.StepOutput{}, err
	}
	c, ok := cache.(*mockCache)
	if !ok {
		return decoding.StepOutput{}, fmt.Errorf("mock model: foreign cache %T", cache)
	}
	if c.promptLen < 0 || c.promptLen > len(tokens) {
		c.promptLen = len(tokens)
	}
	prompt, generated := tokens[:c.promptLen], tokens[c.promptLen:]
	script := m.script(c, prompt)
	prefix := forcedPrefix(prompt, m.special)
	span := len(prefix) + len(script)

	target := m.special.EndToken
	if len(generated) < len(script) {
		target = script[len(generated)]
	}
	logits := make([]float32, m.special.VocabularySize)
	out := decoding.StepOutput{Logits: logits, NoSpeechProb: mockSpeechProb}
	logits[target] = mockBoost
	if c.silent {
		// low confidence so the window reads as silence
		logits[target] = mockSilentBoost
		out.NoSpeechProb = mockNoSpeechProb
	}
	if len(generated) > 0 {
		out.Attention = [][]float32{attentionRow(c.frames, len(prefix)+len(generated)-1, span)}
		return out, nil
	}
	// the first step reports a row per prompt token
	out.Attention = make([][]float32, len(prompt))
	for i := range out.Attention {
		if k := i - (len(prompt) - len(prefix)); k >= 0 {
			out.Attention[i] = attentionRow(c.frames, k, span)
		} else {
			out.Attention[i] = make([]float32, c.frames)
		}
	}
	return out, nil
}

// Prefill pins the prompt length so every later step knows where the
// generated tokens begin.
func (m *Mock) Prefill(ctx context.Context, cache decoding.Cache, prompt []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := cache.(*mockCache)
	if !ok {
		return fmt.Errorf("mock model: foreign cache %T", cache)
	}
	c.promptLen = len(prompt)
	return nil
}

// script is the full token sequence the mock emits after prompt.
func (m *Mock) script(c *mockCache, prompt []int) []int {
	sp := m.special
	var script []int
	if m.multilingual && len(prompt) > 0 && prompt[len(prompt)-1] == sp.StartOfTranscript {
		script = append(script, m.language, sp.TranscribeToken)
	}
	withTimestamps := true
	for _, id := range prompt {
		if id == sp.NoTimestampsToken {
			withTimestamps = false
		}
	}
	if withTimestamps {
		script = append(script, sp.TimestampBegin)
	}
	if c.silent {
		return script
	}

	script = append(script, continuation(m.text, forcedPrefix(prompt, sp))...)
	if withTimestamps {
		end := sp.TimestampToken(math.Max(0, c.seconds-decoding.SecondsPerTimestamp))
		script = append(script, max(end, sp.TimestampBegin+1))
	}
	return script
}

// forcedPrefix returns the text tokens that close the prompt.
func forcedPrefix(prompt []int, sp decoding.SpecialTokens) []int {
	i := len(prompt)
	for i > 0 && !sp.IsSpecial(prompt[i-1]) {
		i--
	}
	return prompt[i:]
}

// continuation returns what follows the first occurrence of prefix in text.
// It returns all of text when prefix does not occur or ends the text.
func continuation(text, prefix []int) []int {
	if len(prefix) == 0 {
		return text
	}
	for i := 0; i+len(prefix) <= len(text); i++ {
		match := true
		for k := range prefix {
			if text[i+k] != prefix[k] {
				match = false
				break
			}
		}
		if match && i+len(prefix) < len(text) {
			return text[i+len(prefix):]
		}
	}
	return text
}

// attentionRow spreads positions of an n-token script evenly over frames.
func attentionRow(frames, pos, n int) []float32 {
	row := make([]float32, frames)
	if n <= 0 {
		return row
	}
	from := pos * frames / n
	to := max(from+1, (pos+1)*frames/n)
	for j := from; j < to && j < frames; j++ {
		row[j] = 1
	}
	return row
}
