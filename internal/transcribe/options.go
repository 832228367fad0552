package transcribe

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"github.com/loqalabs/loqa-transcribe/internal/tokenizer"
)

// OptionsFromConfig maps the decoding and batch sections onto decoding
// options. The initial prompt is encoded with tok.
func OptionsFromConfig(dec config.DecodingConfig, batch config.BatchConfig, tok tokenizer.Tokenizer) (decoding.Options, error) {
	opts := decoding.New(
		decoding.WithTask(decoding.Task(dec.Task)),
		decoding.WithLanguage(dec.Language),
		decoding.WithTemperature(dec.Temperature, dec.TemperatureIncrement, dec.TemperatureFallbackCount),
		decoding.WithSampleLength(dec.SampleLength),
		decoding.WithTopK(dec.TopK),
		decoding.WithSeed(dec.Seed),
		decoding.WithWordTimestamps(dec.WordTimestamps),
		decoding.WithoutTimestamps(dec.WithoutTimestamps),
		decoding.WithSuppressBlank(dec.SuppressBlank),
		decoding.WithSkipSpecialTokens(dec.SkipSpecialTokens),
		decoding.WithPrefill(dec.UsePrefillPrompt, dec.UsePrefillCache),
		decoding.WithSuppressTokens(dec.SuppressTokens...),
		decoding.WithMaxInitialTimestampIndex(dec.MaxInitialTimestampIndex),
		decoding.WithClipTimestamps(dec.ClipTimestamps...),
		decoding.WithPunctuations(dec.PrependPunctuations, dec.AppendPunctuations),
		decoding.WithConcurrentWorkers(batch.ConcurrentWorkers),
		decoding.WithChunkingStrategy(decoding.ChunkingStrategy(batch.ChunkingStrategy)),
		decoding.WithoutThresholds(),
	)
	if dec.CompressionRatioThreshold != nil {
		opts = opts.With(decoding.WithCompressionRatioThreshold(*dec.CompressionRatioThreshold))
	}
	if dec.LogProbThreshold != nil {
		opts = opts.With(decoding.WithLogProbThreshold(*dec.LogProbThreshold))
	}
	if dec.FirstTokenLogProbThreshold != nil {
		opts = opts.With(decoding.WithFirstTokenLogProbThreshold(*dec.FirstTokenLogProbThreshold))
	}
	if dec.NoSpeechThreshold != nil {
		opts = opts.With(decoding.WithNoSpeechThreshold(*dec.NoSpeechThreshold))
	}

	if prompt := strings.TrimSpace(dec.InitialPrompt); prompt != "" {
		ids, err := tok.Encode(" " + prompt)
		if err != nil {
			return opts, fmt.Errorf("encode initial prompt: %w", err)
		}
		opts = opts.With(decoding.WithPromptTokens(ids...))
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}
