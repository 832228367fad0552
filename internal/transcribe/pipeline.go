// Package transcribe walks recordings window by window through the decoding
// loop and the segment seeker, and runs batches of files on a worker pool.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"github.com/loqalabs/loqa-transcribe/internal/model"
	"github.com/loqalabs/loqa-transcribe/internal/seeker"
	"github.com/loqalabs/loqa-transcribe/internal/streaming"
	"github.com/loqalabs/loqa-transcribe/internal/tokenizer"
	"github.com/loqalabs/loqa-transcribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// maxPromptTokens keeps the previous-text prompt within half the text context.
	maxPromptTokens = 223
	// minWindowSamples drops tails shorter than one timestamp step.
	minWindowSamples = model.SampleRate / 50

	defaultSilenceThreshold = 0.3
)

// WindowReport describes one window handled by the pipeline.
type WindowReport struct {
	Offset        float64
	Seconds       float64
	Language      string
	Temperature   float64
	FallbackCount int
	Fallback      *decoding.Fallback
	Tokens        int
	Duration      time.Duration
	Skipped       bool
	Cancelled     bool
	Err           error
}

// Observer receives a report after every window.
type Observer func(ctx context.Context, report WindowReport)

// Pipeline decodes 16 kHz mono audio of any length. It owns a sampler through
// its decoding loop, so one Pipeline serves one goroutine at a time.
type Pipeline struct {
	model         model.Model
	tok           tokenizer.Tokenizer
	special       decoding.SpecialTokens
	opts          decoding.Options
	windowSeconds float64
	silence       float64
	observer      Observer
	logger        *slog.Logger
	tracer        trace.Tracer
}

var _ streaming.Transcriber = (*Pipeline)(nil)

type PipelineOption func(*Pipeline)

func WithWindowSeconds(seconds float64) PipelineOption {
	return func(p *Pipeline) { p.windowSeconds = seconds }
}

// WithSilenceThreshold sets the relative energy under which a window is
// skipped by the vad chunking strategy.
func WithSilenceThreshold(threshold float64) PipelineOption {
	return func(p *Pipeline) { p.silence = threshold }
}

func WithObserver(o Observer) PipelineOption {
	return func(p *Pipeline) { p.observer = o }
}

func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPipeline(m model.Model, tok tokenizer.Tokenizer, opts decoding.Options, options ...PipelineOption) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		model:         m,
		tok:           tok,
		special:       tok.Special(),
		opts:          opts,
		windowSeconds: model.WindowSeconds,
		silence:       defaultSilenceThreshold,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:        otel.Tracer("github.com/loqalabs/loqa-transcribe/internal/transcribe"),
	}
	for _, o := range options {
		o(p)
	}
	if p.windowSeconds <= 0 || p.windowSeconds > model.WindowSeconds {
		p.windowSeconds = model.WindowSeconds
	}
	if opts.Language != "" {
		if _, ok := p.special.LanguageTokens[opts.Language]; !ok {
			return nil, fmt.Errorf("%w: unknown language %q", decoding.ErrInvalidOptions, opts.Language)
		}
	}
	p.logger = p.logger.With(slog.String("component", "pipeline"))
	return p, nil
}

func (p *Pipeline) Options() decoding.Options { return p.opts }

// TranscribeSamples transcribes the whole recording with the pipeline options.
func (p *Pipeline) TranscribeSamples(ctx context.Context, samples []float32) (transcript.Result, error) {
	return p.run(ctx, samples, p.opts)
}

// Transcribe decodes samples from startSeconds on with prefix forced after the
// control tokens of the first window. Timestamp tokens are disabled so the
// prefix continues directly; word timings come from attention alignment.
// The result holds only what follows the prefix.
func (p *Pipeline) Transcribe(ctx context.Context, samples []float32, startSeconds float64, prefix []int) (transcript.Result, error) {
	opts := p.opts.With(
		decoding.WithClipTimestamps(math.Max(0, startSeconds)),
		decoding.WithPrefixTokens(prefix...),
		decoding.WithoutTimestamps(true),
		decoding.WithWordTimestamps(true),
		decoding.WithChunkingStrategy(decoding.ChunkingNone),
		decoding.WithPrefill(true, p.opts.UsePrefillCache),
	)
	return p.run(ctx, samples, opts)
}

func (p *Pipeline) run(ctx context.Context, samples []float32, opts decoding.Options) (transcript.Result, error) {
	total := float64(len(samples)) / model.SampleRate
	result := transcript.Result{Duration: total, Language: opts.Language}
	loop := decoding.NewLoop(p.model, p.tok, p.special, p.model.Multilingual(), opts)
	sk := seeker.New(p.tok, opts)
	windowSamples := int(p.windowSeconds * model.SampleRate)
	prefix := opts.PrefixTokens

	for _, clip := range clipRanges(opts.ClipTimestamps, total) {
		seek := secondsToSample(clip[0])
		end := min(secondsToSample(clip[1]), len(samples))
		for seek < end {
			if ctx.Err() != nil {
				result.Cancelled = true
				return result.Finish(), nil
			}
			stop := min(seek+windowSamples, end)
			if stop-seek < minWindowSamples {
				break
			}
			window := samples[seek:stop]
			offset := float64(seek) / model.SampleRate
			seconds := float64(len(window)) / model.SampleRate

			if opts.ChunkingStrategy == decoding.ChunkingVAD && silent(window, p.silence) {
				p.report(ctx, WindowReport{Offset: offset, Seconds: seconds, Language: result.Language, Skipped: true})
				seek = stop
				continue
			}

			split, res, err := p.decodeWindow(ctx, loop, sk, window, opts, &result.Language, offset, seek, prefix)
			result.Timings.Windows++
			result.Timings.Fallbacks += res.FallbackCount
			result.Timings.Tokens += len(res.Tokens)
			result.Timings.DecodeDuration += res.Duration
			if err != nil {
				return result.Finish(), fmt.Errorf("decode window at %.2fs: %w", offset, err)
			}
			prefix = nil

			if res.Cancelled {
				result.Cancelled = true
				result.Segments = append(result.Segments, split.Segments...)
				return result.Finish(), nil
			}
			if res.Fallback != nil && res.Fallback.Reason == decoding.ReasonSilence {
				seek = stop
				continue
			}
			result.Segments = append(result.Segments, split.Segments...)
			advance := int(math.Round(split.Advance * model.SampleRate))
			seek = min(seek+max(advance, 1), stop)
		}
	}
	return result.Finish(), nil
}

func (p *Pipeline) decodeWindow(ctx context.Context, loop *decoding.Loop, sk *seeker.Seeker, window []float32, opts decoding.Options, language *string, offset float64, seek int, prefix []int) (seeker.Split, decoding.Result, error) {
	seconds := float64(len(window)) / model.SampleRate
	ctx, span := p.tracer.Start(ctx, "decode.window", trace.WithAttributes(
		attribute.Float64("window.offset", offset),
		attribute.Float64("window.seconds", seconds),
	))
	defer span.End()

	report := WindowReport{Offset: offset, Seconds: seconds}
	fail := func(res decoding.Result, err error) (seeker.Split, decoding.Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.Err = err
		p.report(ctx, report)
		return seeker.Split{}, res, err
	}

	cache, err := p.model.NewCache(ctx, window)
	if err != nil {
		if ctx.Err() != nil {
			return seeker.Split{}, decoding.Result{Cancelled: true}, nil
		}
		return fail(decoding.Result{}, fmt.Errorf("%w: %w", decoding.ErrDecodingFailed, err))
	}

	// without a prefill prompt the model predicts language and task itself
	inline := !opts.UsePrefillPrompt && p.model.Multilingual()
	if *language == "" && p.model.Multilingual() && !inline {
		code, prob, err := loop.DetectLanguage(ctx, cache)
		if err != nil {
			if ctx.Err() != nil {
				return seeker.Split{}, decoding.Result{Cancelled: true}, nil
			}
			return fail(decoding.Result{}, err)
		}
		p.logger.Debug("language detected", slog.String("language", code), slog.Float64("probability", prob))
		*language = code
	}
	res, err := loop.DecodeWithFallback(ctx, cache, p.prompt(opts, *language, prefix))
	if inline && res.Language != "" {
		*language = res.Language
	}
	if *language == "" {
		*language = "en"
	}
	report.Language = *language
	span.SetAttributes(attribute.String("language", *language))
	report.Temperature = res.Temperature
	report.FallbackCount = res.FallbackCount
	report.Fallback = res.Fallback
	report.Tokens = len(res.Tokens)
	report.Duration = res.Duration
	report.Cancelled = res.Cancelled
	span.SetAttributes(
		attribute.Float64("decode.temperature", res.Temperature),
		attribute.Int("decode.fallback_count", res.FallbackCount),
		attribute.Int("decode.tokens", len(res.Tokens)),
	)
	if res.Fallback != nil {
		span.SetAttributes(attribute.String("decode.fallback_reason", res.Fallback.Reason))
	}
	if err != nil {
		return fail(res, err)
	}

	split, err := sk.SeekSegments(seeker.Window{
		Result:     res,
		Offset:     offset,
		Duration:   seconds,
		SeekSample: seek,
		Language:   *language,
	})
	if err != nil {
		return fail(res, err)
	}
	p.report(ctx, report)
	return split, res, nil
}

// prompt lays out [prev, previous text...] sot [language task] [notimestamps] prefix.
// Without a prefill prompt it stops at sot.
func (p *Pipeline) prompt(opts decoding.Options, language string, prefix []int) []int {
	sp := p.special
	var out []int
	if n := len(opts.PromptTokens); n > 0 {
		out = append(out, sp.StartOfPrevious)
		out = append(out, opts.PromptTokens[max(0, n-maxPromptTokens):]...)
	}
	out = append(out, sp.StartOfTranscript)
	if !opts.UsePrefillPrompt {
		return out
	}
	if p.model.Multilingual() {
		out = append(out, sp.LanguageTokens[language], sp.TaskToken(opts.Task))
	}
	if opts.WithoutTimestamps {
		out = append(out, sp.NoTimestampsToken)
	}
	return append(out, prefix...)
}

func (p *Pipeline) report(ctx context.Context, r WindowReport) {
	if p.observer != nil {
		p.observer(ctx, r)
	}
}

// clipRanges pairs clip timestamps into [start, end) ranges. A trailing start
// runs to the end of the audio.
func clipRanges(clips []float64, total float64) [][2]float64 {
	if len(clips) == 0 {
		return [][2]float64{{0, total}}
	}
	var out [][2]float64
	for i := 0; i < len(clips); i += 2 {
		start, end := math.Max(0, clips[i]), total
		if i+1 < len(clips) {
			end = math.Min(clips[i+1], total)
		}
		if start < end {
			out = append(out, [2]float64{start, end})
		}
	}
	return out
}

func secondsToSample(seconds float64) int {
	return int(math.Round(seconds * model.SampleRate))
}

func silent(window []float32, threshold float64) bool {
	for _, e := range streaming.EnergySeries(window, model.SampleRate) {
		if e >= threshold {
			return false
		}
	}
	return true
}
