package decoding

import (
	"errors"
	"fmt"
)

// Task selects between same-language transcription and translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// ChunkingStrategy controls how long audio is split before decoding.
type ChunkingStrategy string

const (
	ChunkingNone ChunkingStrategy = "none"
	ChunkingVAD  ChunkingStrategy = "vad"
)

const (
	DefaultPrependPunctuations = "\"'“¿([{-"
	DefaultAppendPunctuations  = "\"'.。,，!！?？:：”)]}、"
)

// ErrInvalidOptions is returned by Validate for inconsistent option sets.
var ErrInvalidOptions = errors.New("invalid decoding options")

// Options configures one decoding call. Values are copied into the loop and
// never mutated afterwards.
type Options struct {
	Task     Task
	Language string // empty means detect

	// Temperature ladder: attempt n (0-based) runs at
	// Temperature + TemperatureIncrementOnFallback*n.
	Temperature                    float64
	TemperatureIncrementOnFallback float64
	TemperatureFallbackCount       int

	SampleLength int
	TopK         int // 0 keeps every candidate
	Seed         uint64

	UsePrefillPrompt  bool
	UsePrefillCache   bool
	WordTimestamps    bool
	SkipSpecialTokens bool
	WithoutTimestamps bool
	SuppressBlank     bool

	SuppressTokens           []int
	MaxInitialTimestampIndex *int

	CompressionRatioThreshold  *float64
	LogProbThreshold           *float64
	FirstTokenLogProbThreshold *float64
	NoSpeechThreshold          *float64

	ClipTimestamps []float64
	PromptTokens   []int
	PrefixTokens   []int

	ConcurrentWorkerCount int
	ChunkingStrategy      ChunkingStrategy

	PrependPunctuations string
	AppendPunctuations  string
}

// Option mutates Options during construction.
type Option func(*Options)

// Default returns the Whisper reference defaults.
func Default() Options {
	return Options{
		Task:                           TaskTranscribe,
		Temperature:                    0,
		TemperatureIncrementOnFallback: 0.2,
		TemperatureFallbackCount:       5,
		SampleLength:                   224,
		UsePrefillPrompt:               true,
		UsePrefillCache:                true,
		SkipSpecialTokens:              true,
		SuppressBlank:                  true,
		MaxInitialTimestampIndex:       intPtr(50),
		CompressionRatioThreshold:      floatPtr(2.4),
		LogProbThreshold:               floatPtr(-1.0),
		NoSpeechThreshold:              floatPtr(0.6),
		ConcurrentWorkerCount:          4,
		ChunkingStrategy:               ChunkingNone,
		PrependPunctuations:            DefaultPrependPunctuations,
		AppendPunctuations:             DefaultAppendPunctuations,
	}
}

// New builds Options from the defaults and the supplied overrides.
func New(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// With returns a copy of o with the overrides applied.
func (o Options) With(opts ...Option) Options {
	c := o.clone()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (o Options) clone() Options {
	c := o
	c.SuppressTokens = append([]int(nil), o.SuppressTokens...)
	c.ClipTimestamps = append([]float64(nil), o.ClipTimestamps...)
	c.PromptTokens = append([]int(nil), o.PromptTokens...)
	c.PrefixTokens = append([]int(nil), o.PrefixTokens...)
	return c
}

func WithTask(task Task) Option {
	return func(o *Options) { o.Task = task }
}

// WithLanguage forces a language code such as "en". An empty code enables detection.
func WithLanguage(code string) Option {
	return func(o *Options) { o.Language = code }
}

// WithTemperature sets the fallback ladder.
func WithTemperature(start, increment float64, fallbackCount int) Option {
	return func(o *Options) {
		o.Temperature = start
		o.TemperatureIncrementOnFallback = increment
		o.TemperatureFallbackCount = fallbackCount
	}
}

func WithSampleLength(n int) Option {
	return func(o *Options) { o.SampleLength = n }
}

func WithTopK(k int) Option {
	return func(o *Options) { o.TopK = k }
}

func WithSeed(seed uint64) Option {
	return func(o *Options) { o.Seed = seed }
}

func WithPrefill(prompt, cache bool) Option {
	return func(o *Options) {
		o.UsePrefillPrompt = prompt
		o.UsePrefillCache = cache
	}
}

func WithWordTimestamps(enabled bool) Option {
	return func(o *Options) { o.WordTimestamps = enabled }
}

func WithoutTimestamps(enabled bool) Option {
	return func(o *Options) { o.WithoutTimestamps = enabled }
}

func WithSkipSpecialTokens(enabled bool) Option {
	return func(o *Options) { o.SkipSpecialTokens = enabled }
}

func WithSuppressBlank(enabled bool) Option {
	return func(o *Options) { o.SuppressBlank = enabled }
}

func WithSuppressTokens(ids ...int) Option {
	return func(o *Options) { o.SuppressTokens = append([]int(nil), ids...) }
}

// WithMaxInitialTimestampIndex bounds the first timestamp. A negative index removes the bound.
func WithMaxInitialTimestampIndex(index int) Option {
	return func(o *Options) {
		if index < 0 {
			o.MaxInitialTimestampIndex = nil
			return
		}
		o.MaxInitialTimestampIndex = intPtr(index)
	}
}

func WithCompressionRatioThreshold(v float64) Option {
	return func(o *Options) { o.CompressionRatioThreshold = floatPtr(v) }
}

func WithLogProbThreshold(v float64) Option {
	return func(o *Options) { o.LogProbThreshold = floatPtr(v) }
}

func WithFirstTokenLogProbThreshold(v float64) Option {
	return func(o *Options) { o.FirstTokenLogProbThreshold = floatPtr(v) }
}

func WithNoSpeechThreshold(v float64) Option {
	return func(o *Options) { o.NoSpeechThreshold = floatPtr(v) }
}

// WithoutThresholds clears all four quality thresholds, disabling fallback.
func WithoutThresholds() Option {
	return func(o *Options) {
		o.CompressionRatioThreshold = nil
		o.LogProbThreshold = nil
		o.FirstTokenLogProbThreshold = nil
		o.NoSpeechThreshold = nil
	}
}

// WithClipTimestamps restricts decoding to [start, end) pairs in seconds. A
// trailing start without an end runs to the end of the audio.
func WithClipTimestamps(seconds ...float64) Option {
	return func(o *Options) { o.ClipTimestamps = append([]float64(nil), seconds...) }
}

func WithPromptTokens(ids ...int) Option {
	return func(o *Options) { o.PromptTokens = append([]int(nil), ids...) }
}

func WithPrefixTokens(ids ...int) Option {
	return func(o *Options) { o.PrefixTokens = append([]int(nil), ids...) }
}

func WithConcurrentWorkers(n int) Option {
	return func(o *Options) { o.ConcurrentWorkerCount = n }
}

func WithChunkingStrategy(s ChunkingStrategy) Option {
	return func(o *Options) { o.ChunkingStrategy = s }
}

func WithPunctuations(prepend, appendSet string) Option {
	return func(o *Options) {
		o.PrependPunctuations = prepend
		o.AppendPunctuations = appendSet
	}
}

// Validate reports the first inconsistent field.
func (o Options) Validate() error {
	switch o.Task {
	case TaskTranscribe, TaskTranslate:
	default:
		return fmt.Errorf("%w: task must be transcribe|translate, got %q", ErrInvalidOptions, o.Task)
	}
	if o.Temperature < 0 {
		return fmt.Errorf("%w: temperature must be >= 0", ErrInvalidOptions)
	}
	if o.TemperatureIncrementOnFallback < 0 {
		return fmt.Errorf("%w: temperature increment must be >= 0", ErrInvalidOptions)
	}
	if o.TemperatureFallbackCount < 0 {
		return fmt.Errorf("%w: temperature fallback count must be >= 0", ErrInvalidOptions)
	}
	if o.SampleLength <= 0 {
		return fmt.Errorf("%w: sample length must be positive", ErrInvalidOptions)
	}
	if o.TopK < 0 {
		return fmt.Errorf("%w: top-k must be >= 0", ErrInvalidOptions)
	}
	if o.ConcurrentWorkerCount < 0 {
		return fmt.Errorf("%w: concurrent worker count must be >= 0", ErrInvalidOptions)
	}
	switch o.ChunkingStrategy {
	case "", ChunkingNone, ChunkingVAD:
	default:
		return fmt.Errorf("%w: chunking strategy must be none|vad", ErrInvalidOptions)
	}
	for i := 1; i < len(o.ClipTimestamps); i++ {
		if o.ClipTimestamps[i] < o.ClipTimestamps[i-1] {
			return fmt.Errorf("%w: clip timestamps must be non-decreasing", ErrInvalidOptions)
		}
	}
	return nil
}

// TemperatureForAttempt returns the temperature of the given 0-based attempt.
func (o Options) TemperatureForAttempt(attempt int) float64 {
	return o.Temperature + o.TemperatureIncrementOnFallback*float64(attempt)
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
