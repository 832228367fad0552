package decoding

import (
	"context"
	"errors"
	"sort"
)

// SecondsPerTimestamp is the spacing between consecutive timestamp tokens.
const SecondsPerTimestamp = 0.02

// SpecialTokens holds the reserved ids of a Whisper vocabulary. Every
// ordinary text id is strictly below SpecialTokenBegin.
type SpecialTokens struct {
	EndToken          int            `json:"end_token"`
	StartOfTranscript int            `json:"start_of_transcript"`
	StartOfPrevious   int            `json:"start_of_previous"`
	TranscribeToken   int            `json:"transcribe_token"`
	TranslateToken    int            `json:"translate_token"`
	NoSpeechToken     int            `json:"no_speech_token"`
	NoTimestampsToken int            `json:"no_timestamps_token"`
	TimestampBegin    int            `json:"timestamp_begin"`
	WhitespaceToken   int            `json:"whitespace_token"`
	SpecialTokenBegin int            `json:"special_token_begin"`
	LanguageTokens    map[string]int `json:"language_tokens"`
	VocabularySize    int            `json:"vocabulary_size"`
}

// whisperLanguages lists language codes in vocabulary order.
var whisperLanguages = []string{
	"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr", "pl", "ca", "nl", "ar", "sv", "it", "id",
	"hi", "fi", "vi", "he", "uk", "el", "ms", "cs", "ro", "da", "hu", "ta", "no", "th", "ur", "hr", "bg",
	"lt", "la", "mi", "ml", "cy", "sk", "te", "fa", "lv", "bn", "sr", "az", "sl", "kn", "et", "mk", "br",
	"eu", "is", "hy", "ne", "mn", "bs", "kk", "sq", "sw", "gl", "mr", "pa", "si", "km", "sn", "yo", "so",
	"af", "oc", "ka", "be", "tg", "sd", "gu", "am", "yi", "lo", "uz", "fo", "ht", "ps", "tk", "nn", "mt",
	"sa", "lb", "my", "bo", "tl", "mg", "as", "tt", "haw", "ln", "ha", "ba", "jw", "su",
}

// MultilingualSpecialTokens returns the layout of the multilingual Whisper
// checkpoints (51865 ids, 1501 timestamp tokens).
func MultilingualSpecialTokens() SpecialTokens {
	langs := make(map[string]int, len(whisperLanguages))
	for i, code := range whisperLanguages {
		langs[code] = 50259 + i
	}
	return SpecialTokens{
		EndToken:          50257,
		StartOfTranscript: 50258,
		TranslateToken:    50358,
		TranscribeToken:   50359,
		StartOfPrevious:   50361,
		NoSpeechToken:     50362,
		NoTimestampsToken: 50363,
		TimestampBegin:    50364,
		WhitespaceToken:   220,
		SpecialTokenBegin: 50257,
		LanguageTokens:    langs,
		VocabularySize:    51865,
	}
}

// IsTimestamp reports whether id encodes a timestamp.
func (s SpecialTokens) IsTimestamp(id int) bool {
	return id >= s.TimestampBegin
}

// IsSpecial reports whether id is reserved (control or timestamp).
func (s SpecialTokens) IsSpecial(id int) bool {
	return id >= s.SpecialTokenBegin
}

func (s SpecialTokens) IsTask(id int) bool {
	return id == s.TranscribeToken || id == s.TranslateToken
}

// TimestampSeconds converts a timestamp token to seconds.
func (s SpecialTokens) TimestampSeconds(id int) float64 {
	return float64(id-s.TimestampBegin) * SecondsPerTimestamp
}

// TimestampToken returns the token closest to seconds, rounding down.
func (s SpecialTokens) TimestampToken(seconds float64) int {
	if seconds < 0 {
		seconds = 0
	}
	return s.TimestampBegin + int(seconds/SecondsPerTimestamp+1e-9)
}

// TaskToken maps a task to its control token.
func (s SpecialTokens) TaskToken(task Task) int {
	if task == TaskTranslate {
		return s.TranslateToken
	}
	return s.TranscribeToken
}

// LanguageIDs returns the language token ids in ascending order.
func (s SpecialTokens) LanguageIDs() []int {
	ids := make([]int, 0, len(s.LanguageTokens))
	for _, id := range s.LanguageTokens {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LanguageCode resolves a language token back to its code.
func (s SpecialTokens) LanguageCode(id int) (string, bool) {
	for code, tok := range s.LanguageTokens {
		if tok == id {
			return code, true
		}
	}
	return "", false
}

// ErrDecodingFailed wraps errors raised by the inference backend.
var ErrDecodingFailed = errors.New("decoding failed")

// Cache is the per-window decoder state owned by an inference backend.
// Reset discards all tokens fed so far while keeping the encoded audio.
type Cache interface {
	Reset()
}

// StepOutput is the result of one decoder forward pass.
type StepOutput struct {
	Logits       []float32
	Attention    [][]float32 // one row per input token, one column per audio frame
	NoSpeechProb float64
}

// Inference runs one decoder step over the full token sequence of a window.
type Inference interface {
	DecodeStep(ctx context.Context, cache Cache, tokens []int) (StepOutput, error)
}

// Prefiller is implemented by backends that can warm their cache with the
// forced prompt before sampling starts.
type Prefiller interface {
	Prefill(ctx context.Context, cache Cache, prompt []int) error
}

// TextDecoder turns token ids into text.
type TextDecoder interface {
	Decode(ids []int, skipSpecial bool) (string, error)
}
