package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"golang.org/x/text/unicode/norm"
)

// ErrUnknownToken is returned for ids or text the vocabulary cannot represent.
var ErrUnknownToken = errors.New("unknown token")

// Tokenizer converts between text and Whisper token ids.
type Tokenizer interface {
	decoding.TextDecoder
	Encode(text string) ([]int, error)
	// SplitIntoWords groups ids into words. Special and timestamp tokens form
	// their own words rendered as <|...|>.
	SplitIntoWords(ids []int, language string) ([]string, [][]int)
	Special() decoding.SpecialTokens
}

// spaceless languages are split on character boundaries instead of spaces.
var spaceless = map[string]bool{"zh": true, "ja": true, "th": true, "lo": true, "my": true, "yue": true}

// Vocabulary is a piece table loaded from JSON.
type Vocabulary struct {
	pieces      map[int]string
	ids         map[string]int
	maxPieceLen int
	special     decoding.SpecialTokens
}

type vocabularyFile struct {
	Tokens    map[string]int          `json:"tokens"`
	Special   *decoding.SpecialTokens `json:"special"`
	ByteLevel bool                    `json:"byte_level"`
}

// Load reads a vocabulary file. Byte-level pieces (the GPT-2 printable byte
// alphabet, with Ġ for space) are mapped back to raw bytes.
func Load(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var file vocabularyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(file.Tokens) == 0 {
		return nil, errors.New("vocabulary has no tokens")
	}
	special := decoding.MultilingualSpecialTokens()
	if file.Special != nil {
		special = *file.Special
	}
	pieces := file.Tokens
	if file.ByteLevel {
		pieces = make(map[string]int, len(file.Tokens))
		decoder := byteDecoder()
		for piece, id := range file.Tokens {
			raw, ok := decodeByteLevel(piece, decoder)
			if !ok {
				continue
			}
			pieces[raw] = id
		}
	}
	return NewVocabulary(pieces, special), nil
}

// NewVocabulary builds a vocabulary from piece to id mappings.
func NewVocabulary(pieces map[string]int, special decoding.SpecialTokens) *Vocabulary {
	v := &Vocabulary{
		pieces:  make(map[int]string, len(pieces)),
		ids:     make(map[string]int, len(pieces)),
		special: special,
	}
	for piece, id := range pieces {
		if id >= special.SpecialTokenBegin {
			continue
		}
		v.pieces[id] = piece
		v.ids[piece] = id
		if len(piece) > v.maxPieceLen {
			v.maxPieceLen = len(piece)
		}
	}
	return v
}

// Basic returns a byte vocabulary with space-prefixed ASCII pieces on top of
// the multilingual special layout. It is enough to drive the mock backend.
func Basic() *Vocabulary {
	pieces := make(map[string]int, 256+95)
	for b := 0; b < 256; b++ {
		pieces[string([]byte{byte(b)})] = b
	}
	id := 256
	for c := byte('!'); c <= '~'; c++ {
		pieces[" "+string(c)] = id
		id++
	}
	special := decoding.MultilingualSpecialTokens()
	special.WhitespaceToken = ' '
	return NewVocabulary(pieces, special)
}

func (v *Vocabulary) Special() decoding.SpecialTokens { return v.special }

// Encode performs greedy longest-match segmentation.
func (v *Vocabulary) Encode(text string) ([]int, error) {
	text = norm.NFC.String(text)
	var out []int
	for i := 0; i < len(text); {
		matched := false
		for n := min(v.maxPieceLen, len(text)-i); n > 0; n-- {
			if id, ok := v.ids[text[i:i+n]]; ok {
				out = append(out, id)
				i += n
				matched = true
				break
			}
		}
		if !matched {
			return out, fmt.Errorf("%w: no piece for %q", ErrUnknownToken, text[i:i+1])
		}
	}
	return out, nil
}

func (v *Vocabulary) Decode(ids []int, skipSpecial bool) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if v.special.IsSpecial(id) {
			if skipSpecial {
				continue
			}
			b.WriteString(v.SpecialText(id))
			continue
		}
		piece, ok := v.pieces[id]
		if !ok {
			return b.String(), fmt.Errorf("%w: id %d", ErrUnknownToken, id)
		}
		b.WriteString(piece)
	}
	return strings.ToValidUTF8(b.String(), "�"), nil
}

// SpecialText renders a reserved id, e.g. <|en|> or <|1.00|>.
func (v *Vocabulary) SpecialText(id int) string {
	sp := v.special
	switch {
	case sp.IsTimestamp(id):
		return fmt.Sprintf("<|%.2f|>", sp.TimestampSeconds(id))
	case id == sp.EndToken:
		return "<|endoftext|>"
	case id == sp.StartOfTranscript:
		return "<|startoftranscript|>"
	case id == sp.StartOfPrevious:
		return "<|startofprev|>"
	case id == sp.TranscribeToken:
		return "<|transcribe|>"
	case id == sp.TranslateToken:
		return "<|translate|>"
	case id == sp.NoSpeechToken:
		return "<|nospeech|>"
	case id == sp.NoTimestampsToken:
		return "<|notimestamps|>"
	}
	if code, ok := sp.LanguageCode(id); ok {
		return "<|" + code + "|>"
	}
	return fmt.Sprintf("<|special:%d|>", id)
}

func (v *Vocabulary) SplitIntoWords(ids []int, language string) ([]string, [][]int) {
	subwords, groups := v.splitOnUnicode(ids)
	if spaceless[language] {
		return subwords, groups
	}

	var (
		words      []string
		wordTokens [][]int
	)
	for i, sub := range subwords {
		special := v.special.IsSpecial(groups[i][0])
		withSpace := strings.HasPrefix(sub, " ")
		if special || withSpace || isPunctuation(sub) || len(words) == 0 {
			words = append(words, sub)
			wordTokens = append(wordTokens, append([]int(nil), groups[i]...))
			continue
		}
		last := len(words) - 1
		words[last] += sub
		wordTokens[last] = append(wordTokens[last], groups[i]...)
	}
	return words, wordTokens
}

// splitOnUnicode accumulates tokens until their bytes form complete UTF-8.
// Bytes that can no longer become valid are flushed as a replacement
// character.
func (v *Vocabulary) splitOnUnicode(ids []int) ([]string, [][]int) {
	var (
		words   []string
		groups  [][]int
		current []int
		pending []byte
	)
	flush := func(text string) {
		words = append(words, text)
		groups = append(groups, current)
		current = nil
		pending = pending[:0]
	}
	for _, id := range ids {
		if v.special.IsSpecial(id) {
			if len(current) > 0 {
				flush(strings.ToValidUTF8(string(pending), "�"))
			}
			current = []int{id}
			flush(v.SpecialText(id))
			continue
		}
		current = append(current, id)
		pending = append(pending, v.pieces[id]...)
		if utf8.Valid(pending) || !truncated(pending) {
			flush(strings.ToValidUTF8(string(pending), "�"))
		}
	}
	if len(current) > 0 {
		flush(strings.ToValidUTF8(string(pending), "�"))
	}
	return words, groups
}

// truncated reports whether b is valid UTF-8 up to a final rune that later
// bytes could still complete.
func truncated(b []byte) bool {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			return !utf8.FullRune(b[i:]) && utf8.Valid(b[:i])
		}
	}
	return false
}

func isPunctuation(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return true
	}
	for _, r := range trimmed {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return true
}
