package wer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalizer prepares text for word comparison.
type Normalizer interface {
	Normalize(text string) string
}

// BasicNormalizer applies NFKC, lowercases, replaces punctuation and symbols
// with spaces and collapses whitespace.
type BasicNormalizer struct{}

func (BasicNormalizer) Normalize(text string) string {
	return stripPunctuation(lower(text))
}

// EnglishNormalizer extends BasicNormalizer with contraction expansion and
// spelled-out numerals from zero to twenty.
type EnglishNormalizer struct{}

var contractions = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`\bwon't\b`), "will not"},
	{regexp.MustCompile(`\bcan't\b`), "can not"},
	{regexp.MustCompile(`\blet's\b`), "let us"},
	{regexp.MustCompile(`n't\b`), " not"},
	{regexp.MustCompile(`'re\b`), " are"},
	{regexp.MustCompile(`'ll\b`), " will"},
	{regexp.MustCompile(`'ve\b`), " have"},
	{regexp.MustCompile(`'m\b`), " am"},
	{regexp.MustCompile(`'d\b`), " would"},
}

var numerals = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten",
	"eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen", "seventeen", "eighteen", "nineteen", "twenty",
}

func (EnglishNormalizer) Normalize(text string) string {
	text = strings.ReplaceAll(lower(text), "’", "'")
	for _, c := range contractions {
		text = c.pattern.ReplaceAllString(text, c.repl)
	}
	words := strings.Fields(stripPunctuation(text))
	for i, w := range words {
		for n, spelled := range numerals {
			if w == fmt.Sprint(n) {
				words[i] = spelled
				break
			}
		}
	}
	return strings.Join(words, " ")
}

// NormalizerByName resolves the names accepted in configuration.
func NormalizerByName(name string) (Normalizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "basic":
		return BasicNormalizer{}, nil
	case "english":
		return EnglishNormalizer{}, nil
	default:
		return nil, fmt.Errorf("unknown normalizer %q", name)
	}
}

func lower(text string) string {
	return cases.Lower(language.Und).String(norm.NFKC.String(text))
}

func stripPunctuation(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
