package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestBasicRoundTrip(t *testing.T) {
	v := Basic()
	ids, err := v.Encode(" Hello, world!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, err := v.Decode(ids, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != " Hello, world!" {
		t.Fatalf("round trip mismatch: %q", text)
	}
}

func TestSplitIntoWordsOnSpaces(t *testing.T) {
	v := Basic()
	ids, err := v.Encode(" Hello, world!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sp := v.Special()
	ids = append([]int{sp.TimestampBegin}, ids...)
	ids = append(ids, sp.TimestampBegin+50)

	words, groups := v.SplitIntoWords(ids, "en")
	want := []string{"<|0.00|>", " Hello", ",", " world", "!", "<|1.00|>"}
	if !reflect.DeepEqual(words, want) {
		t.Fatalf("expected %q, got %q", want, words)
	}
	total := 0
	for _, g := range groups {
		if len(g) == 0 {
			t.Fatalf("empty token group")
		}
		total += len(g)
	}
	if total != len(ids) {
		t.Fatalf("groups cover %d tokens, want %d", total, len(ids))
	}
}

func TestSplitIntoWordsSpacelessScript(t *testing.T) {
	v := Basic()
	ids, err := v.Encode("你好")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 6 {
		t.Fatalf("expected one token per byte, got %d", len(ids))
	}
	words, groups := v.SplitIntoWords(ids, "zh")
	if !reflect.DeepEqual(words, []string{"你", "好"}) {
		t.Fatalf("unexpected words %q", words)
	}
	if len(groups[0]) != 3 || len(groups[1]) != 3 {
		t.Fatalf("expected 3 byte tokens per character, got %v", groups)
	}
}

func TestSplitIntoWordsInvalidBytes(t *testing.T) {
	v := Basic()
	cases := []struct {
		name string
		ids  []int
		want []string
	}{
		{name: "stray byte", ids: []int{0xFF, 0xE4, 0xBD, 0xA0, 0xE5, 0xA5, 0xBD}, want: []string{"\uFFFD", "你", "好"}},
		{name: "broken sequence", ids: []int{0xE4, 'a', 0xE5, 0xA5, 0xBD}, want: []string{"\uFFFDa", "好"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			words, groups := v.SplitIntoWords(tc.ids, "zh")
			if !reflect.DeepEqual(words, tc.want) {
				t.Fatalf("expected %q, got %q", tc.want, words)
			}
			total := 0
			for _, g := range groups {
				total += len(g)
			}
			if total != len(tc.ids) {
				t.Fatalf("groups cover %d tokens, want %d", total, len(tc.ids))
			}
		})
	}
}

func TestDecodeUnknownID(t *testing.T) {
	v := Basic()
	_, err := v.Decode([]int{40000}, false)
	if !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestDecodeRendersSpecialTokens(t *testing.T) {
	v := Basic()
	sp := v.Special()
	text, err := v.Decode([]int{sp.StartOfTranscript, sp.LanguageTokens["en"], sp.TranscribeToken, sp.TimestampBegin + 25}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "<|startoftranscript|><|en|><|transcribe|><|0.50|>" {
		t.Fatalf("unexpected rendering %q", text)
	}
}

func TestLoadByteLevelVocabulary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.json")
	data := `{"byte_level": true, "tokens": {"Ġhi": 0, "h": 1, "i": 2, "Ġ": 3, "!": 4},
	"special": {"end_token": 10, "start_of_transcript": 11, "timestamp_begin": 20, "special_token_begin": 10,
	"whitespace_token": 3, "vocabulary_size": 30, "language_tokens": {"en": 12}}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write vocab: %v", err)
	}
	v, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids, err := v.Encode(" hi!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(ids, []int{0, 4}) {
		t.Fatalf("expected longest match [0 4], got %v", ids)
	}
	if v.Special().TimestampBegin != 20 {
		t.Fatalf("expected special layout from file")
	}
}
