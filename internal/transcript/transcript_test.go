package transcript

import (
	"testing"
	"time"
)

func TestMergeRenumbersAndConcatenates(t *testing.T) {
	a := Result{
		Language: "en",
		Duration: 30,
		Segments: []Segment{{ID: 0, Start: 0, End: 2, Text: " Hello", Words: []Word{{Word: " Hello", Tokens: []int{1}, Start: 0, End: 1}}}},
		Timings:  Timings{Windows: 1, Tokens: 4, DecodeDuration: time.Second},
	}
	b := Result{
		Duration: 45,
		Segments: []Segment{{ID: 0, Start: 30, End: 32, Text: " world"}},
		Timings:  Timings{Windows: 1, Fallbacks: 2, Tokens: 4, DecodeDuration: time.Second},
	}

	merged := Merge(a, b)
	if merged.Text != " Hello world" {
		t.Fatalf("unexpected text %q", merged.Text)
	}
	if merged.Segments[1].ID != 1 {
		t.Fatalf("expected renumbered id 1, got %d", merged.Segments[1].ID)
	}
	if merged.Language != "en" || merged.Duration != 45 {
		t.Fatalf("unexpected language/duration %q %v", merged.Language, merged.Duration)
	}
	if merged.Timings.Windows != 2 || merged.Timings.Fallbacks != 2 || merged.Timings.TokensPerSecond != 4 {
		t.Fatalf("unexpected timings %+v", merged.Timings)
	}
	if len(merged.Words) != 1 {
		t.Fatalf("expected flattened words, got %d", len(merged.Words))
	}

	merged.Segments[0].Words[0].Word = "changed"
	if a.Segments[0].Words[0].Word != " Hello" {
		t.Fatalf("merge must not alias input words")
	}
}

func TestCleanText(t *testing.T) {
	got := CleanText("<|startoftranscript|><|en|><|0.00|> Hello   there <|4.00|>")
	if got != "Hello there" {
		t.Fatalf("unexpected cleaned text %q", got)
	}
}
