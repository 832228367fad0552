package wer

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"
)

const (
	exampleRef = "This is some basic text"
	exampleHyp = "This is edited text with some words added replaced and deleted"
)

func TestEvaluateExample(t *testing.T) {
	for _, name := range []string{"wagner-fischer", "hirschberg"} {
		t.Run(name, func(t *testing.T) {
			var opts []Option
			if name == "hirschberg" {
				opts = append(opts, WithHirschberg())
			}
			score, diff := Evaluate(exampleRef, exampleHyp, opts...)
			if math.Abs(score.WER-1.7) > 0.1+1e-9 {
				t.Fatalf("expected WER close to 1.7, got %v", score.WER)
			}
			if score.Errors() != 8 || score.Hits+score.Substitutions+score.Deletions != 5 {
				t.Fatalf("unexpected counts %+v", score.Counts)
			}
			if len(diff) != 23 || score.Operations != 23 {
				t.Fatalf("expected 23 diff operations, got %d", len(diff))
			}
		})
	}
}

func TestDiffExampleShape(t *testing.T) {
	diff := Diff("this is some basic text", "this is edited text with some words added replaced and deleted")
	counts := map[DiffKind]int{}
	var ref, hyp strings.Builder
	for _, op := range diff {
		counts[op.Kind]++
		if op.Kind != DiffInsert {
			ref.WriteString(op.Text)
		}
		if op.Kind != DiffDelete {
			hyp.WriteString(op.Text)
		}
	}
	if counts[DiffEqual] != 7 || counts[DiffDelete] != 2 || counts[DiffInsert] != 14 {
		t.Fatalf("unexpected diff shape %v", counts)
	}
	if ref.String() != "this is some basic text" {
		t.Fatalf("diff does not rebuild reference: %q", ref.String())
	}
	if hyp.String() != "this is edited text with some words added replaced and deleted" {
		t.Fatalf("diff does not rebuild hypothesis: %q", hyp.String())
	}
}

func TestEvaluateEdgeCases(t *testing.T) {
	cases := []struct {
		name string
		ref  string
		hyp  string
		want float64
	}{
		{name: "identical after normalization", ref: "Hello, World!", hyp: "hello world", want: 0},
		{name: "both empty", ref: "", hyp: "  ", want: 0},
		{name: "empty reference", ref: "", hyp: "noise", want: 1},
		{name: "empty hypothesis", ref: "one two", hyp: "", want: 1},
		{name: "one substitution", ref: "a b c d", hyp: "a x c d", want: 0.25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, _ := Evaluate(tc.ref, tc.hyp)
			if math.Abs(score.WER-tc.want) > 1e-9 {
				t.Fatalf("expected %v, got %v (%+v)", tc.want, score.WER, score.Counts)
			}
		})
	}
}

func TestHirschbergMatchesWagnerFischer(t *testing.T) {
	vocab := []string{"a", "b", "c", "d", "e"}
	rng := rand.New(rand.NewPCG(1, 2))
	randomWords := func() []string {
		out := make([]string, rng.IntN(12))
		for i := range out {
			out[i] = vocab[rng.IntN(len(vocab))]
		}
		return out
	}

	pairs := [][2][]string{
		{{"a", "b"}, {"b", "a"}},
		{{"a", "b", "c"}, {"c", "b", "a"}},
		{{"a", "a", "b"}, {"b", "a", "a", "a"}},
	}
	for round := 0; round < 300; round++ {
		pairs = append(pairs, [2][]string{randomWords(), randomWords()})
	}

	for _, pair := range pairs {
		ref, hyp := pair[0], pair[1]
		wf := WagnerFischer(ref, hyp)
		hb := Hirschberg(ref, hyp)
		if len(hb) != len(wf) {
			t.Fatalf("ref=%v hyp=%v: hirschberg %d edits, wagner-fischer %d", ref, hyp, len(hb), len(wf))
		}
		if got, want := CountEdits(hb), CountEdits(wf); got != want {
			t.Fatalf("ref=%v hyp=%v: hirschberg %+v, wagner-fischer %+v", ref, hyp, got, want)
		}
		for i := range wf {
			if hb[i] != wf[i] {
				t.Fatalf("ref=%v hyp=%v: edit %d differs: %+v vs %+v", ref, hyp, i, hb[i], wf[i])
			}
		}
	}
}

func TestEvaluateAlignersAgree(t *testing.T) {
	plain, _ := Evaluate("a b", "b a")
	linear, _ := Evaluate("a b", "b a", WithHirschberg())
	if plain.Counts != linear.Counts || plain.Counts.Substitutions != 2 {
		t.Fatalf("expected two substitutions from both aligners, got %+v and %+v", plain.Counts, linear.Counts)
	}
}

func TestNormalizers(t *testing.T) {
	cases := []struct {
		name       string
		normalizer Normalizer
		in         string
		want       string
	}{
		{name: "basic punctuation", normalizer: BasicNormalizer{}, in: "Hello,   World!", want: "hello world"},
		{name: "basic compatibility forms", normalizer: BasicNormalizer{}, in: "ＡＢＣ ﬁne", want: "abc fine"},
		{name: "basic unicode case", normalizer: BasicNormalizer{}, in: "ÉCOLE", want: "école"},
		{name: "english contractions", normalizer: EnglishNormalizer{}, in: "They're sure I can't", want: "they are sure i can not"},
		{name: "english numerals", normalizer: EnglishNormalizer{}, in: "Count to 3, not 21.", want: "count to three not 21"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.normalizer.Normalize(tc.in); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNormalizerByName(t *testing.T) {
	if _, err := NormalizerByName("english"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NormalizerByName("klingon"); err == nil {
		t.Fatalf("expected error for unknown normalizer")
	}
}
