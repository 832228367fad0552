// Package wer scores transcripts against references with word error rate
// and produces word-level diffs.
package wer

import "strings"

// Score is the outcome of one evaluation.
type Score struct {
	WER float64 `json:"wer"`
	Counts
	// Operations is the number of diff entries returned alongside the score.
	Operations int    `json:"operations"`
	Alignment  []Edit `json:"alignment,omitempty"`
}

type options struct {
	normalizer Normalizer
	hirschberg bool
}

type Option func(*options)

// WithHirschberg aligns without building the full edit distance table.
func WithHirschberg() Option {
	return func(o *options) { o.hirschberg = true }
}

func WithNormalizer(n Normalizer) Option {
	return func(o *options) {
		if n != nil {
			o.normalizer = n
		}
	}
}

// Evaluate normalizes both texts and computes WER = (S+D+I)/(H+S+D) over
// their words. An empty reference scores 0 against an empty hypothesis and 1
// against anything else. The diff covers the normalized texts.
func Evaluate(reference, hypothesis string, opts ...Option) (Score, []Operation) {
	o := options{normalizer: BasicNormalizer{}}
	for _, opt := range opts {
		opt(&o)
	}
	ref := o.normalizer.Normalize(reference)
	hyp := o.normalizer.Normalize(hypothesis)
	refWords, hypWords := strings.Fields(ref), strings.Fields(hyp)

	var edits []Edit
	if o.hirschberg {
		edits = Hirschberg(refWords, hypWords)
	} else {
		edits = WagnerFischer(refWords, hypWords)
	}

	score := Score{Counts: CountEdits(edits), Alignment: edits}
	switch total := score.Hits + score.Substitutions + score.Deletions; {
	case total > 0:
		score.WER = float64(score.Errors()) / float64(total)
	case score.Insertions > 0:
		score.WER = 1
	}

	diff := Diff(ref, hyp)
	score.Operations = len(diff)
	return score, diff
}
