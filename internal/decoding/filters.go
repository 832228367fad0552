package decoding

import "math"

var negInf = float32(math.Inf(-1))

// LogitsFilter constrains the score vector before sampling. tokens holds the
// full sequence fed to the decoder so far (prompt followed by generated ids).
// Implementations modify scores in place and return it.
type LogitsFilter interface {
	Filter(scores []float32, tokens []int) []float32
}

// FilterChain applies filters in order.
type FilterChain []LogitsFilter

func (c FilterChain) Filter(scores []float32, tokens []int) []float32 {
	for _, f := range c {
		scores = f.Filter(scores, tokens)
	}
	return scores
}

// SuppressTokensFilter masks a fixed set of ids at every step.
type SuppressTokensFilter struct {
	IDs []int
}

func (f SuppressTokensFilter) Filter(scores []float32, _ []int) []float32 {
	for _, id := range f.IDs {
		if id >= 0 && id < len(scores) {
			scores[id] = negInf
		}
	}
	return scores
}

// SuppressBlankFilter keeps the first generated token from being the end
// token or a bare space.
type SuppressBlankFilter struct {
	EndToken        int
	WhitespaceToken int
	SampleBegin     int
}

func (f SuppressBlankFilter) Filter(scores []float32, tokens []int) []float32 {
	if len(tokens) != f.SampleBegin {
		return scores
	}
	mask(scores, f.EndToken)
	mask(scores, f.WhitespaceToken)
	return scores
}

// LanguageLogitsFilter restricts the first generated token to language ids.
type LanguageLogitsFilter struct {
	Allowed     []int
	SampleBegin int
}

func (f LanguageLogitsFilter) Filter(scores []float32, tokens []int) []float32 {
	if len(tokens) != f.SampleBegin {
		return scores
	}
	keep := make(map[int]struct{}, len(f.Allowed))
	for _, id := range f.Allowed {
		keep[id] = struct{}{}
	}
	for i := range scores {
		if _, ok := keep[i]; !ok {
			scores[i] = negInf
		}
	}
	return scores
}

// TimestampRulesFilter enforces the timestamp grammar: timestamps come in
// non-decreasing pairs around text, and the first one may not exceed
// MaxInitialTimestampIndex. On multilingual models the rules start after the
// task token so language detection is left alone.
type TimestampRulesFilter struct {
	Special                  SpecialTokens
	SampleBegin              int
	MaxInitialTimestampIndex *int
	Multilingual             bool
}

func (f TimestampRulesFilter) Filter(scores []float32, tokens []int) []float32 {
	begin, ok := f.activeFrom(tokens)
	if !ok {
		return scores
	}
	tsBegin := f.Special.TimestampBegin
	mask(scores, f.Special.NoTimestampsToken)

	sampled := tokens[begin:]
	n := len(sampled)
	lastWasTimestamp := n >= 1 && f.Special.IsTimestamp(sampled[n-1])
	penultimateWasTimestamp := n < 2 || f.Special.IsTimestamp(sampled[n-2])
	if lastWasTimestamp {
		if penultimateWasTimestamp {
			fill(scores, tsBegin, len(scores))
		} else {
			fill(scores, 0, f.Special.EndToken)
		}
	}

	lastTimestamp := -1
	for _, id := range sampled {
		if f.Special.IsTimestamp(id) {
			lastTimestamp = id
		}
	}
	if lastTimestamp >= 0 {
		limit := lastTimestamp + 1
		if lastWasTimestamp && !penultimateWasTimestamp {
			limit = lastTimestamp
		}
		fill(scores, tsBegin, limit)
	}

	if n == 0 {
		fill(scores, 0, tsBegin)
		if f.MaxInitialTimestampIndex != nil {
			fill(scores, tsBegin+*f.MaxInitialTimestampIndex+1, len(scores))
		}
	}

	if tsBegin < len(scores) && logSumExp(scores[tsBegin:]) > maxOf(scores[:tsBegin]) {
		fill(scores, 0, tsBegin)
	}
	return scores
}

func (f TimestampRulesFilter) activeFrom(tokens []int) (int, bool) {
	if len(tokens) < f.SampleBegin {
		return 0, false
	}
	if !f.Multilingual {
		return f.SampleBegin, true
	}
	for i := len(tokens) - 1; i >= 0; i-- {
		if f.Special.IsTask(tokens[i]) {
			if i+1 > f.SampleBegin {
				return i + 1, true
			}
			return f.SampleBegin, true
		}
	}
	return 0, false
}

// NewFilterChain assembles the filters implied by opts in their fixed order.
// detectLanguage adds the language restriction for prompts that stop at the
// start-of-transcript token.
func NewFilterChain(opts Options, special SpecialTokens, sampleBegin int, multilingual, detectLanguage bool) FilterChain {
	var chain FilterChain
	if len(opts.SuppressTokens) > 0 {
		chain = append(chain, SuppressTokensFilter{IDs: opts.SuppressTokens})
	}
	if opts.SuppressBlank {
		chain = append(chain, SuppressBlankFilter{
			EndToken:        special.EndToken,
			WhitespaceToken: special.WhitespaceToken,
			SampleBegin:     sampleBegin,
		})
	}
	if detectLanguage {
		chain = append(chain, LanguageLogitsFilter{Allowed: special.LanguageIDs(), SampleBegin: sampleBegin})
	}
	if !opts.WithoutTimestamps {
		chain = append(chain, TimestampRulesFilter{
			Special:                  special,
			SampleBegin:              sampleBegin,
			MaxInitialTimestampIndex: opts.MaxInitialTimestampIndex,
			Multilingual:             multilingual,
		})
	}
	return chain
}

func mask(scores []float32, id int) {
	if id >= 0 && id < len(scores) {
		scores[id] = negInf
	}
}

func fill(scores []float32, from, to int) {
	if from < 0 {
		from = 0
	}
	if to > len(scores) {
		to = len(scores)
	}
	for i := from; i < to; i++ {
		scores[i] = negInf
	}
}

func maxOf(scores []float32) float64 {
	best := math.Inf(-1)
	for _, s := range scores {
		if float64(s) > best {
			best = float64(s)
		}
	}
	return best
}

func logSumExp(scores []float32) float64 {
	m := maxOf(scores)
	if math.IsInf(m, -1) {
		return m
	}
	var sum float64
	for _, s := range scores {
		sum += math.Exp(float64(s) - m)
	}
	return m + math.Log(sum)
}

// logSoftmaxAt returns log p(id) under softmax(scores).
func logSoftmaxAt(scores []float32, id int) float64 {
	if id < 0 || id >= len(scores) {
		return math.Inf(-1)
	}
	lse := logSumExp(scores)
	if math.IsInf(lse, -1) {
		return math.Inf(-1)
	}
	return float64(scores[id]) - lse
}
