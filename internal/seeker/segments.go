package seeker

import "github.com/loqalabs/loqa-transcribe/internal/decoding"

// Span is one timestamp-delimited piece of a window, in window-relative seconds.
// tokens[From:To] holds the whole slice including its timestamp tokens.
type Span struct {
	Start, End float64
	From, To   int
}

// SplitSegments cuts tokens at consecutive timestamp pairs and returns how far
// the window was consumed. A window ending on a lone timestamp was consumed in
// full; otherwise decoding resumes at the last closing timestamp.
func SplitSegments(tokens []int, sp decoding.SpecialTokens, windowSeconds float64) ([]Span, float64) {
	n := len(tokens)
	if n == 0 {
		return nil, windowSeconds
	}
	isTS := func(i int) bool { return sp.IsTimestamp(tokens[i]) }
	singleEnding := n >= 2 && !isTS(n-2) && isTS(n-1)

	var consecutive []int
	for i := 1; i < n; i++ {
		if isTS(i-1) && isTS(i) {
			consecutive = append(consecutive, i)
		}
	}

	if len(consecutive) == 0 {
		duration := windowSeconds
		last := -1
		for i := range tokens {
			if isTS(i) {
				last = tokens[i]
			}
		}
		if last >= 0 && last != sp.TimestampBegin {
			duration = sp.TimestampSeconds(last)
		}
		return []Span{{Start: 0, End: duration, From: 0, To: n}}, windowSeconds
	}

	slices := consecutive
	if singleEnding {
		slices = append(slices, n)
	}
	var spans []Span
	lastSlice := 0
	prevEnd := 0.0
	for _, cur := range slices {
		s := Span{From: lastSlice, To: cur, Start: prevEnd, End: prevEnd}
		if isTS(lastSlice) {
			s.Start = sp.TimestampSeconds(tokens[lastSlice])
		}
		if isTS(cur - 1) {
			s.End = sp.TimestampSeconds(tokens[cur-1])
		}
		if s.End < s.Start {
			s.End = s.Start
		}
		spans = append(spans, s)
		prevEnd = s.End
		lastSlice = cur
	}

	if singleEnding {
		return spans, windowSeconds
	}
	return spans, sp.TimestampSeconds(tokens[lastSlice-1])
}

// textTokens lists the indices of ordinary text tokens in tokens[from:to].
func textTokens(tokens []int, sp decoding.SpecialTokens, from, to int) []int {
	var idx []int
	for i := from; i < to; i++ {
		if !sp.IsSpecial(tokens[i]) {
			idx = append(idx, i)
		}
	}
	return idx
}
