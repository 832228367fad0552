package seeker

import (
	"math"

	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"github.com/loqalabs/loqa-transcribe/internal/tokenizer"
	"github.com/loqalabs/loqa-transcribe/internal/transcript"
)

// AlignWords assigns times to the words formed by ids. logProbs and attention
// are indexed like ids; attention rows hold one weight per audio frame of
// decoding.SecondsPerTimestamp seconds. Times are relative to the window and
// fall back to an even spread over [start, end] when attention is missing.
func AlignWords(tok tokenizer.Tokenizer, ids []int, logProbs []float64, attention [][]float32, language string, start, end float64) []transcript.Word {
	return alignWords(tok, ids, logProbs, nil, attention, language, start, end)
}

// alignWords runs the DTW over lead followed by the rows of ids, so that
// tokens forced before ids (a decode prefix) claim their share of the audio
// first. Only the words of ids are returned.
func alignWords(tok tokenizer.Tokenizer, ids []int, logProbs []float64, lead, attention [][]float32, language string, start, end float64) []transcript.Word {
	if len(ids) == 0 {
		return nil
	}
	texts, groups := tok.SplitIntoWords(ids, language)
	if len(texts) == 0 {
		return nil
	}

	words := make([]transcript.Word, len(texts))
	pos := 0
	for i, group := range groups {
		var sum float64
		for k := range group {
			if pos+k < len(logProbs) {
				sum += math.Exp(logProbs[pos+k])
			}
		}
		words[i] = transcript.Word{
			Word:        texts[i],
			Tokens:      append([]int(nil), group...),
			Probability: sum / float64(len(group)),
		}
		pos += len(group)
	}

	jumps, last, ok := jumpTimes(lead, attention, len(ids))
	if !ok {
		spreadEvenly(words, start, end)
		return words
	}

	boundary := 0
	for i := range words {
		words[i].Start = jumps[boundary]
		boundary += len(words[i].Tokens)
		if boundary < len(jumps) {
			words[i].End = jumps[boundary]
		} else {
			words[i].End = last
		}
		if words[i].End < words[i].Start {
			words[i].End = words[i].Start
		}
	}
	return words
}

// jumpTimes returns, for every one of the first rows attention rows, the
// time at which the DTW path first reaches it, plus the end of the last frame
// the path visits. The path starts on the lead rows.
func jumpTimes(lead, attention [][]float32, rows int) ([]float64, float64, bool) {
	if len(attention) < rows {
		return nil, 0, false
	}
	all := append(append(make([][]float32, 0, len(lead)+rows), lead...), attention[:rows]...)
	frames := 0
	for _, row := range all {
		if len(row) == 0 {
			return nil, 0, false
		}
		if len(row) > frames {
			frames = len(row)
		}
	}

	textIdx, timeIdx := DTW(prepareWeights(all, frames))
	if len(textIdx) == 0 {
		return nil, 0, false
	}
	jumps := make([]float64, 0, len(all))
	prev := -1
	for k, ti := range textIdx {
		if ti != prev {
			jumps = append(jumps, float64(timeIdx[k])*decoding.SecondsPerTimestamp)
			prev = ti
		}
	}
	if len(jumps) != len(all) {
		return nil, 0, false
	}
	last := float64(timeIdx[len(timeIdx)-1]+1) * decoding.SecondsPerTimestamp
	return jumps[len(lead):], last, true
}

func spreadEvenly(words []transcript.Word, start, end float64) {
	if end < start {
		end = start
	}
	step := (end - start) / float64(len(words))
	for i := range words {
		words[i].Start = start + step*float64(i)
		words[i].End = start + step*float64(i+1)
	}
}
