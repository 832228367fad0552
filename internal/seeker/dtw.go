package seeker

import (
	"math"
	"sort"
)

// DTW aligns text tokens (rows) to audio frames (columns) of an alignment
// weight matrix, higher meaning more aligned. The returned path starts at
// (0,0), ends at (rows-1, cols-1) and advances each index by at most one per
// step.
func DTW(weights [][]float64) (textIndices, timeIndices []int) {
	n := len(weights)
	if n == 0 || len(weights[0]) == 0 {
		return nil, nil
	}
	m := len(weights[0])

	inf := math.Inf(1)
	cost := make([][]float64, n+1)
	trace := make([][]int8, n+1)
	for i := range cost {
		cost[i] = make([]float64, m+1)
		trace[i] = make([]int8, m+1)
		for j := range cost[i] {
			cost[i][j] = inf
			trace[i][j] = -1
		}
	}
	cost[0][0] = 0

	for j := 1; j <= m; j++ {
		for i := 1; i <= n; i++ {
			c0 := cost[i-1][j-1]
			c1 := cost[i-1][j]
			c2 := cost[i][j-1]
			var c float64
			var t int8
			switch {
			case c0 < c1 && c0 < c2:
				c, t = c0, 0
			case c1 < c0 && c1 < c2:
				c, t = c1, 1
			default:
				c, t = c2, 2
			}
			cost[i][j] = -weights[i-1][j-1] + c
			trace[i][j] = t
		}
	}

	for j := range trace[0] {
		trace[0][j] = 2
	}
	for i := range trace {
		trace[i][0] = 1
	}

	i, j := n, m
	for i > 0 || j > 0 {
		textIndices = append(textIndices, i-1)
		timeIndices = append(timeIndices, j-1)
		switch trace[i][j] {
		case 0:
			i--
			j--
		case 1:
			i--
		default:
			j--
		}
	}
	reverse(textIndices)
	reverse(timeIndices)
	return trimSentinel(textIndices, timeIndices)
}

// trimSentinel drops leading points that fall outside the matrix (index -1).
func trimSentinel(text, time []int) ([]int, []int) {
	k := 0
	for k < len(text) && (text[k] < 0 || time[k] < 0) {
		k++
	}
	return text[k:], time[k:]
}

func reverse(s []int) {
	for a, b := 0, len(s)-1; a < b; a, b = a+1, b-1 {
		s[a], s[b] = s[b], s[a]
	}
}

// prepareWeights turns raw cross-attention into DTW weights: each frame is
// standardized across tokens, then every token row is median filtered.
func prepareWeights(rows [][]float32, frames int) [][]float64 {
	n := len(rows)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, frames)
		for j := 0; j < frames && j < len(rows[i]); j++ {
			out[i][j] = float64(rows[i][j])
		}
	}
	if n > 1 {
		for j := 0; j < frames; j++ {
			var mean float64
			for i := 0; i < n; i++ {
				mean += out[i][j]
			}
			mean /= float64(n)
			var variance float64
			for i := 0; i < n; i++ {
				d := out[i][j] - mean
				variance += d * d
			}
			std := math.Sqrt(variance / float64(n))
			if std == 0 {
				std = 1
			}
			for i := 0; i < n; i++ {
				out[i][j] = (out[i][j] - mean) / std
			}
		}
	}
	for i := range out {
		out[i] = medianFilter(out[i], 7)
	}
	return out
}

func medianFilter(row []float64, width int) []float64 {
	half := width / 2
	out := make([]float64, len(row))
	window := make([]float64, 0, width)
	for j := range row {
		window = window[:0]
		for k := j - half; k <= j+half; k++ {
			if k >= 0 && k < len(row) {
				window = append(window, row[k])
			}
		}
		sort.Float64s(window)
		out[j] = window[len(window)/2]
	}
	return out
}
