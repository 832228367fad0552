package decoding

import (
	"math"
	"math/rand/v2"
	"sort"
)

// Sampler picks the next token from filtered scores. It is not safe for
// concurrent use; each decoding loop owns one.
type Sampler struct {
	topK int
	rng  *rand.Rand
}

// NewSampler returns a sampler restricted to the topK best ids (0 means all)
// drawing from a generator seeded with seed.
func NewSampler(topK int, seed uint64) *Sampler {
	return &Sampler{
		topK: topK,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Sample returns argmax at temperature 0 (lowest id on ties) and otherwise
// draws proportionally to exp(score/temperature). A vector with no finite
// entry yields 0.
func (s *Sampler) Sample(scores []float32, temperature float64) int {
	if temperature <= 0 {
		return argmax(scores)
	}

	candidates := make([]int, 0, len(scores))
	for i, v := range scores {
		if !math.IsInf(float64(v), -1) && !math.IsNaN(float64(v)) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return scores[candidates[a]] > scores[candidates[b]]
	})
	if s.topK > 0 && len(candidates) > s.topK {
		candidates = candidates[:s.topK]
	}

	best := float64(scores[candidates[0]])
	weights := make([]float64, len(candidates))
	var total float64
	for i, id := range candidates {
		w := math.Exp((float64(scores[id]) - best) / temperature)
		weights[i] = w
		total += w
	}
	if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return candidates[0]
	}

	r := s.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

func argmax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}
