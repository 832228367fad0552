package decoding

import "testing"

func TestSampleGreedyPicksLowestIDOnTie(t *testing.T) {
	s := NewSampler(0, 1)
	got := s.Sample([]float32{0.1, 0.9, 0.9, 0.2}, 0)
	if got != 1 {
		t.Fatalf("expected id 1, got %d", got)
	}
}

func TestSampleAllNegativeInfinity(t *testing.T) {
	s := NewSampler(0, 1)
	scores := []float32{negInf, negInf, negInf}
	if got := s.Sample(scores, 0); got != 0 {
		t.Fatalf("expected 0 at temperature 0, got %d", got)
	}
	if got := s.Sample(scores, 0.7); got != 0 {
		t.Fatalf("expected 0 at temperature 0.7, got %d", got)
	}
}

func TestSampleTopKOne(t *testing.T) {
	s := NewSampler(1, 42)
	scores := []float32{0.5, 3, 2.9, negInf}
	for i := 0; i < 50; i++ {
		if got := s.Sample(scores, 1.0); got != 1 {
			t.Fatalf("expected top-1 sampling to return 1, got %d", got)
		}
	}
}

func TestSampleNeverPicksMaskedIDs(t *testing.T) {
	s := NewSampler(0, 7)
	scores := []float32{negInf, 1, negInf, 1}
	for i := 0; i < 200; i++ {
		got := s.Sample(scores, 1.0)
		if got != 1 && got != 3 {
			t.Fatalf("sampled masked id %d", got)
		}
	}
}

func TestSampleReproducibleWithSeed(t *testing.T) {
	scores := []float32{1, 1.2, 0.8, 1.1, 0.9}
	a := NewSampler(0, 99)
	b := NewSampler(0, 99)
	for i := 0; i < 100; i++ {
		x, y := a.Sample(scores, 1.0), b.Sample(scores, 1.0)
		if x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}
}
