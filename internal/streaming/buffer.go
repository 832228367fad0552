package streaming

import (
	"math"
	"sync"
)

// DefaultSampleRate is the rate every model window expects.
const DefaultSampleRate = 16000

// energyFloorDB maps to relative energy 0; full scale maps to 1.
const energyFloorDB = -60.0

// AudioBuffer is a growing mono float32 buffer with one writer and one
// reader. Samples are never modified once appended, so readers take a
// snapshot of the current length instead of copying.
type AudioBuffer struct {
	mu         sync.Mutex
	sampleRate int
	chunk      int
	samples    []float32
	energy     []float64
}

// NewAudioBuffer returns an empty buffer. Relative energy is tracked per
// 100 ms chunk.
func NewAudioBuffer(sampleRate int) *AudioBuffer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &AudioBuffer{sampleRate: sampleRate, chunk: sampleRate / 10}
}

func (b *AudioBuffer) SampleRate() int { return b.sampleRate }

// Append adds samples and updates the energy of every completed chunk.
func (b *AudioBuffer) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, samples...)
	for done := len(b.energy) * b.chunk; done+b.chunk <= len(b.samples); done += b.chunk {
		b.energy = append(b.energy, relativeEnergy(b.samples[done:done+b.chunk]))
	}
}

// AppendPCM16 appends little-endian signed 16-bit PCM.
func (b *AudioBuffer) AppendPCM16(pcm []byte) {
	b.Append(PCM16ToFloat(pcm))
}

// Len reports the number of samples appended so far.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Seconds reports the buffered duration.
func (b *AudioBuffer) Seconds() float64 {
	return float64(b.Len()) / float64(b.sampleRate)
}

// Snapshot returns the samples appended so far. The returned slice is capped
// at its length, so later appends never show through it.
func (b *AudioBuffer) Snapshot() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.samples)
	return b.samples[:n:n]
}

// RelativeEnergy returns the energy of each completed chunk in [0, 1].
func (b *AudioBuffer) RelativeEnergy() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float64(nil), b.energy...)
}

// VoiceDetected reports whether any completed chunk overlapping samples at or
// after since rises above threshold.
func (b *AudioBuffer) VoiceDetected(since int, threshold float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	first := 0
	if since > 0 {
		first = since / b.chunk
	}
	for i := first; i < len(b.energy); i++ {
		if b.energy[i] > threshold {
			return true
		}
	}
	return false
}

// EnergySeries computes relative energy for consecutive 100 ms chunks of
// samples. A trailing partial chunk is included.
func EnergySeries(samples []float32, sampleRate int) []float64 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	chunk := sampleRate / 10
	out := make([]float64, 0, len(samples)/chunk+1)
	for start := 0; start < len(samples); start += chunk {
		end := min(start+chunk, len(samples))
		out = append(out, relativeEnergy(samples[start:end]))
	}
	return out
}

func relativeEnergy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	rel := (db - energyFloorDB) / -energyFloorDB
	return math.Max(0, math.Min(1, rel))
}

// PCM16ToFloat converts little-endian signed 16-bit PCM to [-1, 1) floats.
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out
}
