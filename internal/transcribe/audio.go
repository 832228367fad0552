package transcribe

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcribe/internal/model"
)

// ErrUnreadableAudio marks batch input that is missing or cannot be decoded.
var ErrUnreadableAudio = errors.New("unreadable audio")

// LoadWAV reads a PCM WAV file as 16 kHz mono samples in [-1, 1]. Channels
// are averaged and other sample rates are linearly resampled.
func LoadWAV(path string) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableAudio, err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not a PCM wav file", ErrUnreadableAudio, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableAudio, err)
	}
	channels := int(dec.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	if channels <= 0 || dec.BitDepth == 0 || dec.SampleRate == 0 {
		return nil, fmt.Errorf("%w: %s has an invalid format", ErrUnreadableAudio, path)
	}

	scale := float32(int64(1) << (dec.BitDepth - 1))
	mono := make([]float32, len(buf.Data)/channels)
	for i := range mono {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return resample(mono, int(dec.SampleRate), model.SampleRate), nil
}

func resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}
