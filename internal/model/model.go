// Package model provides the inference backends behind decoding.Inference.
package model

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"github.com/loqalabs/loqa-transcribe/internal/tokenizer"
)

// SampleRate is the input rate of every backend.
const SampleRate = 16000

// WindowSeconds is the longest audio a single cache can hold.
const WindowSeconds = 30.0

// Model runs the decoder over an encoded window. A cache created by NewCache
// belongs to one window and one goroutine at a time.
type Model interface {
	decoding.Inference
	NewCache(ctx context.Context, samples []float32) (decoding.Cache, error)
	Multilingual() bool
	Close() error
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.ModelConfig, tok tokenizer.Tokenizer, logger *slog.Logger) (Model, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMock(cfg, tok)
	case "exec":
		return NewExec(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown model mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
