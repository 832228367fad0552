package model

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"github.com/mattn/go-shellwords"
)

// ErrBackendExited is returned when the model process closes its output.
var ErrBackendExited = errors.New("model process exited")

var errStaleCache = errors.New("cache belongs to a previous model process")

var _ decoding.Prefiller = (*Exec)(nil)

const defaultDrainTimeout = 30 * time.Second

// Exec drives an external model process over newline-delimited JSON on its
// stdin/stdout. One process serves every caller, one request at a time.
// A cancelled request returns at once while its reply is drained in the
// background, so the process and the caches of other callers survive. The
// process is only restarted when it dies or the drained reply is overdue;
// caches from an earlier process re-encode their window on next use.
type Exec struct {
	args         []string
	cfg          config.ModelConfig
	logger       *slog.Logger
	multilingual bool
	drainTimeout time.Duration
	noPrefill    atomic.Bool

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	generation int
}

type execCache struct {
	handle     string
	generation int
	samples    []float32
}

func (c *execCache) Reset() {}

type execRequest struct {
	Op     string `json:"op"`
	Audio  string `json:"audio,omitempty"`
	Cache  string `json:"cache,omitempty"`
	Tokens []int  `json:"tokens,omitempty"`
}

type execResponse struct {
	Cache        string      `json:"cache"`
	Logits       []float32   `json:"logits"`
	Attention    [][]float32 `json:"attention"`
	NoSpeechProb float64     `json:"no_speech_prob"`
	Error        string      `json:"error"`
}

func NewExec(cfg config.ModelConfig, logger *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Exec{
		args:         args,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "model-exec")),
		multilingual: cfg.Multilingual,
		drainTimeout: defaultDrainTimeout,
	}, nil
}

func (e *Exec) Multilingual() bool { return e.multilingual }

// NewCache hands the window to the process as a 16-bit WAV file and keeps the
// returned encoder handle.
func (e *Exec) NewCache(ctx context.Context, samples []float32) (decoding.Cache, error) {
	c := &execCache{samples: samples}
	if err := e.encode(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Exec) encode(ctx context.Context, c *execCache) error {
	file, err := os.CreateTemp("", "loqa_window_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if err := writeSamplesToWav(file, c.samples); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close wav: %w", err)
	}

	resp, gen, err := e.roundTrip(ctx, execRequest{Op: "encode", Audio: file.Name()}, -1)
	if err != nil {
		return fmt.Errorf("encode window: %w", err)
	}
	c.handle, c.generation = resp.Cache, gen
	return nil
}

func (e *Exec) DecodeStep(ctx context.Context, cache decoding.Cache, tokens []int) (decoding.StepOutput, error) {
	c, ok := cache.(*execCache)
	if !ok {
		return decoding.StepOutput{}, fmt.Errorf("exec model: foreign cache %T", cache)
	}
	resp, err := e.call(ctx, c, execRequest{Op: "decode", Tokens: tokens})
	if err != nil {
		return decoding.StepOutput{}, err
	}
	return decoding.StepOutput{Logits: resp.Logits, Attention: resp.Attention, NoSpeechProb: resp.NoSpeechProb}, nil
}

// Prefill sends the prompt ahead of the first step. A process that rejects
// the op is not asked again and decodes from the full token list instead.
func (e *Exec) Prefill(ctx context.Context, cache decoding.Cache, prompt []int) error {
	if e.noPrefill.Load() {
		return nil
	}
	c, ok := cache.(*execCache)
	if !ok {
		return fmt.Errorf("exec model: foreign cache %T", cache)
	}
	_, err := e.call(ctx, c, execRequest{Op: "prefill", Tokens: prompt})
	var rejected *replyError
	if errors.As(err, &rejected) {
		e.noPrefill.Store(true)
		e.logger.Debug("model process does not prefill", slog.String("reason", rejected.msg))
		return nil
	}
	return err
}

// call sends req for c. A cache from an earlier process re-encodes its
// window once and the request is retried.
func (e *Exec) call(ctx context.Context, c *execCache, req execRequest) (execResponse, error) {
	req.Cache = c.handle
	resp, _, err := e.roundTrip(ctx, req, c.generation)
	if errors.Is(err, errStaleCache) {
		e.logger.Debug("re-encoding window after model restart")
		if err := e.encode(ctx, c); err != nil {
			return execResponse{}, err
		}
		req.Cache = c.handle
		resp, _, err = e.roundTrip(ctx, req, c.generation)
	}
	return resp, err
}

func (e *Exec) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

// replyError is an error the process reported for a request.
type replyError struct {
	op  string
	msg string
}

func (e *replyError) Error() string { return fmt.Sprintf("model %s: %s", e.op, e.msg) }

type readResult struct {
	line []byte
	err  error
}

// roundTrip sends one request and waits for its reply. A generation of -1
// accepts any process; otherwise the request is refused with errStaleCache
// when the process has been restarted since.
func (e *Exec) roundTrip(ctx context.Context, req execRequest, generation int) (execResponse, int, error) {
	if err := ctx.Err(); err != nil {
		return execResponse{}, 0, err
	}
	e.mu.Lock()
	if err := e.startLocked(); err != nil {
		e.mu.Unlock()
		return execResponse{}, 0, err
	}
	gen := e.generation
	if generation >= 0 && generation != gen {
		e.mu.Unlock()
		return execResponse{}, gen, errStaleCache
	}
	line, err := json.Marshal(req)
	if err != nil {
		e.mu.Unlock()
		return execResponse{}, gen, fmt.Errorf("marshal model request: %w", err)
	}
	if _, err := e.stdin.Write(append(line, '\n')); err != nil {
		_ = e.stopLocked()
		e.mu.Unlock()
		return execResponse{}, gen, fmt.Errorf("write model request: %w", err)
	}

	done := make(chan readResult, 1)
	stdout := e.stdout
	go func() {
		line, err := stdout.ReadBytes('\n')
		done <- readResult{line: line, err: err}
	}()

	var r readResult
	select {
	case <-ctx.Done():
		// the lock passes to drain until the owed reply is consumed
		go e.drain(done)
		return execResponse{}, gen, ctx.Err()
	case r = <-done:
	}
	defer e.mu.Unlock()
	if r.err != nil {
		_ = e.stopLocked()
		if errors.Is(r.err, io.EOF) {
			return execResponse{}, gen, ErrBackendExited
		}
		return execResponse{}, gen, fmt.Errorf("read model response: %w", r.err)
	}

	var resp execResponse
	if err := json.Unmarshal(r.line, &resp); err != nil {
		return execResponse{}, gen, fmt.Errorf("decode model response: %w", err)
	}
	if resp.Error != "" {
		return execResponse{}, gen, &replyError{op: req.Op, msg: resp.Error}
	}
	return resp, gen, nil
}

// drain consumes the reply of a cancelled request and releases e.mu. A
// reply that does not arrive within drainTimeout restarts the process.
func (e *Exec) drain(done <-chan readResult) {
	defer e.mu.Unlock()
	timer := time.NewTimer(e.drainTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			_ = e.stopLocked()
		}
	case <-timer.C:
		e.logger.Warn("model reply overdue, restarting process", slog.Duration("timeout", e.drainTimeout))
		_ = e.stopLocked()
		<-done
	}
}

func (e *Exec) startLocked() error {
	if e.cmd != nil {
		return nil
	}
	cmd := exec.Command(e.args[0], e.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("model stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("model stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("model stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start model process: %w", err)
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			e.logger.Debug("model stderr", slog.String("line", scanner.Text()))
		}
	}()
	e.generation++
	e.logger.Info("model process started", slog.Int("pid", cmd.Process.Pid), slog.Int("generation", e.generation))
	e.cmd = cmd
	e.stdin = stdin
	e.stdout = bufio.NewReaderSize(stdout, 1<<20)
	return nil
}

func (e *Exec) stopLocked() error {
	if e.cmd == nil {
		return nil
	}
	cmd := e.cmd
	e.cmd, e.stdout = nil, nil
	_ = e.stdin.Close()
	_ = cmd.Process.Kill()
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			e.logger.Warn("model process wait failed", slogError(err))
		}
	}
	return nil
}

func writeSamplesToWav(file *os.File, samples []float32) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		buffer.Data[i] = int(math.Round(v * math.MaxInt16))
	}

	enc := wav.NewEncoder(file, SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
