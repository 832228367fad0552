// Package stt serves streaming transcription over the bus. Audio frames are
// collected per session and fed to a streaming engine; confirmed text is
// published as it stabilizes.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/streaming"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
	"github.com/nats-io/nats.go"
)

const decodeTimeout = 45 * time.Second

// TranscriberFactory builds the transcriber for a new session.
type TranscriberFactory func() (streaming.Transcriber, error)

// Hooks observe session progress. Both run on the decode goroutine.
type Hooks struct {
	OnDelta func(ctx context.Context, delta protocol.TranscriptDelta)
	OnDone  func(ctx context.Context, done protocol.TranscriptDone)
}

type Service struct {
	cfg            config.StreamingConfig
	bus            *bus.Client
	newTranscriber TranscriberFactory
	hooks          Hooks
	logger         *slog.Logger
	sessions       map[string]*session
	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	sub            *nats.Subscription
	wg             sync.WaitGroup
	ready          bool
}

type session struct {
	id            string
	traceID       string
	buffer        *streaming.AudioBuffer
	engine        *streaming.Engine
	lastScheduled int
	inflight      bool
	pendingFinal  bool
}

func NewService(parent context.Context, cfg config.StreamingConfig, busClient *bus.Client, factory TranscriberFactory, hooks Hooks, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = streaming.DefaultSampleRate
	}
	return &Service{
		cfg:            cfg,
		bus:            busClient,
		newTranscriber: factory,
		hooks:          hooks,
		logger:         logger.With(slog.String("component", "stt-service")),
		sessions:       make(map[string]*session),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("streaming transcription ready", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

// Sessions reports the number of open sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.logger.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate {
		s.logger.Warn("dropping audio frame with unsupported sample rate",
			slog.String("session_id", frame.SessionID),
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("expected", s.cfg.SampleRate))
		return
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = s.cfg.Channels
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		var err error
		state, err = s.openSession(frame.SessionID)
		if err != nil {
			s.mu.Unlock()
			s.logger.Warn("failed to open streaming session", slog.String("session_id", frame.SessionID), slogError(err))
			return
		}
		s.sessions[frame.SessionID] = state
	}
	state.buffer.Append(downmix(streaming.PCM16ToFloat(frame.PCM), channels))
	s.mu.Unlock()

	if frame.Final {
		s.scheduleDecode(frame.SessionID, true)
		return
	}
	if s.shouldSchedule(frame.SessionID) {
		s.scheduleDecode(frame.SessionID, false)
	}
}

func (s *Service) openSession(id string) (*session, error) {
	tr, err := s.newTranscriber()
	if err != nil {
		return nil, err
	}
	engine := streaming.NewEngine(streaming.Config{
		ConfirmationThreshold: s.cfg.ConfirmationThreshold,
		SampleRate:            s.cfg.SampleRate,
		MinNewSamples:         s.minSamples(),
		SilenceThreshold:      s.cfg.SilenceThreshold,
	}, tr)
	traceID := uuid.NewString()
	s.logger.Info("streaming session opened", slog.String("session_id", id), slog.String("trace_id", traceID))
	return &session{
		id:      id,
		traceID: traceID,
		buffer:  streaming.NewAudioBuffer(s.cfg.SampleRate),
		engine:  engine,
	}, nil
}

func (s *Service) minSamples() int {
	return s.cfg.MinBufferMS * s.cfg.SampleRate / 1000
}

func (s *Service) shouldSchedule(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.inflight {
		return false
	}
	return state.buffer.Len()-state.lastScheduled >= max(s.minSamples(), 1)
}

func (s *Service) scheduleDecode(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	state.inflight = true
	state.lastScheduled = state.buffer.Len()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(transcribe.WithJobID(s.ctx, sessionID), decodeTimeout)
		defer cancel()

		if final {
			s.finish(ctx, state)
		} else {
			s.ingest(ctx, state)
		}

		s.mu.Lock()
		state.inflight = false
		pendingFinal := state.pendingFinal
		if final {
			delete(s.sessions, sessionID)
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleDecode(sessionID, true)
		}
	}()
}

func (s *Service) ingest(ctx context.Context, state *session) {
	snapshot, err := state.engine.Ingest(ctx, state.buffer)
	if err != nil {
		s.logger.Warn("streaming decode failed", slog.String("session_id", state.id), slogError(err))
		return
	}
	s.publishDelta(ctx, state, snapshot)
	if s.cfg.PublishTentative && snapshot.Hypothesis != "" {
		s.publish(protocol.SubjectTranscriptTentative, protocol.TranscriptTentative{
			SessionID: state.id,
			TraceID:   state.traceID,
			Text:      snapshot.Hypothesis,
			Words:     snapshot.TentativeWords,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (s *Service) finish(ctx context.Context, state *session) {
	snapshot, err := state.engine.Flush(ctx, state.buffer)
	if err != nil {
		s.logger.Warn("streaming flush failed, finalizing what was decoded", slog.String("session_id", state.id), slogError(err))
		if snapshot, err = state.engine.Finalize(); err != nil {
			s.logger.Warn("streaming finalize failed", slog.String("session_id", state.id), slogError(err))
			return
		}
	}
	s.publishDelta(ctx, state, snapshot)

	done := protocol.TranscriptDone{
		SessionID: state.id,
		TraceID:   state.traceID,
		Text:      snapshot.ConfirmedText(),
		Language:  snapshot.Language,
		Words:     snapshot.ConfirmedWords,
		Segments:  snapshot.ConfirmedSegments,
		Timestamp: time.Now().UTC(),
	}
	s.publish(protocol.SubjectTranscriptDone, done)
	if s.hooks.OnDone != nil {
		s.hooks.OnDone(ctx, done)
	}
	s.logger.Info("streaming session finished",
		slog.String("session_id", state.id),
		slog.Int("words", len(done.Words)),
		slog.Float64("seconds", state.buffer.Seconds()))
}

func (s *Service) publishDelta(ctx context.Context, state *session, snapshot streaming.State) {
	if len(snapshot.NewlyConfirmed) == 0 {
		return
	}
	delta := protocol.TranscriptDelta{
		SessionID:         state.id,
		TraceID:           state.traceID,
		Text:              snapshot.NewlyConfirmedText(),
		Words:             snapshot.NewlyConfirmed,
		LastAgreedSeconds: snapshot.LastAgreedSeconds,
		Timestamp:         time.Now().UTC(),
	}
	s.publish(protocol.SubjectTranscriptDelta, delta)
	if s.hooks.OnDelta != nil {
		s.hooks.OnDelta(ctx, delta)
	}
}

func (s *Service) publish(subject string, msg any) {
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slog.String("subject", subject), slogError(err))
	}
}

// downmix averages interleaved channels into mono.
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
