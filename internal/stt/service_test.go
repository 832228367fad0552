package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/streaming"
	"github.com/loqalabs/loqa-transcribe/internal/transcript"
	"github.com/nats-io/nats.go"
)

// fixedTranscriber always hears the same four words, one every half second.
type fixedTranscriber struct{}

func (fixedTranscriber) Transcribe(_ context.Context, _ []float32, start float64, prefix []int) (transcript.Result, error) {
	all := []string{" hello", " there", " general", " kenobi"}
	var ws []transcript.Word
	for i, text := range all {
		at := float64(i) * 0.5
		if at < start {
			continue
		}
		ws = append(ws, transcript.Word{Word: text, Tokens: []int{i}, Start: at, End: at + 0.4, Probability: 0.9})
	}
	ws = ws[min(len(prefix), len(ws)):]
	if len(ws) == 0 {
		return transcript.Result{Language: "en"}.Finish(), nil
	}
	seg := transcript.Segment{Start: ws[0].Start, End: ws[len(ws)-1].End, Text: transcript.JoinWords(ws), Words: ws}
	return transcript.Result{Language: "en", Segments: []transcript.Segment{seg}}.Finish(), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loudPCM(samples int) []byte {
	out := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(8192))
	}
	return out
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func streamingConfig() config.StreamingConfig {
	cfg := config.Default().Streaming
	cfg.MinBufferMS = 500
	cfg.SilenceThreshold = 0
	return cfg
}

func TestServiceStreamsSessionToDone(t *testing.T) {
	client := startBus(t)

	var deltas []protocol.TranscriptDelta
	deltaCh := make(chan protocol.TranscriptDelta, 16)
	doneCh := make(chan protocol.TranscriptDone, 1)
	subDelta, err := client.Conn().Subscribe(protocol.SubjectTranscriptDelta, func(msg *nats.Msg) {
		var d protocol.TranscriptDelta
		if err := json.Unmarshal(msg.Data, &d); err == nil {
			deltaCh <- d
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer subDelta.Unsubscribe()
	subDone, err := client.Conn().Subscribe(protocol.SubjectTranscriptDone, func(msg *nats.Msg) {
		var d protocol.TranscriptDone
		if err := json.Unmarshal(msg.Data, &d); err == nil {
			doneCh <- d
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer subDone.Unsubscribe()

	hookDone := make(chan string, 1)
	svc := NewService(context.Background(), streamingConfig(), client,
		func() (streaming.Transcriber, error) { return fixedTranscriber{}, nil },
		Hooks{OnDone: func(_ context.Context, d protocol.TranscriptDone) { hookDone <- d.SessionID }},
		quietLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatalf("expected service healthy after start")
	}

	for i := 0; i < 4; i++ {
		frame := protocol.AudioFrame{
			SessionID:  "kitchen",
			Sequence:   i,
			SampleRate: 16000,
			Channels:   1,
			PCM:        loudPCM(8000),
			Final:      i == 3,
		}
		if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".kitchen", frame); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var done protocol.TranscriptDone
	select {
	case done = <-doneCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for done event")
	}
	if done.SessionID != "kitchen" || done.TraceID == "" || done.Language != "en" {
		t.Fatalf("unexpected done event %+v", done)
	}
	if done.Text != " hello there general kenobi" || len(done.Words) != 4 {
		t.Fatalf("unexpected final text %q", done.Text)
	}

	deadline := time.After(2 * time.Second)
	var joined strings.Builder
collect:
	for joined.String() != done.Text {
		select {
		case d := <-deltaCh:
			deltas = append(deltas, d)
			joined.WriteString(d.Text)
		case <-deadline:
			break collect
		}
	}
	if joined.String() != done.Text {
		t.Fatalf("deltas %q do not add up to %q", joined.String(), done.Text)
	}
	for _, d := range deltas {
		if d.TraceID != done.TraceID {
			t.Fatalf("delta trace id %s differs from session %s", d.TraceID, done.TraceID)
		}
	}

	select {
	case id := <-hookDone:
		if id != "kitchen" {
			t.Fatalf("unexpected hook session %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("done hook not called")
	}
}

func TestServiceDropsUnsupportedSampleRate(t *testing.T) {
	svc := NewService(context.Background(), streamingConfig(), nil,
		func() (streaming.Transcriber, error) { return fixedTranscriber{}, nil }, Hooks{}, quietLogger())
	data, err := json.Marshal(protocol.AudioFrame{SessionID: "s", SampleRate: 44100, Channels: 1, PCM: loudPCM(10)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.handleFrame(&nats.Msg{Subject: "audio.frame.s", Data: data})
	if svc.Sessions() != 0 {
		t.Fatalf("expected frame dropped, got %d sessions", svc.Sessions())
	}
}

func TestDisabledServiceIsHealthy(t *testing.T) {
	cfg := streamingConfig()
	cfg.Enabled = false
	svc := NewService(context.Background(), cfg, nil, nil, Hooks{}, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !svc.Healthy() {
		t.Fatalf("disabled service must report healthy")
	}
	svc.Close()
}

func TestDownmix(t *testing.T) {
	got := downmix([]float32{1, 0, 0.5, 0.5, -1, 0}, 2)
	want := []float32{0.5, 0.5, -0.5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	mono := []float32{0.1, 0.2}
	if out := downmix(mono, 1); len(out) != 2 || out[0] != 0.1 {
		t.Fatalf("mono audio must pass through, got %v", out)
	}
}
