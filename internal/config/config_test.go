package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Decoding.LogProbThreshold == nil || *cfg.Decoding.LogProbThreshold != -1 {
		t.Fatalf("expected default logprob threshold -1")
	}
	if cfg.Decoding.FirstTokenLogProbThreshold != nil {
		t.Fatalf("expected first token threshold unset by default")
	}
	if !cfg.Decoding.UsePrefillPrompt || !cfg.Decoding.UsePrefillCache || !cfg.Decoding.SkipSpecialTokens {
		t.Fatalf("expected prefill and special token skipping on by default")
	}
	if cfg.Streaming.ConfirmationThreshold != 2 || cfg.Batch.ConcurrentWorkers != 4 {
		t.Fatalf("unexpected streaming/batch defaults: %+v %+v", cfg.Streaming, cfg.Batch)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_BUS_STREAM", "ARCHIVE")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_JOBS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_DECODING_LANGUAGE", "de")
	t.Setenv("LOQA_DECODING_TEMPERATURE_FALLBACK_COUNT", "2")
	t.Setenv("LOQA_DECODING_NO_SPEECH_THRESHOLD", "none")
	t.Setenv("LOQA_DECODING_LOGPROB_THRESHOLD", "-0.5")
	t.Setenv("LOQA_DECODING_USE_PREFILL_PROMPT", "false")
	t.Setenv("LOQA_DECODING_USE_PREFILL_CACHE", "false")
	t.Setenv("LOQA_DECODING_SKIP_SPECIAL_TOKENS", "false")
	t.Setenv("LOQA_STREAMING_CONFIRMATION_THRESHOLD", "3")
	t.Setenv("LOQA_BATCH_CHUNKING_STRATEGY", "vad")
	t.Setenv("LOQA_WER_NORMALIZER", "english")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Bus.Stream != "ARCHIVE" || cfg.Bus.StoreDir != "./data/nats" {
		t.Fatalf("unexpected stream settings %q %q", cfg.Bus.Stream, cfg.Bus.StoreDir)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxJobs != 123 {
		t.Fatalf("expected event store max jobs override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Decoding.Language != "de" || cfg.Decoding.TemperatureFallbackCount != 2 {
		t.Fatalf("expected decoding overrides, got %+v", cfg.Decoding)
	}
	if cfg.Decoding.NoSpeechThreshold != nil {
		t.Fatalf("expected no-speech threshold to be unset")
	}
	if cfg.Decoding.LogProbThreshold == nil || *cfg.Decoding.LogProbThreshold != -0.5 {
		t.Fatalf("expected logprob threshold override")
	}
	if cfg.Decoding.UsePrefillPrompt || cfg.Decoding.UsePrefillCache || cfg.Decoding.SkipSpecialTokens {
		t.Fatalf("expected prefill and special token overrides, got %+v", cfg.Decoding)
	}
	if cfg.Streaming.ConfirmationThreshold != 3 {
		t.Fatalf("expected confirmation threshold override")
	}
	if cfg.Batch.ChunkingStrategy != "vad" || cfg.WER.Normalizer != "english" {
		t.Fatalf("expected batch and wer overrides")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
model:
  mode: exec
  command: "whisper-server --threads 4"
decoding:
  task: translate
  compression_ratio_threshold: null
  clip_timestamps: [0, 12.5]
  use_prefill_cache: false
batch:
  concurrent_workers: 2
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.Mode != "exec" || cfg.Model.Command != "whisper-server --threads 4" {
		t.Fatalf("unexpected model config %+v", cfg.Model)
	}
	if cfg.Decoding.Task != "translate" || cfg.Decoding.CompressionRatioThreshold != nil {
		t.Fatalf("unexpected decoding config %+v", cfg.Decoding)
	}
	if len(cfg.Decoding.ClipTimestamps) != 2 || cfg.Decoding.ClipTimestamps[1] != 12.5 {
		t.Fatalf("unexpected clip timestamps %v", cfg.Decoding.ClipTimestamps)
	}
	if cfg.Decoding.UsePrefillCache || !cfg.Decoding.UsePrefillPrompt {
		t.Fatalf("unexpected prefill settings %+v", cfg.Decoding)
	}
	if cfg.Decoding.SampleLength != 224 {
		t.Fatalf("defaults must survive partial files, got sample length %d", cfg.Decoding.SampleLength)
	}
	if cfg.Batch.ConcurrentWorkers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Batch.ConcurrentWorkers)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "exec without command", mutate: func(c *Config) { c.Model.Mode = "exec" }, want: "model.command"},
		{name: "unknown model mode", mutate: func(c *Config) { c.Model.Mode = "gpu" }, want: "model.mode"},
		{name: "unknown task", mutate: func(c *Config) { c.Decoding.Task = "summarize" }, want: "decoding.task"},
		{name: "zero sample length", mutate: func(c *Config) { c.Decoding.SampleLength = 0 }, want: "decoding.sample_length"},
		{name: "no workers", mutate: func(c *Config) { c.Batch.ConcurrentWorkers = 0 }, want: "batch.concurrent_workers"},
		{name: "unknown chunking", mutate: func(c *Config) { c.Batch.ChunkingStrategy = "fixed" }, want: "batch.chunking_strategy"},
		{name: "long window", mutate: func(c *Config) { c.Streaming.WindowSeconds = 45 }, want: "streaming.window_seconds"},
		{name: "unknown normalizer", mutate: func(c *Config) { c.WER.Normalizer = "french" }, want: "wer.normalizer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
