package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Model       ModelConfig      `yaml:"model"`
	Decoding    DecodingConfig   `yaml:"decoding"`
	Streaming   StreamingConfig  `yaml:"streaming"`
	Batch       BatchConfig      `yaml:"batch"`
	WER         WERConfig        `yaml:"wer"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StoreDir       string   `yaml:"store_dir"`
	Stream         string   `yaml:"stream"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ModelConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Multilingual   bool   `yaml:"multilingual"`
	VocabularyPath string `yaml:"vocabulary_path"`
	MockText       string `yaml:"mock_text"`
	MockLanguage   string `yaml:"mock_language"`
}

// DecodingConfig mirrors decoding.Options. Thresholds are pointers so a
// config file can unset them with null.
type DecodingConfig struct {
	Task                       string    `yaml:"task"`
	Language                   string    `yaml:"language"`
	Temperature                float64   `yaml:"temperature"`
	TemperatureIncrement       float64   `yaml:"temperature_increment"`
	TemperatureFallbackCount   int       `yaml:"temperature_fallback_count"`
	SampleLength               int       `yaml:"sample_length"`
	TopK                       int       `yaml:"top_k"`
	Seed                       uint64    `yaml:"seed"`
	CompressionRatioThreshold  *float64  `yaml:"compression_ratio_threshold"`
	LogProbThreshold           *float64  `yaml:"logprob_threshold"`
	FirstTokenLogProbThreshold *float64  `yaml:"first_token_logprob_threshold"`
	NoSpeechThreshold          *float64  `yaml:"no_speech_threshold"`
	WordTimestamps             bool      `yaml:"word_timestamps"`
	WithoutTimestamps          bool      `yaml:"without_timestamps"`
	SuppressBlank              bool      `yaml:"suppress_blank"`
	SkipSpecialTokens          bool      `yaml:"skip_special_tokens"`
	UsePrefillPrompt           bool      `yaml:"use_prefill_prompt"`
	UsePrefillCache            bool      `yaml:"use_prefill_cache"`
	SuppressTokens             []int     `yaml:"suppress_tokens"`
	MaxInitialTimestampIndex   int       `yaml:"max_initial_timestamp_index"`
	ClipTimestamps             []float64 `yaml:"clip_timestamps"`
	InitialPrompt              string    `yaml:"initial_prompt"`
	PrependPunctuations        string    `yaml:"prepend_punctuations"`
	AppendPunctuations         string    `yaml:"append_punctuations"`
}

type StreamingConfig struct {
	Enabled               bool    `yaml:"enabled"`
	SampleRate            int     `yaml:"sample_rate"`
	Channels              int     `yaml:"channels"`
	ConfirmationThreshold int     `yaml:"confirmation_threshold"`
	MinBufferMS           int     `yaml:"min_buffer_ms"`
	SilenceThreshold      float64 `yaml:"silence_threshold"`
	WindowSeconds         float64 `yaml:"window_seconds"`
	PublishTentative      bool    `yaml:"publish_tentative"`
}

type BatchConfig struct {
	ConcurrentWorkers int    `yaml:"concurrent_workers"`
	QueueSize         int    `yaml:"queue_size"`
	WatchDir          string `yaml:"watch_dir"`
	ChunkingStrategy  string `yaml:"chunking_strategy"` // none, vad
}

type WERConfig struct {
	Normalizer string `yaml:"normalizer"` // basic, english
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",
			Stream:         "TRANSCRIPTS",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-transcribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Model: ModelConfig{
			Mode:         "mock",
			Multilingual: true,
			MockText:     " Hello from the mock model.",
			MockLanguage: "en",
		},
		Decoding: DecodingConfig{
			Task:                      "transcribe",
			TemperatureIncrement:      0.2,
			TemperatureFallbackCount:  5,
			SampleLength:              224,
			CompressionRatioThreshold: floatPtr(2.4),
			LogProbThreshold:          floatPtr(-1.0),
			NoSpeechThreshold:         floatPtr(0.6),
			SuppressBlank:             true,
			SkipSpecialTokens:         true,
			UsePrefillPrompt:          true,
			UsePrefillCache:           true,
			MaxInitialTimestampIndex:  50,
			PrependPunctuations:       "\"'“¿([{-",
			AppendPunctuations:        "\"'.。,，!！?？:：”)]}、",
		},
		Streaming: StreamingConfig{
			Enabled:               true,
			SampleRate:            16000,
			Channels:              1,
			ConfirmationThreshold: 2,
			MinBufferMS:           1000,
			SilenceThreshold:      0.3,
			WindowSeconds:         30,
			PublishTentative:      true,
		},
		Batch: BatchConfig{
			ConcurrentWorkers: 4,
			QueueSize:         64,
			ChunkingStrategy:  "none",
		},
		WER: WERConfig{
			Normalizer: "basic",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideString(&cfg.Bus.Stream, "LOQA_BUS_STREAM")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Model.Mode, "LOQA_MODEL_MODE")
	overrideString(&cfg.Model.Command, "LOQA_MODEL_COMMAND")
	overrideString(&cfg.Model.ModelPath, "LOQA_MODEL_PATH")
	overrideBool(&cfg.Model.Multilingual, "LOQA_MODEL_MULTILINGUAL")
	overrideString(&cfg.Model.VocabularyPath, "LOQA_MODEL_VOCABULARY_PATH")
	overrideString(&cfg.Model.MockText, "LOQA_MODEL_MOCK_TEXT")
	overrideString(&cfg.Model.MockLanguage, "LOQA_MODEL_MOCK_LANGUAGE")
	overrideString(&cfg.Decoding.Task, "LOQA_DECODING_TASK")
	overrideString(&cfg.Decoding.Language, "LOQA_DECODING_LANGUAGE")
	overrideFloat(&cfg.Decoding.Temperature, "LOQA_DECODING_TEMPERATURE")
	overrideFloat(&cfg.Decoding.TemperatureIncrement, "LOQA_DECODING_TEMPERATURE_INCREMENT")
	overrideInt(&cfg.Decoding.TemperatureFallbackCount, "LOQA_DECODING_TEMPERATURE_FALLBACK_COUNT")
	overrideInt(&cfg.Decoding.SampleLength, "LOQA_DECODING_SAMPLE_LENGTH")
	overrideInt(&cfg.Decoding.TopK, "LOQA_DECODING_TOP_K")
	overrideOptionalFloat(&cfg.Decoding.CompressionRatioThreshold, "LOQA_DECODING_COMPRESSION_RATIO_THRESHOLD")
	overrideOptionalFloat(&cfg.Decoding.LogProbThreshold, "LOQA_DECODING_LOGPROB_THRESHOLD")
	overrideOptionalFloat(&cfg.Decoding.FirstTokenLogProbThreshold, "LOQA_DECODING_FIRST_TOKEN_LOGPROB_THRESHOLD")
	overrideOptionalFloat(&cfg.Decoding.NoSpeechThreshold, "LOQA_DECODING_NO_SPEECH_THRESHOLD")
	overrideBool(&cfg.Decoding.WordTimestamps, "LOQA_DECODING_WORD_TIMESTAMPS")
	overrideBool(&cfg.Decoding.WithoutTimestamps, "LOQA_DECODING_WITHOUT_TIMESTAMPS")
	overrideBool(&cfg.Decoding.SkipSpecialTokens, "LOQA_DECODING_SKIP_SPECIAL_TOKENS")
	overrideBool(&cfg.Decoding.UsePrefillPrompt, "LOQA_DECODING_USE_PREFILL_PROMPT")
	overrideBool(&cfg.Decoding.UsePrefillCache, "LOQA_DECODING_USE_PREFILL_CACHE")
	overrideString(&cfg.Decoding.InitialPrompt, "LOQA_DECODING_INITIAL_PROMPT")
	overrideBool(&cfg.Streaming.Enabled, "LOQA_STREAMING_ENABLED")
	overrideInt(&cfg.Streaming.SampleRate, "LOQA_STREAMING_SAMPLE_RATE")
	overrideInt(&cfg.Streaming.Channels, "LOQA_STREAMING_CHANNELS")
	overrideInt(&cfg.Streaming.ConfirmationThreshold, "LOQA_STREAMING_CONFIRMATION_THRESHOLD")
	overrideInt(&cfg.Streaming.MinBufferMS, "LOQA_STREAMING_MIN_BUFFER_MS")
	overrideFloat(&cfg.Streaming.SilenceThreshold, "LOQA_STREAMING_SILENCE_THRESHOLD")
	overrideFloat(&cfg.Streaming.WindowSeconds, "LOQA_STREAMING_WINDOW_SECONDS")
	overrideBool(&cfg.Streaming.PublishTentative, "LOQA_STREAMING_PUBLISH_TENTATIVE")
	overrideInt(&cfg.Batch.ConcurrentWorkers, "LOQA_BATCH_CONCURRENT_WORKERS")
	overrideInt(&cfg.Batch.QueueSize, "LOQA_BATCH_QUEUE_SIZE")
	overrideString(&cfg.Batch.WatchDir, "LOQA_BATCH_WATCH_DIR")
	overrideString(&cfg.Batch.ChunkingStrategy, "LOQA_BATCH_CHUNKING_STRATEGY")
	overrideString(&cfg.WER.Normalizer, "LOQA_WER_NORMALIZER")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// overrideOptionalFloat also accepts "none" to unset the value.
func overrideOptionalFloat(target **float64, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	if strings.EqualFold(strings.TrimSpace(value), "none") {
		*target = nil
		return
	}
	if parsed, err := strconv.ParseFloat(value, 64); err == nil {
		*target = &parsed
	}
}

func floatPtr(v float64) *float64 { return &v }

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Model.Mode {
	case "mock":
	case "exec":
		if cfg.Model.Command == "" {
			return errors.New("model.command must be set when mode=exec")
		}
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	switch cfg.Decoding.Task {
	case "transcribe", "translate":
	default:
		return errors.New("decoding.task must be one of transcribe|translate")
	}
	if cfg.Decoding.Temperature < 0 || cfg.Decoding.TemperatureIncrement < 0 {
		return errors.New("decoding.temperature and temperature_increment must be >= 0")
	}
	if cfg.Decoding.TemperatureFallbackCount < 0 {
		return errors.New("decoding.temperature_fallback_count must be >= 0")
	}
	if cfg.Decoding.SampleLength <= 0 {
		return errors.New("decoding.sample_length must be positive")
	}
	if cfg.Decoding.TopK < 0 {
		return errors.New("decoding.top_k must be >= 0")
	}
	if cfg.Streaming.Enabled {
		if cfg.Streaming.SampleRate <= 0 {
			return errors.New("streaming.sample_rate must be positive")
		}
		if cfg.Streaming.Channels <= 0 {
			return errors.New("streaming.channels must be positive")
		}
		if cfg.Streaming.ConfirmationThreshold <= 0 {
			return errors.New("streaming.confirmation_threshold must be >= 1")
		}
	}
	if cfg.Streaming.WindowSeconds <= 0 || cfg.Streaming.WindowSeconds > 30 {
		return errors.New("streaming.window_seconds must be in (0, 30]")
	}
	if cfg.Batch.ConcurrentWorkers <= 0 {
		return errors.New("batch.concurrent_workers must be >= 1")
	}
	if cfg.Batch.QueueSize < 0 {
		return errors.New("batch.queue_size must be >= 0")
	}
	switch cfg.Batch.ChunkingStrategy {
	case "none", "vad":
	default:
		return errors.New("batch.chunking_strategy must be one of none|vad")
	}
	switch cfg.WER.Normalizer {
	case "basic", "english":
	default:
		return errors.New("wer.normalizer must be one of basic|english")
	}
	return nil
}
