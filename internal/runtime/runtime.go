package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/model"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/streaming"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/tokenizer"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
	"github.com/loqalabs/loqa-transcribe/internal/wer"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
	metrics       *Metrics
	store         *eventstore.Store
	bus           *bus.Client
	tok           tokenizer.Tokenizer
	model         model.Model
	opts          decoding.Options
	normalizer    wer.Normalizer
	batch         *transcribe.Batch
	stt           *stt.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if r.metrics, err = NewMetrics(otel.Meter("loqa-transcribe")); err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.init(ctx); err != nil {
		return err
	}
	defer r.close()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()
	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer r.bus.Close()
	if r.cfg.Bus.Stream != "" {
		if err := r.bus.EnsureStream(r.cfg.Bus.Stream, []string{protocol.SubjectTranscriptDone, protocol.SubjectBatchResult}); err != nil {
			r.logger.Warn("transcripts will not be retained", slogError(err))
		}
	}

	if err := r.startStreaming(ctx); err != nil {
		return err
	}
	defer r.stt.Close()

	sub, err := r.bus.Conn().Subscribe(protocol.SubjectBatchRequest, func(msg *nats.Msg) {
		r.handleBatchRequest(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe batch requests: %w", err)
	}
	defer func() { _ = sub.Drain() }()

	if dir := r.cfg.Batch.WatchDir; dir != "" {
		watcher, err := transcribe.NewWatcher(dir, r.batch, 0, r.logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			watcher.Run(ctx)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("model", r.cfg.Model.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// init opens the event store and builds the decoding stack and batch pool.
func (r *Runtime) init(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Model.VocabularyPath != "" {
		vocab, err := tokenizer.Load(r.cfg.Model.VocabularyPath)
		if err != nil {
			return err
		}
		r.tok = vocab
	} else {
		r.tok = tokenizer.Basic()
	}

	if r.model, err = model.New(r.cfg.Model, r.tok, r.logger); err != nil {
		return err
	}
	if r.opts, err = transcribe.OptionsFromConfig(r.cfg.Decoding, r.cfg.Batch, r.tok); err != nil {
		return err
	}
	if r.normalizer, err = wer.NormalizerByName(r.cfg.WER.Normalizer); err != nil {
		return err
	}

	r.batch, err = transcribe.NewBatch(transcribe.BatchOptions{
		Workers:   r.opts.ConcurrentWorkerCount,
		QueueSize: r.cfg.Batch.QueueSize,
		Logger:    r.logger,
		OnResult:  r.onBatchResult,
	}, func() (*transcribe.Pipeline, error) {
		return transcribe.NewPipeline(r.model, r.tok, r.opts,
			transcribe.WithObserver(r.observeWindow),
			transcribe.WithLogger(r.logger))
	})
	return err
}

// close releases what init built. Safe on a partially built runtime.
func (r *Runtime) close() {
	if r.batch != nil {
		r.batch.Close()
	}
	if r.model != nil {
		if err := r.model.Close(); err != nil {
			r.logger.Warn("model close failed", slogError(err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slogError(err))
		}
	}
}

func (r *Runtime) startStreaming(ctx context.Context) error {
	streamCfg := r.cfg.Streaming
	r.stt = stt.NewService(ctx, streamCfg, r.bus, func() (streaming.Transcriber, error) {
		p, err := transcribe.NewPipeline(r.model, r.tok, r.opts,
			transcribe.WithWindowSeconds(streamCfg.WindowSeconds),
			transcribe.WithSilenceThreshold(streamCfg.SilenceThreshold),
			transcribe.WithObserver(r.observeWindow),
			transcribe.WithLogger(r.logger))
		if err != nil {
			return nil, err
		}
		return p, nil
	}, stt.Hooks{
		OnDelta: func(ctx context.Context, delta protocol.TranscriptDelta) {
			r.metrics.ObserveConfirmed(ctx, len(delta.Words))
		},
		OnDone: r.onStreamDone,
	}, r.logger)
	if r.metrics != nil {
		if err := r.metrics.RegisterGauges(otel.Meter("loqa-transcribe"), func() int64 { return int64(r.stt.Sessions()) }); err != nil {
			r.logger.Warn("failed to register gauges", slogError(err))
		}
	}
	return r.stt.Start()
}

func (r *Runtime) handleBatchRequest(ctx context.Context, msg *nats.Msg) {
	var req protocol.BatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Warn("failed to decode batch request", slogError(err))
		return
	}
	for _, path := range req.Paths {
		jobID, err := r.batch.Submit(ctx, path)
		if err != nil {
			r.logger.Warn("batch request rejected", slog.String("path", path), slogError(err))
			continue
		}
		r.logger.Info("batch item queued", slog.String("path", path), slog.String("job_id", jobID))
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
