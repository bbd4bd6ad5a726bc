package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/channel"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/decoder"
	"github.com/loqalabs/loqa-transcribe/internal/engine"
	"github.com/loqalabs/loqa-transcribe/internal/history"
	"github.com/loqalabs/loqa-transcribe/internal/modelcache"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	// baseCtx outlives individual requests; capture sessions hang off it.
	baseCtx context.Context
	paced   bool

	history    *history.Store
	models     *modelcache.Cache
	channel    *channel.Channel
	capture    *audio.Capture
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	bridge     *stt.Service
	eventsDone chan struct{}
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		baseCtx: context.Background(),
		paced:   true,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.assemble(ctx); err != nil {
		r.teardown()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.Audio.AutoStart {
		if err := r.capture.Start(r.baseCtx); err != nil {
			r.logger.Error("failed to start capture", slog.String("error", err.Error()))
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.teardown()
	r.closeTelemetry()
	return nil
}

// assemble builds the pipeline: capture and bus feed the recognition
// channel, whose single worker drives the decoder.
func (r *Runtime) assemble(ctx context.Context) error {
	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.history = store

	var fetcher decoder.AssetFetcher
	var loader engine.Loader
	switch r.cfg.Decoder.Mode {
	case "mock":
		fetcher = bundledAssets{}
		loader = &engine.MockLoader{}
	default:
		blobs, err := modelcache.OpenBadgerStore(r.cfg.Models.CacheDir)
		if err != nil {
			return fmt.Errorf("open model cache: %w", err)
		}
		r.models = modelcache.New(blobs, modelcache.Options{Attempts: r.cfg.Models.DownloadAttempts}, r.logger)
		fetcher = r.models
		loader = &engine.WasmLoader{Logger: r.logger}
	}

	dec := decoder.New(decoder.Config{
		Runtime:    decoderAsset(r.cfg.Models.Runtime),
		Encoder:    decoderAsset(r.cfg.Models.Encoder),
		Decoder:    decoderAsset(r.cfg.Models.Decoder),
		Joiner:     decoderAsset(r.cfg.Models.Joiner),
		Tokens:     decoderAsset(r.cfg.Models.Tokens),
		SampleRate: r.cfg.Audio.SampleRate,
		NumThreads: int32(r.cfg.Decoder.NumThreads),
		Debug:      r.cfg.Decoder.Debug,
	}, fetcher, loader, r.logger)
	r.channel = channel.New(dec, channel.Options{QueueDepth: r.cfg.Channel.QueueDepth}, r.logger)

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.natsServer = srv
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
		r.bridge = stt.NewService(client, r.channel, r.logger)
		if err := r.bridge.Start(); err != nil {
			return err
		}
	}

	r.capture = audio.NewCapture(audio.CaptureConfig{
		SampleRate:  r.cfg.Audio.SampleRate,
		BlockSize:   r.cfg.Audio.BlockSize,
		Threshold:   float32(r.cfg.Audio.Threshold),
		ChunkBlocks: r.cfg.Audio.ChunkBlocks,
		FlushOnStop: r.cfg.Audio.FlushOnStop,
	}, r.newSource, r.sendSegment, r.logger)

	r.eventsDone = make(chan struct{})
	go r.consumeEvents(r.eventsDone)

	return r.channel.Send(protocol.NewInit())
}

// teardown stops producers before the channel so no segment is queued
// against a closed decoder, then releases storage.
func (r *Runtime) teardown() {
	if r.capture != nil {
		r.capture.Stop()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.channel != nil {
		_ = r.channel.Close()
		if r.eventsDone != nil {
			<-r.eventsDone
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
	if r.models != nil {
		if err := r.models.Close(); err != nil {
			r.logger.Warn("model cache close error", slog.String("error", err.Error()))
		}
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close error", slog.String("error", err.Error()))
		}
	}
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

func (r *Runtime) newSource() (audio.Source, error) {
	a := r.cfg.Audio
	switch a.Source {
	case "wav":
		return audio.NewWAVSource(a.File, a.SampleRate, a.BlockSize, r.paced)
	default:
		return audio.NewExecSource(a.Command, a.SampleRate, a.BlockSize)
	}
}

func (r *Runtime) sendSegment(sessionID string, seg audio.Segment) error {
	return r.channel.Send(protocol.NewAudio(protocol.AudioPayload{
		SessionID:  sessionID,
		Sequence:   seg.Sequence,
		SampleRate: seg.SampleRate,
		PCM:        protocol.EncodeSamples(seg.Samples),
	}))
}

func (r *Runtime) consumeEvents(done chan struct{}) {
	defer close(done)
	for msg := range r.channel.Events() {
		r.handleEvent(msg)
		if r.bridge != nil {
			r.bridge.Publish(msg)
		}
	}
}

func (r *Runtime) handleEvent(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeStatus:
		text, _ := msg.Status()
		r.logger.Info("decoder status", slog.String("status", text))
	case protocol.TypeReady:
		r.logger.Info("decoder ready")
	case protocol.TypeError:
		payload, err := msg.Error()
		if err != nil {
			r.logger.Warn("undecodable error event", slog.String("error", err.Error()))
			return
		}
		level := slog.LevelWarn
		if payload.Fatal {
			level = slog.LevelError
		}
		r.logger.Log(context.Background(), level, "recognition error",
			slog.String("error", payload.Message),
			slog.Bool("fatal", payload.Fatal),
			slog.Uint64("sequence", payload.Sequence))
	case protocol.TypeResult:
		res, err := msg.Result()
		if err != nil {
			r.logger.Warn("undecodable result event", slog.String("error", err.Error()))
			return
		}
		if res.Text == "" {
			r.logger.Debug("empty transcript", slog.Uint64("sequence", res.Sequence))
			return
		}
		rec, err := r.history.Append(context.Background(), res.Text)
		if err != nil {
			r.logger.Error("failed to persist transcript", slog.Uint64("sequence", res.Sequence), slog.String("error", err.Error()))
			return
		}
		r.logger.Info("transcript",
			slog.String("session_id", res.SessionID),
			slog.Uint64("sequence", res.Sequence),
			slog.Int64("history_id", rec.ID),
			slog.String("text", res.Text))
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("GET /history", r.handleHistory)
	mux.HandleFunc("POST /capture/start", r.handleCaptureStart)
	mux.HandleFunc("POST /capture/stop", r.handleCaptureStop)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.channel != nil && r.channel.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := r.history.WriteJSON(req.Context(), w); err != nil {
		r.logger.Error("history export failed", slog.String("error", err.Error()))
		http.Error(w, "history export failed", http.StatusInternalServerError)
	}
}

type captureState struct {
	Running   bool            `json:"running"`
	SessionID string          `json:"session_id,omitempty"`
	Level     float32         `json:"level"`
	Gate      audio.GateStats `json:"gate"`
}

func (r *Runtime) captureState() captureState {
	return captureState{
		Running:   r.capture.Running(),
		SessionID: r.capture.SessionID(),
		Level:     r.capture.Level(),
		Gate:      r.capture.Stats(),
	}
}

func (r *Runtime) handleCaptureStart(w http.ResponseWriter, _ *http.Request) {
	if err := r.capture.Start(r.baseCtx); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, audio.ErrCaptureRunning) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, r.captureState())
}

func (r *Runtime) handleCaptureStop(w http.ResponseWriter, _ *http.Request) {
	r.capture.Stop()
	writeJSON(w, http.StatusOK, r.captureState())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decoderAsset(a config.Asset) decoder.Asset {
	return decoder.Asset{Name: a.Name, URL: a.URL}
}

// bundledAssets stands in for the model cache in mock mode, where the
// engine only checks that each configured file is present.
type bundledAssets struct{}

func (bundledAssets) Fetch(_ context.Context, name, _ string, _ modelcache.ProgressFunc) (modelcache.Result, error) {
	return modelcache.Result{Data: []byte("mock:" + name), FromCache: true}, nil
}
