package decoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/engine"
	"github.com/loqalabs/loqa-transcribe/internal/modelcache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotInitialized = errors.New("decoder not initialized")
	ErrClosed         = errors.New("decoder closed")
	ErrNotDrained     = errors.New("stream has undecoded audio")
)

// State is a stream's position in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateAccepting
	StateDecoding
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateAccepting:
		return "accepting"
	case StateDecoding:
		return "decoding"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AssetFetcher resolves a named asset to bytes. modelcache.Cache satisfies it.
type AssetFetcher interface {
	Fetch(ctx context.Context, name, url string, onProgress modelcache.ProgressFunc) (modelcache.Result, error)
}

// Asset is a named engine dependency and where to download it.
type Asset struct {
	Name string
	URL  string
}

type Config struct {
	Runtime    Asset
	Encoder    Asset
	Decoder    Asset
	Joiner     Asset
	Tokens     Asset
	SampleRate int
	NumThreads int32
	Debug      bool
}

// Stream is one utterance's engine state. Only the decoder's owning
// goroutine may touch it.
type Stream struct {
	handle  engine.Handle
	state   State
	drained bool
}

func (s *Stream) State() State {
	return s.state
}

// Decoder owns one engine runtime, its recognizer and the streams created
// from it. Engine calls are serialized by the caller: the recognition
// channel runs every operation from a single worker.
type Decoder struct {
	cfg     Config
	fetcher AssetFetcher
	loader  engine.Loader
	log     *slog.Logger

	mu         sync.Mutex
	state      State
	rt         engine.Runtime
	arena      *engine.Arena
	config     *engine.ConfigBlock
	recognizer engine.Handle
	streams    []*Stream
	main       *Stream

	tracer  trace.Tracer
	latency metric.Float64Histogram
	steps   metric.Int64Counter
}

func New(cfg Config, fetcher AssetFetcher, loader engine.Loader, logger *slog.Logger) *Decoder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	d := &Decoder{
		cfg:     cfg,
		fetcher: fetcher,
		loader:  loader,
		log:     logger.With(slog.String("component", "decoder")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-transcribe/decoder"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-transcribe/decoder")
	var err error
	if d.latency, err = meter.Float64Histogram("loqa.decoder.latency", metric.WithUnit("ms"), metric.WithDescription("Segment decode latency")); err != nil {
		d.log.Warn("failed to create latency histogram", slogError(err))
	}
	if d.steps, err = meter.Int64Counter("loqa.decoder.steps"); err != nil {
		d.log.Warn("failed to create step counter", slogError(err))
	}
	return d
}

// State reports the decoder-level state: uninitialized, ready or closed.
func (d *Decoder) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Decoder) Ready() bool {
	return d.State() == StateReady
}

// Init fetches the runtime image and model assets, loads the engine and
// constructs the recognizer with one stream. On failure everything acquired
// so far is released and the decoder stays uninitialized. status receives
// human-readable progress and may be nil.
func (d *Decoder) Init(ctx context.Context, status func(string)) (err error) {
	if status == nil {
		status = func(string) {}
	}
	switch d.State() {
	case StateClosed:
		return ErrClosed
	case StateReady:
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "decoder.init")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	status("Loading engine runtime...")
	image, err := d.fetch(ctx, d.cfg.Runtime, status)
	if err != nil {
		return err
	}
	assets := make(map[string][]byte, 4)
	for _, asset := range []Asset{d.cfg.Encoder, d.cfg.Decoder, d.cfg.Joiner, d.cfg.Tokens} {
		data, err := d.fetch(ctx, asset, status)
		if err != nil {
			return err
		}
		assets[asset.Name] = data
	}

	status("Starting engine...")
	rt, err := d.loader.Load(ctx, image, assets)
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}
	arena := engine.NewArena(rt)
	fail := func(err error) error {
		if rerr := arena.Release(ctx); rerr != nil {
			d.log.Warn("failed to release engine memory", slogError(rerr))
		}
		if cerr := rt.Close(ctx); cerr != nil {
			d.log.Warn("failed to close engine", slogError(cerr))
		}
		return err
	}

	status("Initializing recognizer...")
	block, err := engine.MarshalRecognizerConfig(ctx, arena, engine.RecognizerConfig{
		Transducer: engine.TransducerConfig{
			Encoder: "/" + d.cfg.Encoder.Name,
			Decoder: "/" + d.cfg.Decoder.Name,
			Joiner:  "/" + d.cfg.Joiner.Name,
		},
		Tokens:     "/" + d.cfg.Tokens.Name,
		NumThreads: d.cfg.NumThreads,
		Debug:      d.cfg.Debug,
	})
	if err != nil {
		return fail(fmt.Errorf("marshal recognizer config: %w", err))
	}
	recognizer, err := rt.CreateRecognizer(ctx, block.Ptr())
	if err != nil {
		return fail(fmt.Errorf("create recognizer: %w", err))
	}
	handle, err := rt.CreateStream(ctx, recognizer)
	if err != nil {
		if derr := rt.DestroyRecognizer(ctx, recognizer); derr != nil {
			d.log.Warn("failed to destroy recognizer", slogError(derr))
		}
		return fail(fmt.Errorf("create stream: %w", err))
	}

	main := &Stream{handle: handle, state: StateReady}
	d.mu.Lock()
	d.rt = rt
	d.arena = arena
	d.config = block
	d.recognizer = recognizer
	d.streams = []*Stream{main}
	d.main = main
	d.state = StateReady
	d.mu.Unlock()

	span.SetAttributes(attribute.Int("decoder.assets", len(assets)))
	d.log.Info("decoder ready", slog.Int("num_threads", int(d.cfg.NumThreads)))
	status("Recognizer ready")
	return nil
}

func (d *Decoder) fetch(ctx context.Context, asset Asset, status func(string)) ([]byte, error) {
	status(fmt.Sprintf("Checking %s...", asset.Name))
	lastStep := -1
	res, err := d.fetcher.Fetch(ctx, asset.Name, asset.URL, func(f float64) {
		step := int(f * 10)
		if step == lastStep {
			return
		}
		lastStep = step
		status(fmt.Sprintf("Downloading %s (one-time) %d%%", asset.Name, step*10))
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", asset.Name, err)
	}
	sizeMB := float64(len(res.Data)) / (1024 * 1024)
	if res.FromCache {
		status(fmt.Sprintf("Loading %s from cache (%.1fMB)", asset.Name, sizeMB))
	} else {
		status(fmt.Sprintf("Downloaded %s (%.1fMB)", asset.Name, sizeMB))
	}
	return res.Data, nil
}

func (d *Decoder) check() error {
	switch d.state {
	case StateClosed:
		return ErrClosed
	case StateUninitialized:
		return ErrNotInitialized
	}
	return nil
}

func (d *Decoder) checkStream(s *Stream) error {
	if err := d.check(); err != nil {
		return err
	}
	if s == nil || s.state == StateClosed {
		return ErrClosed
	}
	return nil
}

// NewStream creates an additional stream on the recognizer.
func (d *Decoder) NewStream(ctx context.Context) (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	handle, err := d.rt.CreateStream(ctx, d.recognizer)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	s := &Stream{handle: handle, state: StateReady}
	d.streams = append(d.streams, s)
	return s, nil
}

// AcceptWaveform copies samples into engine memory and feeds them to s. The
// stream must be drained of earlier audio first.
func (d *Decoder) AcceptWaveform(ctx context.Context, s *Stream, sampleRate int, samples []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkStream(s); err != nil {
		return err
	}
	if (s.state == StateAccepting || s.state == StateDecoding) && !s.drained {
		return ErrNotDrained
	}
	p, err := d.arena.AllocFloat32(ctx, samples)
	if err != nil {
		return fmt.Errorf("copy samples: %w", err)
	}
	err = d.rt.AcceptWaveform(ctx, s.handle, sampleRate, p, len(samples))
	if ferr := d.arena.Free(ctx, p); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return fmt.Errorf("accept waveform: %w", err)
	}
	s.state = StateAccepting
	s.drained = false
	return nil
}

// IsStreamReady reports whether s holds enough audio for one decode step.
func (d *Decoder) IsStreamReady(ctx context.Context, s *Stream) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkStream(s); err != nil {
		return false, err
	}
	ready, err := d.rt.IsReady(ctx, d.recognizer, s.handle)
	if err != nil {
		return false, fmt.Errorf("is ready: %w", err)
	}
	if !ready {
		s.drained = true
	}
	return ready, nil
}

// DecodeStep advances s by one frame.
func (d *Decoder) DecodeStep(ctx context.Context, s *Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkStream(s); err != nil {
		return err
	}
	if err := d.rt.Decode(ctx, d.recognizer, s.handle); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	s.state = StateDecoding
	s.drained = false
	if d.steps != nil {
		d.steps.Add(ctx, 1)
	}
	return nil
}

type engineResult struct {
	Text string `json:"text"`
}

// Result returns the current best hypothesis for a drained stream and moves
// it to idle.
func (d *Decoder) Result(ctx context.Context, s *Stream) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkStream(s); err != nil {
		return "", err
	}
	if (s.state == StateAccepting || s.state == StateDecoding) && !s.drained {
		return "", ErrNotDrained
	}
	p, err := d.rt.ResultJSON(ctx, d.recognizer, s.handle)
	if err != nil {
		return "", fmt.Errorf("get result: %w", err)
	}
	raw, rerr := d.rt.ReadCString(p)
	if derr := d.rt.DestroyResultJSON(ctx, p); derr != nil {
		d.log.Warn("failed to free result", slogError(derr))
	}
	if rerr != nil {
		return "", fmt.Errorf("read result: %w", rerr)
	}
	var res engineResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return "", fmt.Errorf("parse result: %w", err)
	}
	s.state = StateIdle
	return strings.TrimSpace(res.Text), nil
}

// Reset clears s so the next segment starts from an empty hypothesis.
func (d *Decoder) Reset(ctx context.Context, s *Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkStream(s); err != nil {
		return err
	}
	if err := d.rt.ResetStream(ctx, d.recognizer, s.handle); err != nil {
		return fmt.Errorf("reset stream: %w", err)
	}
	s.state = StateIdle
	s.drained = false
	return nil
}

// Transcribe runs one segment through the main stream: accept, drain,
// read the result, reset. A failure resets the stream so later segments can
// still be attempted.
func (d *Decoder) Transcribe(ctx context.Context, sampleRate int, samples []float32) (text string, err error) {
	d.mu.Lock()
	s := d.main
	checkErr := d.check()
	d.mu.Unlock()
	if checkErr != nil {
		return "", checkErr
	}

	ctx, span := d.tracer.Start(ctx, "decoder.transcribe",
		trace.WithAttributes(attribute.Int("audio.samples", len(samples))))
	started := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrNotInitialized) {
				if rerr := d.Reset(ctx, s); rerr != nil {
					d.log.Warn("failed to reset stream after error", slogError(rerr))
				}
			}
		} else if d.latency != nil {
			d.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000)
		}
		span.End()
	}()

	if err := d.AcceptWaveform(ctx, s, sampleRate, samples); err != nil {
		return "", err
	}
	for {
		ready, err := d.IsStreamReady(ctx, s)
		if err != nil {
			return "", err
		}
		if !ready {
			break
		}
		if err := d.DecodeStep(ctx, s); err != nil {
			return "", err
		}
	}
	text, err = d.Result(ctx, s)
	if err != nil {
		return "", err
	}
	if err := d.Reset(ctx, s); err != nil {
		return "", err
	}
	return text, nil
}

// Close frees every engine resource in dependency order: config strings and
// struct, streams, the recognizer, then the runtime. It is idempotent.
func (d *Decoder) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateClosed {
		return nil
	}
	prev := d.state
	d.state = StateClosed
	if prev == StateUninitialized {
		return nil
	}

	var errs []error
	if err := d.config.Release(ctx); err != nil {
		errs = append(errs, fmt.Errorf("release config: %w", err))
	}
	for _, s := range d.streams {
		if err := d.rt.DestroyStream(ctx, s.handle); err != nil {
			errs = append(errs, fmt.Errorf("destroy stream: %w", err))
		}
		s.state = StateClosed
	}
	if err := d.rt.DestroyRecognizer(ctx, d.recognizer); err != nil {
		errs = append(errs, fmt.Errorf("destroy recognizer: %w", err))
	}
	if err := d.arena.Release(ctx); err != nil {
		errs = append(errs, fmt.Errorf("release arena: %w", err))
	}
	if err := d.rt.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	d.streams = nil
	d.main = nil
	d.log.Info("decoder closed")
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
