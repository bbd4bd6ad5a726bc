package decoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-transcribe/internal/engine"
	"github.com/loqalabs/loqa-transcribe/internal/modelcache"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeFetcher struct {
	data    map[string][]byte
	cached  map[string]bool
	failing string
	calls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, name, _ string, onProgress modelcache.ProgressFunc) (modelcache.Result, error) {
	f.calls = append(f.calls, name)
	if name == f.failing {
		return modelcache.Result{}, errors.New("HTTP 404")
	}
	if !f.cached[name] && onProgress != nil {
		onProgress(0.5)
		onProgress(1)
	}
	return modelcache.Result{Data: f.data[name], FromCache: f.cached[name]}, nil
}

func testConfig() Config {
	return Config{
		Runtime:    Asset{Name: "engine.wasm", URL: "http://assets/engine.wasm"},
		Encoder:    Asset{Name: "encoder.onnx", URL: "http://assets/encoder"},
		Decoder:    Asset{Name: "decoder.onnx", URL: "http://assets/decoder"},
		Joiner:     Asset{Name: "joiner.onnx", URL: "http://assets/joiner"},
		Tokens:     Asset{Name: "tokens.txt", URL: "http://assets/tokens"},
		SampleRate: 16000,
		NumThreads: 2,
		Debug:      true,
	}
}

func testFetcher() *fakeFetcher {
	return &fakeFetcher{
		data: map[string][]byte{
			"engine.wasm":  []byte("\x00asm"),
			"encoder.onnx": []byte("enc"),
			"decoder.onnx": []byte("dec"),
			"joiner.onnx":  []byte("join"),
			"tokens.txt":   []byte("a 0\n"),
		},
		cached: map[string]bool{"engine.wasm": true},
	}
}

func newDecoder(t *testing.T, opts engine.MockOptions) (*Decoder, *engine.MockLoader) {
	t.Helper()
	loader := &engine.MockLoader{Options: opts}
	d := New(testConfig(), testFetcher(), loader, newLogger())
	if err := d.Init(context.Background(), nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	return d, loader
}

func TestInitBuildsRecognizerFromAssets(t *testing.T) {
	loader := &engine.MockLoader{}
	fetcher := testFetcher()
	d := New(testConfig(), fetcher, loader, newLogger())

	var statuses []string
	if err := d.Init(context.Background(), func(s string) { statuses = append(statuses, s) }); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !d.Ready() {
		t.Fatalf("expected ready, got %s", d.State())
	}
	if strings.Join(fetcher.calls, ",") != "engine.wasm,encoder.onnx,decoder.onnx,joiner.onnx,tokens.txt" {
		t.Fatalf("unexpected fetch order %v", fetcher.calls)
	}

	cfg, ok := loader.Last().RecognizerConfig(d.recognizer)
	if !ok {
		t.Fatal("recognizer not registered with engine")
	}
	if cfg.Transducer.Joiner != "/joiner.onnx" || cfg.Tokens != "/tokens.txt" || cfg.NumThreads != 2 || !cfg.Debug {
		t.Fatalf("engine saw config %+v", cfg)
	}

	joined := strings.Join(statuses, "\n")
	for _, want := range []string{"Loading engine.wasm from cache", "Downloading encoder.onnx (one-time) 50%", "Recognizer ready"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing status %q in:\n%s", want, joined)
		}
	}
}

func TestInitFailureLeavesUninitialized(t *testing.T) {
	fetcher := testFetcher()
	fetcher.failing = "joiner.onnx"
	loader := &engine.MockLoader{}
	d := New(testConfig(), fetcher, loader, newLogger())

	if err := d.Init(context.Background(), nil); err == nil {
		t.Fatal("expected init failure")
	}
	if d.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", d.State())
	}
	if loader.Last() != nil {
		t.Fatal("engine should not load when an asset is missing")
	}
	if _, err := d.Transcribe(context.Background(), 16000, make([]float32, 10)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

// droppingLoader loses one asset on the way into the engine, so recognizer
// construction fails after the runtime is already up.
type droppingLoader struct {
	engine.MockLoader
	drop string
}

func (l *droppingLoader) Load(ctx context.Context, image []byte, assets map[string][]byte) (engine.Runtime, error) {
	delete(assets, l.drop)
	return l.MockLoader.Load(ctx, image, assets)
}

func TestConstructionFailureReleasesEngine(t *testing.T) {
	loader := &droppingLoader{drop: "joiner.onnx"}
	d := New(testConfig(), testFetcher(), loader, newLogger())

	if err := d.Init(context.Background(), nil); err == nil {
		t.Fatal("expected recognizer construction to fail")
	}
	if d.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", d.State())
	}
	rt := loader.Last()
	allocs, recognizers, streams := rt.Live()
	if allocs != 0 || recognizers != 0 || streams != 0 {
		t.Fatalf("leaked engine state: allocs=%d recognizers=%d streams=%d", allocs, recognizers, streams)
	}
	if ops := rt.Ops(); ops[len(ops)-1] != "close" {
		t.Fatalf("engine not closed: %v", ops)
	}
}

func TestTranscribeDrainsAndResets(t *testing.T) {
	d, _ := newDecoder(t, engine.MockOptions{FrameSamples: 100})
	ctx := context.Background()

	text, err := d.Transcribe(ctx, 16000, make([]float32, 350))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "[transcript samples=300]" {
		t.Fatalf("unexpected text %q", text)
	}
	if d.main.State() != StateIdle {
		t.Fatalf("expected idle stream, got %s", d.main.State())
	}

	// the reset dropped the 50 leftover samples and the earlier hypothesis
	text, err = d.Transcribe(ctx, 16000, make([]float32, 200))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "[transcript samples=200]" {
		t.Fatalf("second segment repeated earlier text: %q", text)
	}
}

func TestAcceptRequiresDrain(t *testing.T) {
	d, _ := newDecoder(t, engine.MockOptions{FrameSamples: 10})
	ctx := context.Background()
	s := d.main

	if err := d.AcceptWaveform(ctx, s, 16000, make([]float32, 30)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.State() != StateAccepting {
		t.Fatalf("expected accepting, got %s", s.State())
	}
	if err := d.AcceptWaveform(ctx, s, 16000, make([]float32, 30)); !errors.Is(err, ErrNotDrained) {
		t.Fatalf("expected ErrNotDrained, got %v", err)
	}
	if _, err := d.Result(ctx, s); !errors.Is(err, ErrNotDrained) {
		t.Fatalf("expected ErrNotDrained from result, got %v", err)
	}

	steps := 0
	for {
		ready, err := d.IsStreamReady(ctx, s)
		if err != nil {
			t.Fatalf("is ready: %v", err)
		}
		if !ready {
			break
		}
		if err := d.DecodeStep(ctx, s); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if s.State() != StateDecoding {
			t.Fatalf("expected decoding, got %s", s.State())
		}
		steps++
	}
	if steps != 3 {
		t.Fatalf("expected 3 steps, got %d", steps)
	}
	if err := d.AcceptWaveform(ctx, s, 16000, make([]float32, 5)); err != nil {
		t.Fatalf("accept after drain: %v", err)
	}
}

func TestDecodeFailureKeepsStream(t *testing.T) {
	failing := true
	d, _ := newDecoder(t, engine.MockOptions{
		FrameSamples: 10,
		FailDecode: func(int) error {
			if failing {
				return errors.New("engine fault")
			}
			return nil
		},
	})
	ctx := context.Background()

	if _, err := d.Transcribe(ctx, 16000, make([]float32, 20)); err == nil {
		t.Fatal("expected decode failure")
	}
	failing = false
	text, err := d.Transcribe(ctx, 16000, make([]float32, 20))
	if err != nil {
		t.Fatalf("stream should survive a failed segment: %v", err)
	}
	if text != "[transcript samples=20]" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestCloseTeardownOrder(t *testing.T) {
	d, loader := newDecoder(t, engine.MockOptions{})
	ctx := context.Background()
	extra, err := d.NewStream(ctx)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	view, err := d.config.View()
	if err != nil {
		t.Fatalf("config view: %v", err)
	}
	configPtr := d.config.Ptr()
	rt := loader.Last()
	before := len(rt.Ops())

	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	ops := rt.Ops()[before:]
	want := []string{
		"free:" + ptr(view.Encoder),
		"free:" + ptr(view.Tokens),
		"free:" + ptr(configPtr),
		"destroy_stream",
		"destroy_stream",
		"destroy_recognizer",
		"close",
	}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Fatalf("teardown order\n got %v\nwant %v", ops, want)
	}
	allocs, recognizers, streams := rt.Live()
	if allocs != 0 || recognizers != 0 || streams != 0 {
		t.Fatalf("leaked engine state: allocs=%d recognizers=%d streams=%d", allocs, recognizers, streams)
	}
	if extra.State() != StateClosed {
		t.Fatalf("expected closed stream, got %s", extra.State())
	}

	if _, err := d.Transcribe(ctx, 16000, make([]float32, 10)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := d.Init(ctx, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed decoder must not reinitialize, got %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func ptr(p engine.Ptr) string {
	return strconv.FormatUint(uint64(p), 10)
}
