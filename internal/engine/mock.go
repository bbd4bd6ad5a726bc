package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
)

// MockOptions shapes the in-process engine.
type MockOptions struct {
	// FrameSamples is how many buffered samples one decode step consumes.
	FrameSamples int
	// Transcript renders the hypothesis for the samples decoded since the
	// last reset.
	Transcript func(decoded []float32) string
	// FailDecode, when set, is consulted before every decode step.
	FailDecode func(step int) error
}

// MockLoader loads MockRuntime instances. The image is ignored beyond being
// required.
type MockLoader struct {
	Options MockOptions

	mu   sync.Mutex
	last *MockRuntime
}

func (l *MockLoader) Load(_ context.Context, image []byte, assets map[string][]byte) (Runtime, error) {
	if len(image) == 0 {
		return nil, errors.New("empty runtime image")
	}
	rt := NewMockRuntime(assets, l.Options)
	l.mu.Lock()
	l.last = rt
	l.mu.Unlock()
	return rt, nil
}

// Last returns the most recently loaded runtime.
func (l *MockLoader) Last() *MockRuntime {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

type mockRecognizer struct {
	config RecognizerConfig
}

type mockStream struct {
	recognizer Handle
	pending    []float32
	decoded    []float32
}

// MockRuntime is a pure-Go engine with the same memory and call contract as
// the real one. It records every lifecycle call in order.
type MockRuntime struct {
	mu          sync.Mutex
	opts        MockOptions
	assets      map[string][]byte
	mem         []byte
	allocs      map[Ptr]uint32
	recognizers map[Handle]*mockRecognizer
	streams     map[Handle]*mockStream
	steps       int
	ops         []string
	closed      bool
}

func NewMockRuntime(assets map[string][]byte, opts MockOptions) *MockRuntime {
	if opts.FrameSamples <= 0 {
		opts.FrameSamples = 1600
	}
	if opts.Transcript == nil {
		opts.Transcript = defaultTranscript
	}
	return &MockRuntime{
		opts:        opts,
		assets:      assets,
		mem:         make([]byte, 8),
		allocs:      make(map[Ptr]uint32),
		recognizers: make(map[Handle]*mockRecognizer),
		streams:     make(map[Handle]*mockStream),
	}
}

func defaultTranscript(decoded []float32) string {
	if len(decoded) == 0 {
		return ""
	}
	return fmt.Sprintf("[transcript samples=%d]", len(decoded))
}

// Ops returns the recorded lifecycle calls.
func (m *MockRuntime) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// Live reports outstanding allocations, recognizers and streams.
func (m *MockRuntime) Live() (allocs, recognizers, streams int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocs), len(m.recognizers), len(m.streams)
}

// RecognizerConfig returns the configuration a recognizer was built from, as
// read out of engine memory.
func (m *MockRuntime) RecognizerConfig(h Handle) (RecognizerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recognizers[h]
	if !ok {
		return RecognizerConfig{}, false
	}
	return r.config, true
}

func (m *MockRuntime) record(format string, args ...any) {
	m.ops = append(m.ops, fmt.Sprintf(format, args...))
}

func (m *MockRuntime) malloc(size uint32) Ptr {
	if size == 0 {
		size = 1
	}
	start := (len(m.mem) + 7) &^ 7
	m.mem = append(m.mem, make([]byte, start+int(size)-len(m.mem))...)
	p := Ptr(start)
	m.allocs[p] = size
	return p
}

func (m *MockRuntime) Malloc(_ context.Context, size uint32) (Ptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("runtime closed")
	}
	return m.malloc(size), nil
}

func (m *MockRuntime) Free(_ context.Context, p Ptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allocs[p]; !ok {
		return fmt.Errorf("free of unallocated pointer %#x", uint32(p))
	}
	delete(m.allocs, p)
	m.record("free:%d", p)
	return nil
}

func (m *MockRuntime) Write(p Ptr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := int(p) + len(data)
	if end > len(m.mem) {
		return ErrOutOfBounds
	}
	copy(m.mem[p:end], data)
	return nil
}

func (m *MockRuntime) Read(p Ptr, size uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(p, size)
}

func (m *MockRuntime) read(p Ptr, size uint32) ([]byte, error) {
	end := int(p) + int(size)
	if end > len(m.mem) {
		return nil, ErrOutOfBounds
	}
	return append([]byte(nil), m.mem[p:end]...), nil
}

func (m *MockRuntime) ReadCString(p Ptr) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCString(p)
}

func (m *MockRuntime) readCString(p Ptr) (string, error) {
	if p == 0 || int(p) >= len(m.mem) {
		return "", ErrOutOfBounds
	}
	n := bytes.IndexByte(m.mem[p:], 0)
	if n < 0 {
		return "", ErrOutOfBounds
	}
	return string(m.mem[p : int(p)+n]), nil
}

// cstringFunc lets the mock resolve config strings while it holds its lock.
type cstringFunc func(Ptr) (string, error)

func (f cstringFunc) ReadCString(p Ptr) (string, error) { return f(p) }

func (m *MockRuntime) CreateRecognizer(_ context.Context, config Ptr) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.read(config, RecognizerConfigSize)
	if err != nil {
		return 0, err
	}
	view, err := DecodeRecognizerConfig(raw)
	if err != nil {
		return 0, err
	}
	if view.NumThreads <= 0 {
		return 0, fmt.Errorf("invalid num_threads %d", view.NumThreads)
	}
	cfg, err := ReadConfig(cstringFunc(m.readCString), view)
	if err != nil {
		return 0, fmt.Errorf("read config path: %w", err)
	}
	for _, path := range []string{cfg.Transducer.Encoder, cfg.Transducer.Decoder, cfg.Transducer.Joiner, cfg.Tokens} {
		if _, ok := m.assets[strings.TrimPrefix(path, "/")]; !ok {
			return 0, fmt.Errorf("model file %q not found", path)
		}
	}

	h := Handle(m.malloc(16))
	m.recognizers[h] = &mockRecognizer{config: cfg}
	m.record("create_recognizer")
	return h, nil
}

func (m *MockRuntime) CreateStream(_ context.Context, recognizer Handle) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recognizers[recognizer]; !ok {
		return 0, fmt.Errorf("unknown recognizer %#x", uint32(recognizer))
	}
	h := Handle(m.malloc(16))
	m.streams[h] = &mockStream{recognizer: recognizer}
	m.record("create_stream")
	return h, nil
}

func (m *MockRuntime) stream(h Handle) (*mockStream, error) {
	s, ok := m.streams[h]
	if !ok {
		return nil, fmt.Errorf("unknown stream %#x", uint32(h))
	}
	return s, nil
}

func (m *MockRuntime) AcceptWaveform(_ context.Context, stream Handle, _ int, samples Ptr, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.stream(stream)
	if err != nil {
		return err
	}
	raw, err := m.read(samples, uint32(4*n))
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		s.pending = append(s.pending, math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	return nil
}

func (m *MockRuntime) IsReady(_ context.Context, _, stream Handle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.stream(stream)
	if err != nil {
		return false, err
	}
	return len(s.pending) >= m.opts.FrameSamples, nil
}

func (m *MockRuntime) Decode(_ context.Context, _, stream Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.stream(stream)
	if err != nil {
		return err
	}
	m.steps++
	if m.opts.FailDecode != nil {
		if err := m.opts.FailDecode(m.steps); err != nil {
			return err
		}
	}
	n := m.opts.FrameSamples
	if n > len(s.pending) {
		n = len(s.pending)
	}
	s.decoded = append(s.decoded, s.pending[:n]...)
	s.pending = s.pending[n:]
	return nil
}

func (m *MockRuntime) ResultJSON(_ context.Context, _, stream Handle) (Ptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.stream(stream)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(map[string]any{
		"text":   m.opts.Transcript(s.decoded),
		"tokens": []string{},
	})
	if err != nil {
		return 0, err
	}
	raw := cString(string(payload))
	p := m.malloc(uint32(len(raw)))
	copy(m.mem[p:], raw)
	return p, nil
}

func (m *MockRuntime) DestroyResultJSON(_ context.Context, p Ptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allocs[p]; !ok {
		return fmt.Errorf("destroy of unknown result %#x", uint32(p))
	}
	delete(m.allocs, p)
	return nil
}

func (m *MockRuntime) ResetStream(_ context.Context, _, stream Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.stream(stream)
	if err != nil {
		return err
	}
	s.pending = nil
	s.decoded = nil
	return nil
}

func (m *MockRuntime) DestroyStream(_ context.Context, stream Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.stream(stream); err != nil {
		return err
	}
	delete(m.streams, stream)
	delete(m.allocs, Ptr(stream))
	m.record("destroy_stream")
	return nil
}

func (m *MockRuntime) DestroyRecognizer(_ context.Context, recognizer Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recognizers[recognizer]; !ok {
		return fmt.Errorf("unknown recognizer %#x", uint32(recognizer))
	}
	delete(m.recognizers, recognizer)
	delete(m.allocs, Ptr(recognizer))
	m.record("destroy_recognizer")
	return nil
}

func (m *MockRuntime) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.record("close")
	return nil
}
