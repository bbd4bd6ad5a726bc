package audio

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrCaptureRunning is returned by Start when a session is already active.
var ErrCaptureRunning = errors.New("capture already running")

// CaptureConfig describes one capture session.
type CaptureConfig struct {
	SampleRate  int
	BlockSize   int
	Threshold   float32
	ChunkBlocks int
	FlushOnStop bool
}

// SegmentSink receives every assembled segment tagged with its capture session.
type SegmentSink func(sessionID string, seg Segment) error

// Capture runs Source -> Gate -> Accumulator -> sink for one session at a time.
// Stopping halts block production; segments already handed to the sink are
// not recalled.
type Capture struct {
	cfg       CaptureConfig
	newSource func() (Source, error)
	sink      SegmentSink
	log       *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	sessionID string
	gate      *Gate

	level atomic.Uint32

	levelGauge    metric.Float64Gauge
	blockCounter  metric.Int64Counter
	activeCounter metric.Int64Counter
	segCounter    metric.Int64Counter
}

func NewCapture(cfg CaptureConfig, newSource func() (Source, error), sink SegmentSink, logger *slog.Logger) *Capture {
	c := &Capture{
		cfg:       cfg,
		newSource: newSource,
		sink:      sink,
		log:       logger.With(slog.String("component", "audio-capture")),
	}
	c.initMetrics()
	return c
}

func (c *Capture) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-transcribe/audio")
	var err error
	if c.levelGauge, err = meter.Float64Gauge("loqa.audio.level", metric.WithDescription("Peak amplitude of the latest captured block")); err != nil {
		c.log.Warn("failed to create level gauge", slogError(err))
	}
	if c.blockCounter, err = meter.Int64Counter("loqa.audio.blocks", metric.WithDescription("Captured blocks")); err != nil {
		c.log.Warn("failed to create block counter", slogError(err))
	}
	if c.activeCounter, err = meter.Int64Counter("loqa.audio.blocks_active", metric.WithDescription("Blocks kept by the activity gate")); err != nil {
		c.log.Warn("failed to create active block counter", slogError(err))
	}
	if c.segCounter, err = meter.Int64Counter("loqa.audio.segments", metric.WithDescription("Segments emitted by the accumulator")); err != nil {
		c.log.Warn("failed to create segment counter", slogError(err))
	}
}

// Start begins a new capture session.
func (c *Capture) Start(parent context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrCaptureRunning
	}
	src, err := c.newSource()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.sessionID = uuid.NewString()
	c.gate = NewGate(c.cfg.Threshold, c.recordLevel)

	c.log.Info("capture started", slog.String("session_id", c.sessionID))
	go c.run(ctx, src, c.sessionID, c.gate, c.done)
	return nil
}

// Stop ends the current session and waits for the capture loop to exit.
func (c *Capture) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the current session ends on its own (e.g. a finite source).
func (c *Capture) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Capture) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Level returns the peak amplitude of the most recent block.
func (c *Capture) Level() float32 {
	return math.Float32frombits(c.level.Load())
}

// Stats returns gate counters for the current or most recent session.
func (c *Capture) Stats() GateStats {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate == nil {
		return GateStats{}
	}
	return gate.Stats()
}

func (c *Capture) recordLevel(level float32) {
	c.level.Store(math.Float32bits(level))
	if c.levelGauge != nil {
		c.levelGauge.Record(context.Background(), float64(level))
	}
}

func (c *Capture) run(ctx context.Context, src Source, sessionID string, gate *Gate, done chan struct{}) {
	defer close(done)
	acc := NewAccumulator(c.cfg.ChunkBlocks, c.cfg.BlockSize)
	blocks, errs := src.Blocks(ctx)
	for blocks != nil || errs != nil {
		select {
		case b, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			c.add(c.blockCounter, 1)
			if !gate.Classify(b) {
				continue
			}
			c.add(c.activeCounter, 1)
			seg, ready, err := acc.Add(b)
			if err != nil {
				c.log.Warn("dropping block", slogError(err))
				continue
			}
			if ready {
				c.emit(sessionID, seg)
			}
		case err, ok := <-errs:
			if ok && err != nil {
				c.log.Error("capture source failed", slogError(err))
			}
			errs = nil
		}
	}

	if c.cfg.FlushOnStop {
		if seg, ok := acc.Flush(); ok {
			c.emit(sessionID, seg)
		}
	} else if acc.Len() > 0 {
		c.log.Debug("discarding trailing audio", slog.Int("blocks", acc.Len()))
	}

	c.mu.Lock()
	if c.done == done {
		c.cancel()
		c.cancel, c.done = nil, nil
	}
	c.mu.Unlock()
	c.log.Info("capture stopped", slog.String("session_id", sessionID))
}

func (c *Capture) emit(sessionID string, seg Segment) {
	c.add(c.segCounter, 1)
	if err := c.sink(sessionID, seg); err != nil {
		c.log.Warn("segment sink rejected segment", slog.Uint64("sequence", seg.Sequence), slogError(err))
	}
}

func (c *Capture) add(counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(context.Background(), n)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
