package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrClosed      = errors.New("recognition channel closed")
	ErrUnsupported = errors.New("message type not accepted by channel")
)

// Handler is the decoder behind the channel. Only the channel's worker
// goroutine calls it.
type Handler interface {
	Init(ctx context.Context, status func(string)) error
	Transcribe(ctx context.Context, sampleRate int, samples []float32) (string, error)
	Close(ctx context.Context) error
}

type Options struct {
	// QueueDepth bounds queued audio messages; 0 means unbounded. When full
	// the oldest queued audio message is dropped. Init is never dropped.
	QueueDepth int
	// EventBuffer sizes the outbound event channel.
	EventBuffer int
}

// Channel is the ordered boundary between audio producers and the decoder.
// Inbound messages are copied on Send and consumed in FIFO order by one
// worker, which is the decoder's sole caller and the sole event producer.
type Channel struct {
	handler Handler
	opts    Options
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	events chan protocol.Message

	mu           sync.Mutex
	queue        []protocol.Message
	busy         bool
	closed       bool
	ready        bool
	pendingDrops int
	dropped      uint64
	changed      chan struct{}

	dropCounter metric.Int64Counter
	processed   metric.Int64Counter
}

func New(handler Handler, opts Options, logger *slog.Logger) *Channel {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		handler: handler,
		opts:    opts,
		log:     logger.With(slog.String("component", "recognition-channel")),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		events:  make(chan protocol.Message, opts.EventBuffer),
		changed: make(chan struct{}),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-transcribe/channel")
	var err error
	if c.dropCounter, err = meter.Int64Counter("loqa.channel.dropped", metric.WithDescription("Audio messages dropped on backlog overflow")); err != nil {
		c.log.Warn("failed to create drop counter", slogError(err))
	}
	if c.processed, err = meter.Int64Counter("loqa.channel.processed", metric.WithDescription("Audio messages processed by outcome")); err != nil {
		c.log.Warn("failed to create processed counter", slogError(err))
	}
	go c.run()
	return c
}

// Events delivers status, ready, result and error messages in the order the
// worker produced them. It is closed after Close.
func (c *Channel) Events() <-chan protocol.Message {
	return c.events
}

// Send enqueues a copy of msg. Only init and audio are accepted.
func (c *Channel) Send(msg protocol.Message) error {
	if msg.Type != protocol.TypeInit && msg.Type != protocol.TypeAudio {
		return fmt.Errorf("%w: %s", ErrUnsupported, msg.Type)
	}
	msg = msg.Clone()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if msg.Type == protocol.TypeAudio && c.opts.QueueDepth > 0 {
		for c.queuedAudio() >= c.opts.QueueDepth {
			if !c.dropOldestAudio() {
				break
			}
		}
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Channel) queuedAudio() int {
	n := 0
	for _, m := range c.queue {
		if m.Type == protocol.TypeAudio {
			n++
		}
	}
	return n
}

func (c *Channel) dropOldestAudio() bool {
	for i, m := range c.queue {
		if m.Type != protocol.TypeAudio {
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.pendingDrops++
		c.dropped++
		if c.dropCounter != nil {
			c.dropCounter.Add(c.ctx, 1)
		}
		return true
	}
	return false
}

// Dropped reports how many audio messages were discarded on overflow.
func (c *Channel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Pending reports queued plus in-flight messages.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if c.busy {
		n++
	}
	return n
}

// Ready reports whether the decoder finished initialization.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Drain blocks until every queued message has been processed.
func (c *Channel) Drain(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if len(c.queue) == 0 && !c.busy {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close discards pending messages, waits for the in-flight one, closes the
// decoder and then the event channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	discarded := len(c.queue)
	c.queue = nil
	c.notifyLocked()
	c.mu.Unlock()

	c.cancel()
	<-c.done
	if discarded > 0 {
		c.log.Info("discarded pending messages", slog.Int("count", discarded))
	}
	return nil
}

func (c *Channel) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) next() (protocol.Message, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.queue) == 0 {
		return protocol.Message{}, 0, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	c.busy = true
	drops := c.pendingDrops
	c.pendingDrops = 0
	return msg, drops, true
}

func (c *Channel) finish() {
	c.mu.Lock()
	c.busy = false
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Channel) run() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.handler.Close(ctx); err != nil {
			c.log.Warn("failed to close decoder", slogError(err))
		}
		close(c.events)
		close(c.done)
	}()

	for {
		msg, drops, ok := c.next()
		if !ok {
			select {
			case <-c.wake:
				continue
			case <-c.ctx.Done():
				return
			}
		}
		if drops > 0 {
			c.log.Warn("decoder backlog full, dropped audio", slog.Int("dropped", drops))
			c.emit(protocol.NewStatus(fmt.Sprintf("Decoder backlog full: dropped %d queued segment(s)", drops)))
		}
		c.handle(msg)
		c.finish()
	}
}

func (c *Channel) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeInit:
		c.handleInit()
	case protocol.TypeAudio:
		c.handleAudio(msg)
	}
}

func (c *Channel) handleInit() {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if ready {
		c.emit(protocol.NewReady())
		return
	}

	c.emit(protocol.NewStatus("AI Engine Initializing..."))
	err := c.handler.Init(c.ctx, func(text string) {
		c.emit(protocol.NewStatus(text))
	})
	if err != nil {
		c.log.Error("decoder initialization failed", slogError(err))
		c.emit(protocol.NewError(protocol.ErrorPayload{Message: err.Error(), Fatal: true}))
		return
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.emit(protocol.NewReady())
}

func (c *Channel) handleAudio(msg protocol.Message) {
	payload, err := msg.Audio()
	if err != nil {
		c.segmentError(0, err)
		return
	}
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if !ready {
		c.segmentError(payload.Sequence, errors.New("decoder not ready"))
		return
	}
	if payload.SampleRate <= 0 {
		c.segmentError(payload.Sequence, fmt.Errorf("invalid sample rate %d", payload.SampleRate))
		return
	}
	samples, err := protocol.DecodeSamples(payload.PCM)
	if err != nil {
		c.segmentError(payload.Sequence, err)
		return
	}

	text, err := c.handler.Transcribe(c.ctx, payload.SampleRate, samples)
	if err != nil {
		c.segmentError(payload.Sequence, err)
		return
	}
	c.count("ok")
	c.emit(protocol.NewResult(protocol.ResultPayload{
		SessionID: payload.SessionID,
		Sequence:  payload.Sequence,
		Text:      text,
		IsFinal:   true,
		Timestamp: time.Now().UTC(),
	}))
}

func (c *Channel) segmentError(sequence uint64, err error) {
	c.count("error")
	c.log.Warn("segment failed", slog.Uint64("sequence", sequence), slogError(err))
	c.emit(protocol.NewError(protocol.ErrorPayload{Message: err.Error(), Sequence: sequence}))
}

func (c *Channel) count(outcome string) {
	if c.processed != nil {
		c.processed.Add(c.ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// emit blocks until the event is consumed or the channel is torn down.
func (c *Channel) emit(msg protocol.Message) {
	select {
	case c.events <- msg:
	case <-c.ctx.Done():
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
