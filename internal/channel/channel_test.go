package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeHandler struct {
	mu       sync.Mutex
	initErr  error
	failLen  int
	gate     chan struct{}
	seen     []int
	closed   bool
	inflight int
	maxConc  int
}

func (f *fakeHandler) Init(_ context.Context, status func(string)) error {
	status("Loading encoder.onnx from cache (1.0MB)")
	return f.initErr
}

func (f *fakeHandler) Transcribe(_ context.Context, _ int, samples []float32) (string, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxConc {
		f.maxConc = f.inflight
	}
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	f.seen = append(f.seen, len(samples))
	if f.failLen != 0 && len(samples) == f.failLen {
		return "", errors.New("engine fault")
	}
	return fmt.Sprintf("segment of %d", len(samples)), nil
}

func (f *fakeHandler) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func audio(seq uint64, n int) protocol.Message {
	return protocol.NewAudio(protocol.AudioPayload{
		Sequence:   seq,
		SampleRate: 16000,
		PCM:        protocol.EncodeSamples(make([]float32, n)),
	})
}

// collect reads events until a message of type stop has been seen count times.
func collect(t *testing.T, ch *Channel, stop protocol.MessageType, count int) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	deadline := time.After(5 * time.Second)
	for seen := 0; seen < count; {
		select {
		case msg, ok := <-ch.Events():
			if !ok {
				t.Fatalf("events closed early after %d messages", len(out))
			}
			out = append(out, msg)
			if msg.Type == stop {
				seen++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s events, got %v", count, stop, out)
		}
	}
	return out
}

func TestInitThenOrderedResults(t *testing.T) {
	h := &fakeHandler{}
	ch := New(h, Options{}, newLogger())
	defer ch.Close()

	if err := ch.Send(protocol.NewInit()); err != nil {
		t.Fatalf("send init: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := ch.Send(audio(uint64(i), i*10)); err != nil {
			t.Fatalf("send audio: %v", err)
		}
	}

	events := collect(t, ch, protocol.TypeResult, 5)
	if events[0].Type != protocol.TypeStatus {
		t.Fatalf("expected status first, got %s", events[0].Type)
	}
	var sawReady bool
	var seqs []uint64
	for _, ev := range events {
		switch ev.Type {
		case protocol.TypeReady:
			sawReady = true
		case protocol.TypeResult:
			if !sawReady {
				t.Fatal("result before ready")
			}
			res, err := ev.Result()
			if err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if !res.IsFinal {
				t.Fatal("every segment result is final")
			}
			seqs = append(seqs, res.Sequence)
		}
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("results out of order: %v", seqs)
		}
	}
	if !ch.Ready() {
		t.Fatal("expected channel ready")
	}
}

func TestSendCopiesMessage(t *testing.T) {
	h := &fakeHandler{gate: make(chan struct{})}
	ch := New(h, Options{}, newLogger())
	defer ch.Close()

	_ = ch.Send(protocol.NewInit())
	msg := audio(1, 4)
	if err := ch.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := range msg.Data {
		msg.Data[i] = 'x'
	}
	close(h.gate)

	events := collect(t, ch, protocol.TypeResult, 1)
	res, err := events[len(events)-1].Result()
	if err != nil {
		t.Fatalf("sender mutation leaked into the queue: %v", err)
	}
	if res.Text != "segment of 4" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestAudioBeforeReadyIsNonFatal(t *testing.T) {
	ch := New(&fakeHandler{}, Options{}, newLogger())
	defer ch.Close()

	_ = ch.Send(audio(7, 4))
	events := collect(t, ch, protocol.TypeError, 1)
	payload, err := events[0].Error()
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Fatal || payload.Sequence != 7 {
		t.Fatalf("unexpected error payload %+v", payload)
	}
}

func TestInitFailureIsFatal(t *testing.T) {
	ch := New(&fakeHandler{initErr: errors.New("download encoder.onnx: HTTP 404")}, Options{}, newLogger())
	defer ch.Close()

	_ = ch.Send(protocol.NewInit())
	events := collect(t, ch, protocol.TypeError, 1)
	payload, _ := events[len(events)-1].Error()
	if !payload.Fatal {
		t.Fatalf("init failure must be fatal: %+v", payload)
	}
	if ch.Ready() {
		t.Fatal("channel must not be ready after init failure")
	}
}

func TestSegmentFailureContinues(t *testing.T) {
	h := &fakeHandler{failLen: 8}
	ch := New(h, Options{}, newLogger())
	defer ch.Close()

	_ = ch.Send(protocol.NewInit())
	_ = ch.Send(audio(1, 8))
	_ = ch.Send(audio(2, 4))

	events := collect(t, ch, protocol.TypeResult, 1)
	var sawError bool
	for _, ev := range events {
		if ev.Type == protocol.TypeError {
			payload, _ := ev.Error()
			if payload.Fatal || payload.Sequence != 1 {
				t.Fatalf("unexpected error %+v", payload)
			}
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected error for first segment")
	}
	res, _ := events[len(events)-1].Result()
	if res.Sequence != 2 {
		t.Fatalf("expected result for segment 2, got %d", res.Sequence)
	}
}

func TestInvalidSampleRateIsSegmentError(t *testing.T) {
	h := &fakeHandler{}
	ch := New(h, Options{}, newLogger())
	defer ch.Close()

	_ = ch.Send(protocol.NewInit())
	_ = ch.Send(protocol.NewAudio(protocol.AudioPayload{Sequence: 1, SampleRate: 0, PCM: protocol.EncodeSamples(make([]float32, 4))}))
	_ = ch.Send(audio(2, 4))

	events := collect(t, ch, protocol.TypeResult, 1)
	var sawError bool
	for _, ev := range events {
		if ev.Type == protocol.TypeError {
			payload, _ := ev.Error()
			if payload.Fatal || payload.Sequence != 1 {
				t.Fatalf("unexpected error %+v", payload)
			}
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected error for zero sample rate")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.seen) != 1 || h.seen[0] != 4 {
		t.Fatalf("decoder must only see the valid segment, saw %v", h.seen)
	}
}

func TestBacklogDropsOldestAudio(t *testing.T) {
	h := &fakeHandler{gate: make(chan struct{})}
	ch := New(h, Options{QueueDepth: 2}, newLogger())
	defer ch.Close()

	_ = ch.Send(protocol.NewInit())
	collect(t, ch, protocol.TypeReady, 1)

	// segment 1 is taken by the worker and blocks in the handler
	_ = ch.Send(audio(1, 4))
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.inflight == 1
	})
	for i := 2; i <= 5; i++ {
		_ = ch.Send(audio(uint64(i), 4))
	}
	if got := ch.Dropped(); got != 2 {
		t.Fatalf("expected 2 drops, got %d", got)
	}
	close(h.gate)

	events := collect(t, ch, protocol.TypeResult, 3)
	var seqs []uint64
	var sawStatus bool
	for _, ev := range events {
		switch ev.Type {
		case protocol.TypeResult:
			res, _ := ev.Result()
			seqs = append(seqs, res.Sequence)
		case protocol.TypeStatus:
			sawStatus = true
		}
	}
	if fmt.Sprint(seqs) != "[1 4 5]" {
		t.Fatalf("expected newest segments to survive, got %v", seqs)
	}
	if !sawStatus {
		t.Fatal("expected a status event announcing the drop")
	}
	if h.maxConc != 1 {
		t.Fatalf("decoder called concurrently (%d)", h.maxConc)
	}
}

func TestInitNeverDropped(t *testing.T) {
	h := &fakeHandler{gate: make(chan struct{})}
	ch := New(h, Options{QueueDepth: 1}, newLogger())
	defer ch.Close()

	_ = ch.Send(protocol.NewInit())
	collect(t, ch, protocol.TypeReady, 1)
	_ = ch.Send(audio(1, 4))
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.inflight == 1
	})

	_ = ch.Send(protocol.NewInit())
	_ = ch.Send(audio(2, 4))
	_ = ch.Send(audio(3, 4))

	ch.mu.Lock()
	var queued []string
	for _, m := range ch.queue {
		entry := string(m.Type)
		if m.Type == protocol.TypeAudio {
			p, _ := m.Audio()
			entry = fmt.Sprintf("audio:%d", p.Sequence)
		}
		queued = append(queued, entry)
	}
	ch.mu.Unlock()
	if fmt.Sprint(queued) != "[init audio:3]" {
		t.Fatalf("unexpected backlog %v", queued)
	}
	close(h.gate)

	events := collect(t, ch, protocol.TypeResult, 2)
	res, _ := events[len(events)-1].Result()
	if res.Sequence != 3 {
		t.Fatalf("expected the newest segment, got %d", res.Sequence)
	}
}

func TestDrainAndClose(t *testing.T) {
	h := &fakeHandler{}
	ch := New(h, Options{}, newLogger())

	var wg sync.WaitGroup
	var results int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch.Events() {
			if ev.Type == protocol.TypeResult {
				results++
			}
		}
	}()

	_ = ch.Send(protocol.NewInit())
	for i := 1; i <= 3; i++ {
		_ = ch.Send(audio(uint64(i), 4))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if ch.Pending() != 0 {
		t.Fatalf("expected empty backlog, got %d", ch.Pending())
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()
	if results != 3 {
		t.Fatalf("expected 3 results, got %d", results)
	}
	if !h.closed {
		t.Fatal("decoder not closed")
	}
	if err := ch.Send(audio(4, 4)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSendRejectsOutboundTypes(t *testing.T) {
	ch := New(&fakeHandler{}, Options{}, newLogger())
	defer ch.Close()
	if err := ch.Send(protocol.NewReady()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
