package stt

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recordingSender) Send(msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestRemoteAudioReachesChannel(t *testing.T) {
	client := startBus(t)
	sender := &recordingSender{}
	svc := NewService(client, sender, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	samples := []float32{0.25, -0.5}
	audio := protocol.NewAudio(protocol.AudioPayload{SessionID: "remote-1", Sequence: 3, SampleRate: 16000, PCM: protocol.EncodeSamples(samples)})
	if err := client.Publish(protocol.SubjectAudio, audio); err != nil {
		t.Fatalf("publish audio: %v", err)
	}
	if err := client.Publish(protocol.SubjectAudio, protocol.NewStatus("noise")); err != nil {
		t.Fatalf("publish status: %v", err)
	}
	waitFor(t, func() bool { return svc.Received() == 1 })
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 1 {
		t.Fatalf("expected only the audio message forwarded, got %d", sender.count())
	}

	sender.mu.Lock()
	payload, err := sender.msgs[0].Audio()
	sender.mu.Unlock()
	if err != nil {
		t.Fatalf("decode forwarded audio: %v", err)
	}
	got, _ := protocol.DecodeSamples(payload.PCM)
	if payload.Sequence != 3 || payload.SessionID != "remote-1" || len(got) != 2 || got[1] != -0.5 {
		t.Fatalf("unexpected forwarded payload %+v", payload)
	}
	if !svc.Healthy() {
		t.Fatal("expected healthy bridge")
	}
}

func TestEventsPublishedBySubject(t *testing.T) {
	client := startBus(t)
	svc := NewService(client, &recordingSender{}, newLogger())

	var mu sync.Mutex
	received := map[string]protocol.Message{}
	if _, err := client.Subscribe(protocol.SubjectEventsWildcard, func(subject string, msg protocol.Message) {
		mu.Lock()
		received[subject] = msg
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	svc.Publish(protocol.NewReady())
	svc.Publish(protocol.NewResult(protocol.ResultPayload{Sequence: 1, Text: "テスト", IsFinal: true}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if _, ok := received["asr.event.ready"]; !ok {
		t.Fatalf("ready not published: %v", received)
	}
	res, err := received["asr.event.result"].Result()
	if err != nil || res.Text != "テスト" {
		t.Fatalf("unexpected result event %+v err=%v", res, err)
	}
}
