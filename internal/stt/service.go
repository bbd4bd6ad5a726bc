package stt

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Sender accepts inbound channel messages. channel.Channel satisfies it.
type Sender interface {
	Send(msg protocol.Message) error
}

// Service bridges the recognition channel onto the bus: audio segments from
// remote capture processes arrive on asr.audio, and every channel event is
// published to asr.event.<type>.
type Service struct {
	bus     *bus.Client
	channel Sender
	log     *slog.Logger

	mu    sync.Mutex
	sub   *nats.Subscription
	ready atomic.Bool
	recv  atomic.Uint64
}

func NewService(busClient *bus.Client, channel Sender, logger *slog.Logger) *Service {
	return &Service{
		bus:     busClient,
		channel: channel,
		log:     logger.With(slog.String("component", "stt-bridge")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Subscribe(protocol.SubjectAudio, s.handleAudio)
	if err != nil {
		return fmt.Errorf("subscribe audio: %w", err)
	}
	if err := s.bus.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.ready.Store(true)
	s.log.Info("bridging audio", slog.String("subject", protocol.SubjectAudio))
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.ready.Load() && s.bus.Healthy()
}

// Received reports how many audio messages were forwarded into the channel.
func (s *Service) Received() uint64 {
	return s.recv.Load()
}

func (s *Service) handleAudio(subject string, msg protocol.Message) {
	if msg.Type != protocol.TypeAudio {
		s.log.Warn("ignoring non-audio message", slog.String("subject", subject), slog.String("type", string(msg.Type)))
		return
	}
	if err := s.channel.Send(msg); err != nil {
		s.log.Warn("failed to enqueue remote audio", slogError(err))
		return
	}
	s.recv.Add(1)
}

// Publish forwards a channel event to its bus subject.
func (s *Service) Publish(msg protocol.Message) {
	if err := s.bus.Publish(protocol.EventSubject(msg.Type), msg); err != nil {
		s.log.Warn("failed to publish event", slog.String("type", string(msg.Type)), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
