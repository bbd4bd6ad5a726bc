package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MessageType names one of the recognition channel message kinds.
type MessageType string

const (
	TypeInit   MessageType = "init"
	TypeAudio  MessageType = "audio"
	TypeStatus MessageType = "status"
	TypeReady  MessageType = "ready"
	TypeResult MessageType = "result"
	TypeError  MessageType = "error"
)

// Message is the {type, data} envelope carried by the recognition channel
// and the bus. Data is always an owned copy.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AudioPayload carries one gated segment. PCM holds float32 little-endian samples.
type AudioPayload struct {
	SessionID  string `json:"session_id,omitempty"`
	Sequence   uint64 `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	PCM        []byte `json:"pcm"`
}

// ResultPayload carries the decoded text for one segment.
type ResultPayload struct {
	SessionID string    `json:"session_id,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"isFinal"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a failure. Fatal errors come from initialization and
// block all transcription; non-fatal errors concern a single segment.
type ErrorPayload struct {
	Message  string `json:"message"`
	Fatal    bool   `json:"fatal"`
	Sequence uint64 `json:"sequence,omitempty"`
}

const (
	SubjectAudio          = "asr.audio"
	SubjectEventPrefix    = "asr.event"
	SubjectEventsWildcard = SubjectEventPrefix + ".*"
)

// EventSubject returns the bus subject for an outbound message.
func EventSubject(t MessageType) string {
	return SubjectEventPrefix + "." + string(t)
}

func NewInit() Message { return Message{Type: TypeInit} }

func NewReady() Message { return Message{Type: TypeReady} }

func NewStatus(text string) Message { return mustMessage(TypeStatus, text) }

func NewAudio(p AudioPayload) Message { return mustMessage(TypeAudio, p) }

func NewResult(p ResultPayload) Message { return mustMessage(TypeResult, p) }

func NewError(p ErrorPayload) Message { return mustMessage(TypeError, p) }

func mustMessage(t MessageType, v any) Message {
	data, err := json.Marshal(v)
	if err != nil {
		// payload types above contain only marshalable fields
		panic(fmt.Sprintf("protocol: marshal %s: %v", t, err))
	}
	return Message{Type: t, Data: data}
}

// Marshal encodes m in its JSON wire form.
func Marshal(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Unmarshal decodes a wire message. The returned message owns its data.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}

// Clone returns a message that shares no memory with m.
func (m Message) Clone() Message {
	out := Message{Type: m.Type}
	if m.Data != nil {
		out.Data = append(json.RawMessage(nil), m.Data...)
	}
	return out
}

func (m Message) Audio() (AudioPayload, error) {
	var p AudioPayload
	return p, m.decode(TypeAudio, &p)
}

func (m Message) Result() (ResultPayload, error) {
	var p ResultPayload
	return p, m.decode(TypeResult, &p)
}

func (m Message) Error() (ErrorPayload, error) {
	var p ErrorPayload
	return p, m.decode(TypeError, &p)
}

func (m Message) Status() (string, error) {
	var s string
	return s, m.decode(TypeStatus, &s)
}

func (m Message) decode(want MessageType, v any) error {
	if m.Type != want {
		return fmt.Errorf("message type %q is not %q", m.Type, want)
	}
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// EncodeSamples serializes samples as float32 little-endian bytes.
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}

// DecodeSamples is the inverse of EncodeSamples.
func DecodeSamples(pcm []byte) ([]float32, error) {
	if len(pcm)%4 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned: %d bytes", len(pcm))
	}
	out := make([]float32, len(pcm)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[4*i:]))
	}
	return out, nil
}
