package engine

import (
	"encoding/binary"
	"fmt"
)

// Recognizer configuration layout as the engine reads it: little-endian,
// 32-bit pointers, fields in calling-convention order. The model and
// recognizer structs carry trailing fields this pipeline leaves zeroed.
const (
	PtrSize = 4

	TransducerConfigSize = 3 * PtrSize
	ModelConfigSize      = TransducerConfigSize + 12*4
	RecognizerConfigSize = ModelConfigSize + 20*4

	OffsetEncoder    = 0
	OffsetDecoder    = 4
	OffsetJoiner     = 8
	OffsetTokens     = 12
	OffsetNumThreads = 16
	OffsetDebug      = 20
)

// TransducerConfig names the three transducer model files.
type TransducerConfig struct {
	Encoder string
	Decoder string
	Joiner  string
}

// RecognizerConfig is the typed recognizer configuration.
type RecognizerConfig struct {
	Transducer TransducerConfig
	Tokens     string
	NumThreads int32
	Debug      bool
}

// ConfigView is the recognizer configuration exactly as laid out in engine
// memory.
type ConfigView struct {
	Encoder    Ptr
	Decoder    Ptr
	Joiner     Ptr
	Tokens     Ptr
	NumThreads int32
	Debug      int32
}

// EncodeRecognizerConfig serializes v into a RecognizerConfigSize buffer.
func EncodeRecognizerConfig(v ConfigView) []byte {
	buf := make([]byte, RecognizerConfigSize)
	le := binary.LittleEndian
	le.PutUint32(buf[OffsetEncoder:], uint32(v.Encoder))
	le.PutUint32(buf[OffsetDecoder:], uint32(v.Decoder))
	le.PutUint32(buf[OffsetJoiner:], uint32(v.Joiner))
	le.PutUint32(buf[OffsetTokens:], uint32(v.Tokens))
	le.PutUint32(buf[OffsetNumThreads:], uint32(v.NumThreads))
	le.PutUint32(buf[OffsetDebug:], uint32(v.Debug))
	return buf
}

// DecodeRecognizerConfig reads the view back from a serialized buffer.
func DecodeRecognizerConfig(buf []byte) (ConfigView, error) {
	if len(buf) < RecognizerConfigSize {
		return ConfigView{}, fmt.Errorf("recognizer config: need %d bytes, got %d", RecognizerConfigSize, len(buf))
	}
	le := binary.LittleEndian
	return ConfigView{
		Encoder:    Ptr(le.Uint32(buf[OffsetEncoder:])),
		Decoder:    Ptr(le.Uint32(buf[OffsetDecoder:])),
		Joiner:     Ptr(le.Uint32(buf[OffsetJoiner:])),
		Tokens:     Ptr(le.Uint32(buf[OffsetTokens:])),
		NumThreads: int32(le.Uint32(buf[OffsetNumThreads:])),
		Debug:      int32(le.Uint32(buf[OffsetDebug:])),
	}, nil
}

// transducerStrings packs the three transducer paths into one NUL-terminated
// backing buffer and returns each path's offset within it.
func transducerStrings(t TransducerConfig) ([]byte, [3]uint32) {
	var offsets [3]uint32
	buf := make([]byte, 0, len(t.Encoder)+len(t.Decoder)+len(t.Joiner)+3)
	for i, s := range []string{t.Encoder, t.Decoder, t.Joiner} {
		offsets[i] = uint32(len(buf))
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	return buf, offsets
}

func cString(s string) []byte {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return buf
}
