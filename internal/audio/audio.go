package audio

import (
	"context"
	"errors"
)

// ErrBlockSize is returned when a block does not match the session block length.
var ErrBlockSize = errors.New("audio block length mismatch")

// Block is a fixed-size slice of mono samples in [-1, 1].
type Block struct {
	Index      uint64
	SampleRate int
	Samples    []float32
}

// Segment is the concatenation of gated blocks submitted as one transcription unit.
type Segment struct {
	Sequence   uint64
	SampleRate int
	Blocks     int
	Samples    []float32
}

// Source produces fixed-size blocks until ctx is cancelled or input ends.
// The block channel is closed when production stops; at most one error is sent.
type Source interface {
	Blocks(ctx context.Context) (<-chan Block, <-chan error)
}
