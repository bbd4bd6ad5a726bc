package audio

import "fmt"

// Accumulator buffers active blocks and emits a Segment every chunkBlocks blocks.
// It is not safe for concurrent use; the capture loop owns it.
type Accumulator struct {
	chunkBlocks int
	blockLen    int
	blocks      []Block
	sequence    uint64
}

func NewAccumulator(chunkBlocks, blockLen int) *Accumulator {
	if chunkBlocks <= 0 {
		chunkBlocks = 1
	}
	return &Accumulator{
		chunkBlocks: chunkBlocks,
		blockLen:    blockLen,
		blocks:      make([]Block, 0, chunkBlocks),
	}
}

// Add appends a block and returns a segment once the buffer reaches chunk size.
func (a *Accumulator) Add(b Block) (Segment, bool, error) {
	if len(b.Samples) != a.blockLen {
		return Segment{}, false, fmt.Errorf("%w: expected %d samples, got %d", ErrBlockSize, a.blockLen, len(b.Samples))
	}
	a.blocks = append(a.blocks, b)
	if len(a.blocks) < a.chunkBlocks {
		return Segment{}, false, nil
	}
	return a.emit(), true, nil
}

// Flush emits whatever is buffered, if anything. The segment length is still
// a multiple of the block length.
func (a *Accumulator) Flush() (Segment, bool) {
	if len(a.blocks) == 0 {
		return Segment{}, false
	}
	return a.emit(), true
}

// Len returns the number of buffered blocks.
func (a *Accumulator) Len() int { return len(a.blocks) }

func (a *Accumulator) emit() Segment {
	samples := make([]float32, 0, len(a.blocks)*a.blockLen)
	sampleRate := 0
	for _, b := range a.blocks {
		samples = append(samples, b.Samples...)
		sampleRate = b.SampleRate
	}
	a.sequence++
	seg := Segment{
		Sequence:   a.sequence,
		SampleRate: sampleRate,
		Blocks:     len(a.blocks),
		Samples:    samples,
	}
	// drop references so callers' block buffers can be reused
	for i := range a.blocks {
		a.blocks[i] = Block{}
	}
	a.blocks = a.blocks[:0]
	return seg
}
