package audio

import (
	"errors"
	"testing"
)

func rampBlock(index uint64, n int) Block {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(index*uint64(n)+uint64(i)) / 1000
	}
	return Block{Index: index, SampleRate: 16000, Samples: samples}
}

func TestSegmentAssemblyPreservesOrder(t *testing.T) {
	const (
		n = 4
		l = 5
	)
	acc := NewAccumulator(n, l)
	var (
		seg   Segment
		ready bool
		err   error
	)
	for i := 0; i < n; i++ {
		seg, ready, err = acc.Add(rampBlock(uint64(i), l))
		if err != nil {
			t.Fatalf("add block %d: %v", i, err)
		}
		if i < n-1 && ready {
			t.Fatalf("segment emitted early after %d blocks", i+1)
		}
	}
	if !ready {
		t.Fatal("expected segment after chunk size blocks")
	}
	if len(seg.Samples) != n*l {
		t.Fatalf("expected %d samples, got %d", n*l, len(seg.Samples))
	}
	for i, s := range seg.Samples {
		if want := float32(i) / 1000; s != want {
			t.Fatalf("sample %d out of order: want %v got %v", i, want, s)
		}
	}
	if seg.Blocks != n || seg.Sequence != 1 || seg.SampleRate != 16000 {
		t.Fatalf("unexpected segment metadata %+v", seg)
	}
}

func TestAccumulatorResetsAfterEmit(t *testing.T) {
	acc := NewAccumulator(3, 2)
	for i := 0; i < 3; i++ {
		if _, _, err := acc.Add(rampBlock(uint64(i), 2)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if acc.Len() != 0 {
		t.Fatalf("expected empty buffer after emission, got %d", acc.Len())
	}
	for i := 0; i < 2; i++ {
		if _, ready, _ := acc.Add(rampBlock(uint64(i), 2)); ready {
			t.Fatal("segment emitted before chunk size reached again")
		}
	}
	seg, ready, err := acc.Add(rampBlock(9, 2))
	if err != nil || !ready {
		t.Fatalf("expected second segment, ready=%v err=%v", ready, err)
	}
	if seg.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", seg.Sequence)
	}
}

func TestAccumulatorRejectsWrongBlockLength(t *testing.T) {
	acc := NewAccumulator(2, 4)
	if _, _, err := acc.Add(rampBlock(0, 3)); !errors.Is(err, ErrBlockSize) {
		t.Fatalf("expected ErrBlockSize, got %v", err)
	}
	if acc.Len() != 0 {
		t.Fatal("rejected block must not be buffered")
	}
}

func TestFlushPartial(t *testing.T) {
	acc := NewAccumulator(30, 4)
	if _, ok := acc.Flush(); ok {
		t.Fatal("flush of empty buffer must not emit")
	}
	acc.Add(rampBlock(0, 4))
	acc.Add(rampBlock(1, 4))
	seg, ok := acc.Flush()
	if !ok {
		t.Fatal("expected partial segment")
	}
	if len(seg.Samples) != 8 || len(seg.Samples)%4 != 0 {
		t.Fatalf("partial segment must be a whole number of blocks, got %d samples", len(seg.Samples))
	}
}

// Threshold 0.015, chunk size 2, peaks [0.02, 0.01, 0.03]: the middle block is
// dropped and one segment of two blocks is emitted after the third block.
func TestGateAndAccumulatorExample(t *testing.T) {
	const blockLen = 16
	gate := NewGate(0.015, nil)
	acc := NewAccumulator(2, blockLen)

	var segments []Segment
	for _, peak := range []float32{0.02, 0.01, 0.03} {
		b := blockWithPeak(blockLen, peak)
		if !gate.Classify(b) {
			continue
		}
		seg, ready, err := acc.Add(b)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if ready {
			segments = append(segments, seg)
		}
	}
	if len(segments) != 1 {
		t.Fatalf("expected one segment, got %d", len(segments))
	}
	if len(segments[0].Samples) != 2*blockLen {
		t.Fatalf("expected %d samples, got %d", 2*blockLen, len(segments[0].Samples))
	}
	if Peak(segments[0].Samples[:blockLen]) != 0.02 || Peak(segments[0].Samples[blockLen:]) != 0.03 {
		t.Fatal("kept blocks out of order")
	}
}
