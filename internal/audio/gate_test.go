package audio

import "testing"

func blockWithPeak(n int, peak float32) Block {
	samples := make([]float32, n)
	samples[n/2] = peak
	return Block{SampleRate: 16000, Samples: samples}
}

func TestGateBoundary(t *testing.T) {
	const threshold = float32(0.015)
	gate := NewGate(threshold, nil)

	if gate.Classify(blockWithPeak(8, threshold)) {
		t.Fatal("block with peak exactly at threshold must be discarded")
	}
	if !gate.Classify(blockWithPeak(8, threshold+0.0001)) {
		t.Fatal("block with peak above threshold must be kept")
	}
	if !gate.Classify(blockWithPeak(8, -(threshold + 0.0001))) {
		t.Fatal("negative excursions count toward the peak")
	}

	stats := gate.Stats()
	if stats.BlocksSeen != 3 || stats.BlocksActive != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestGateReportsLevel(t *testing.T) {
	var levels []float32
	gate := NewGate(0.5, func(l float32) { levels = append(levels, l) })
	gate.Classify(blockWithPeak(4, 0.25))
	gate.Classify(blockWithPeak(4, -0.75))
	if len(levels) != 2 || levels[0] != 0.25 || levels[1] != 0.75 {
		t.Fatalf("unexpected levels %v", levels)
	}
}

func TestPeakOfSilence(t *testing.T) {
	if p := Peak(make([]float32, 16)); p != 0 {
		t.Fatalf("expected zero peak, got %v", p)
	}
	if p := Peak(nil); p != 0 {
		t.Fatalf("expected zero peak for empty block, got %v", p)
	}
}
