package audio

import "sync/atomic"

// Gate is a per-block energy classifier. A block is active iff its peak
// absolute amplitude strictly exceeds the threshold.
type Gate struct {
	threshold float32
	onLevel   func(float32)

	seen   atomic.Uint64
	active atomic.Uint64
}

// GateStats summarizes gating decisions.
type GateStats struct {
	BlocksSeen   uint64 `json:"blocks_seen"`
	BlocksActive uint64 `json:"blocks_active"`
}

// NewGate returns a gate; onLevel, when non-nil, receives every block's peak.
func NewGate(threshold float32, onLevel func(float32)) *Gate {
	return &Gate{threshold: threshold, onLevel: onLevel}
}

// Classify reports whether the block should be kept.
func (g *Gate) Classify(b Block) bool {
	level := Peak(b.Samples)
	if g.onLevel != nil {
		g.onLevel(level)
	}
	g.seen.Add(1)
	if level > g.threshold {
		g.active.Add(1)
		return true
	}
	return false
}

func (g *Gate) Stats() GateStats {
	return GateStats{BlocksSeen: g.seen.Load(), BlocksActive: g.active.Load()}
}

// Peak returns the maximum absolute sample value.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}
