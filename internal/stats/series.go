package stats

import (
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Downsample picks at most max evenly spaced points from data. The input is
// returned unchanged when it already fits.
func Downsample(data []float64, max int) []float64 {
	if max <= 0 || len(data) <= max {
		return data
	}
	out := make([]float64, 0, max)
	step := float64(len(data)) / float64(max)
	for i := 0; i < max; i++ {
		out = append(out, data[int(float64(i)*step)])
	}
	return out
}

// Normalize maps data onto [0,1] by its min and max. A flat series maps to 0.
func Normalize(data []float64) []float64 {
	if len(data) == 0 {
		return nil
	}
	lo, hi := floats.Min(data), floats.Max(data)
	span := hi - lo
	if span == 0 {
		span = 1
	}
	out := make([]float64, len(data))
	for i, d := range data {
		out[i] = (d - lo) / span
	}
	return out
}

// ValueHistory remembers the most recent value estimates pushed for one
// agent. It is safe for concurrent use.
type ValueHistory struct {
	mu   sync.Mutex
	ring *Ring[float64]
}

func NewValueHistory(length int) *ValueHistory {
	if length <= 0 {
		length = 100
	}
	return &ValueHistory{ring: NewRing[float64](length)}
}

func (h *ValueHistory) Push(v float64) {
	h.mu.Lock()
	h.ring.Push(v)
	h.mu.Unlock()
}

func (h *ValueHistory) Latest() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.Last()
}

// Normalized places the latest value between the history's min (0) and max
// (1). It returns 0 when the history is empty or flat.
func (h *ValueHistory) Normalized() float64 {
	h.mu.Lock()
	vals := h.ring.Values()
	h.mu.Unlock()
	if len(vals) == 0 {
		return 0
	}
	n := Normalize(vals)
	return n[len(n)-1]
}

func (h *ValueHistory) Values() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.Values()
}
