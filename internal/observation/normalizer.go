package observation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	DefaultClip  = 10.0
	initialCount = 1e-4
	varEpsilon   = 1e-8
)

// RunningMeanStd tracks per-feature mean and population variance with the
// parallel moments update.
type RunningMeanStd struct {
	Count    float64
	Mean     []float64
	Variance []float64
}

func NewRunningMeanStd(size int) *RunningMeanStd {
	r := &RunningMeanStd{
		Count:    initialCount,
		Mean:     make([]float64, size),
		Variance: make([]float64, size),
	}
	for i := range r.Variance {
		r.Variance[i] = 1
	}
	return r
}

// Update folds a batch of rows into the running moments.
func (r *RunningMeanStd) Update(batch [][]float64) error {
	if len(batch) == 0 {
		return nil
	}
	n := len(r.Mean)
	col := make([]float64, len(batch))
	mean := make([]float64, n)
	variance := make([]float64, n)
	for j := 0; j < n; j++ {
		for i, row := range batch {
			if len(row) != n {
				return fmt.Errorf("row %d width=%d want=%d", i, len(row), n)
			}
			col[i] = row[j]
		}
		mean[j], variance[j] = stat.PopMeanVariance(col, nil)
	}
	r.updateFromMoments(mean, variance, float64(len(batch)))
	return nil
}

func (r *RunningMeanStd) updateFromMoments(batchMean, batchVar []float64, batchCount float64) {
	total := r.Count + batchCount

	delta := make([]float64, len(r.Mean))
	floats.SubTo(delta, batchMean, r.Mean)

	m2 := make([]float64, len(r.Mean))
	for i := range m2 {
		m2[i] = r.Variance[i]*r.Count + batchVar[i]*batchCount +
			delta[i]*delta[i]*r.Count*batchCount/total
	}
	floats.AddScaled(r.Mean, batchCount/total, delta)
	floats.ScaleTo(r.Variance, 1/total, m2)
	r.Count = total
}

// Normalizer standardizes observation vectors with running statistics and
// clamps the result to ±Clip. While Training is set every processed vector
// also updates the statistics.
type Normalizer struct {
	Clip     float64
	Training bool

	rms *RunningMeanStd
}

func NewNormalizer(size int, clip float64) *Normalizer {
	if clip <= 0 {
		clip = DefaultClip
	}
	return &Normalizer{Clip: clip, Training: true, rms: NewRunningMeanStd(size)}
}

// NewNormalizerFrom seeds the statistics, for example from a saved model.
func NewNormalizerFrom(mean, variance []float64, clip float64) (*Normalizer, error) {
	if len(mean) != len(variance) {
		return nil, fmt.Errorf("mean width=%d variance width=%d", len(mean), len(variance))
	}
	n := NewNormalizer(len(mean), clip)
	copy(n.rms.Mean, mean)
	copy(n.rms.Variance, variance)
	return n, nil
}

// MergeNormalizers averages clip, mean, variance and step count across
// normalizers of equal width.
func MergeNormalizers(others []*Normalizer) (*Normalizer, error) {
	if len(others) == 0 {
		return nil, fmt.Errorf("no normalizers to merge")
	}
	size := others[0].Size()
	mean := make([]float64, size)
	variance := make([]float64, size)
	clip, steps := 0.0, 0
	for _, o := range others {
		if o.Size() != size {
			return nil, fmt.Errorf("width mismatch: %d vs %d", o.Size(), size)
		}
		floats.Add(mean, o.rms.Mean)
		floats.Add(variance, o.rms.Variance)
		clip += o.Clip
		steps += o.Steps()
	}
	k := float64(len(others))
	floats.Scale(1/k, mean)
	floats.Scale(1/k, variance)
	merged, err := NewNormalizerFrom(mean, variance, clip/k)
	if err != nil {
		return nil, err
	}
	merged.rms.Count = float64(steps / len(others))
	return merged, nil
}

func (n *Normalizer) Size() int { return len(n.rms.Mean) }

// Steps is the number of rows folded in so far.
func (n *Normalizer) Steps() int { return int(n.rms.Count) }

func (n *Normalizer) Mean() []float64 { return append([]float64(nil), n.rms.Mean...) }

func (n *Normalizer) Variance() []float64 { return append([]float64(nil), n.rms.Variance...) }

// Process normalizes each row in place, updating statistics first when
// training.
func (n *Normalizer) Process(batch [][]float64) error {
	if n.Training {
		if err := n.rms.Update(batch); err != nil {
			return err
		}
	}
	for _, row := range batch {
		if len(row) != n.Size() {
			return fmt.Errorf("row width=%d want=%d", len(row), n.Size())
		}
		for j, x := range row {
			v := (x - n.rms.Mean[j]) / math.Sqrt(n.rms.Variance[j]+varEpsilon)
			row[j] = math.Max(-n.Clip, math.Min(n.Clip, v))
		}
	}
	return nil
}

// NormalizerState is the persistable form of a Normalizer.
type NormalizerState struct {
	Clip     float64   `json:"clip"`
	Count    float64   `json:"count"`
	Mean     []float64 `json:"mean"`
	Variance []float64 `json:"variance"`
}

func (n *Normalizer) State() NormalizerState {
	return NormalizerState{Clip: n.Clip, Count: n.rms.Count, Mean: n.Mean(), Variance: n.Variance()}
}

// RestoreNormalizer rebuilds a normalizer from a saved state. The result is
// in training mode.
func RestoreNormalizer(st NormalizerState) (*Normalizer, error) {
	n, err := NewNormalizerFrom(st.Mean, st.Variance, st.Clip)
	if err != nil {
		return nil, err
	}
	if st.Count > 0 {
		n.rms.Count = st.Count
	}
	return n, nil
}
