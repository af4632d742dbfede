// Package observation flattens per-agent sensor readings into the feature
// vector the external model consumes.
package observation

import "iter"

// SensorReading is the ordered output of one sensor module for one tick.
type SensorReading []float64

// Observation aggregates the readings of one agent in one environment for a
// single control tick. Reading order is the sensor registration order and
// must match the model's declared input layout.
type Observation struct {
	ContextID int
	Agent     int

	readings []SensorReading
	width    int
}

func New(contextID, agent int) *Observation {
	return &Observation{ContextID: contextID, Agent: agent}
}

// AddSensorReading appends a copy of r; later changes to r are not seen.
func (o *Observation) AddSensorReading(r SensorReading) {
	cp := make(SensorReading, len(r))
	copy(cp, r)
	o.readings = append(o.readings, cp)
	o.width += len(cp)
}

// Len is the flattened vector width.
func (o *Observation) Len() int { return o.width }

func (o *Observation) Readings() int { return len(o.readings) }

// Values yields the flattened vector lazily. The sequence can be ranged over
// any number of times.
func (o *Observation) Values() iter.Seq[float64] {
	return func(yield func(float64) bool) {
		for _, r := range o.readings {
			for _, v := range r {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// Vector materializes Values into a fresh slice.
func (o *Observation) Vector() []float64 {
	out := make([]float64, 0, o.width)
	for v := range o.Values() {
		out = append(out, v)
	}
	return out
}
