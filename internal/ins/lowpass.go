package ins

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// filterState makes filter resets explicit: the sample immediately after a
// reset is always treated as the first of a fresh series.
type filterState uint8

const (
	stateJustReset filterState = iota
	stateActive
)

// lowPass2p is a two-pole Butterworth low-pass filter applied per axis in
// direct form II with vector delay elements. It sits last in the filter
// chain to attenuate any notch-induced noise.
type lowPass2p struct {
	sampleHz float64
	cutoffHz float64

	b0, b1, b2 float64
	a1, a2     float64

	delay1, delay2 r3.Vec
	state          filterState
}

// passthrough reports whether the filter is configured out of its usable
// range and should leave samples untouched.
func (f *lowPass2p) passthrough() bool {
	return f.cutoffHz <= 0 || f.sampleHz <= 0 || f.cutoffHz*2 >= f.sampleHz
}

// setCutoff recomputes the coefficients for the given sample rate and
// cutoff. Delay state is preserved so retuning mid-stream does not glitch
// the output.
func (f *lowPass2p) setCutoff(sampleHz, cutoffHz float64) {
	f.sampleHz = sampleHz
	f.cutoffHz = cutoffHz
	if f.passthrough() {
		return
	}
	ohm := math.Tan(math.Pi * cutoffHz / sampleHz)
	c := 1 + 2*math.Cos(math.Pi/4)*ohm + ohm*ohm
	f.b0 = ohm * ohm / c
	f.b1 = 2 * f.b0
	f.b2 = f.b0
	f.a1 = 2 * (ohm*ohm - 1) / c
	f.a2 = (1 - 2*math.Cos(math.Pi/4)*ohm + ohm*ohm) / c
}

func (f *lowPass2p) apply(v r3.Vec) r3.Vec {
	if f.passthrough() {
		return v
	}
	if f.state == stateJustReset {
		// settle to the steady state for this input so the first output of
		// a fresh series equals its input
		w := r3.Scale(1/(1+f.a1+f.a2), v)
		f.delay1 = w
		f.delay2 = w
		f.state = stateActive
	}
	w := r3.Sub(v, r3.Add(r3.Scale(f.a1, f.delay1), r3.Scale(f.a2, f.delay2)))
	out := r3.Add(r3.Scale(f.b0, w), r3.Add(r3.Scale(f.b1, f.delay1), r3.Scale(f.b2, f.delay2)))
	f.delay2 = f.delay1
	f.delay1 = w
	return out
}

func (f *lowPass2p) reset() {
	f.delay1 = r3.Vec{}
	f.delay2 = r3.Vec{}
	f.state = stateJustReset
}
