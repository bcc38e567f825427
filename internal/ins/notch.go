package ins

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// NotchParams configures one harmonic notch: a narrow band-stop at a
// fundamental frequency and its first Harmonics multiples, removing
// mechanical vibration noise before it reaches the control loop.
type NotchParams struct {
	Enabled       bool
	FrequencyHz   float64
	BandwidthHz   float64
	AttenuationDB float64
	Harmonics     int
	// EnableOnAllInstances runs this notch on every instance instead of
	// only the primary. Skipping non-primary instances saves CPU at the
	// cost of filter fidelity during a primary switch.
	EnableOnAllInstances bool
}

// notchSection is a single biquad band-stop section, direct form I with
// vector delay elements.
type notchSection struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2, y1, y2 r3.Vec
	state          filterState
}

func (n *notchSection) init(sampleHz, centerHz, bandwidthHz, attenuationDB float64) {
	a := math.Pow(10, -attenuationDB/40)
	q := centerHz / bandwidthHz
	omega := 2 * math.Pi * centerHz / sampleHz
	alpha := math.Sin(omega) / (2 * q)
	a0inv := 1 / (1 + alpha)
	n.b0 = (1 + alpha*a*a) * a0inv
	n.b1 = -2 * math.Cos(omega) * a0inv
	n.b2 = (1 - alpha*a*a) * a0inv
	n.a1 = n.b1
	n.a2 = (1 - alpha) * a0inv
}

func (n *notchSection) apply(v r3.Vec) r3.Vec {
	if n.state == stateJustReset {
		// first sample of a fresh series: assume steady state at v
		n.x1, n.x2, n.y1, n.y2 = v, v, v, v
		n.state = stateActive
	}
	out := r3.Sub(
		r3.Add(r3.Scale(n.b0, v), r3.Add(r3.Scale(n.b1, n.x1), r3.Scale(n.b2, n.x2))),
		r3.Add(r3.Scale(n.a1, n.y1), r3.Scale(n.a2, n.y2)))
	n.x2, n.x1 = n.x1, v
	n.y2, n.y1 = n.y1, out
	return out
}

func (n *notchSection) reset() {
	n.x1, n.x2, n.y1, n.y2 = r3.Vec{}, r3.Vec{}, r3.Vec{}, r3.Vec{}
	n.state = stateJustReset
}

// harmonicNotch cascades one notch section per harmonic of the configured
// fundamental.
type harmonicNotch struct {
	params   NotchParams
	sampleHz float64
	sections []notchSection
}

// retune rebuilds the cascade for the given sample rate. Harmonics that
// land at or above the usable band (45% of the sample rate) are dropped.
func (h *harmonicNotch) retune(sampleHz float64) {
	h.sampleHz = sampleHz
	h.sections = h.sections[:0]
	if !h.params.Enabled || sampleHz <= 0 || h.params.FrequencyHz <= 0 || h.params.BandwidthHz <= 0 {
		return
	}
	harmonics := h.params.Harmonics
	if harmonics < 1 {
		harmonics = 1
	}
	for k := 1; k <= harmonics; k++ {
		center := h.params.FrequencyHz * float64(k)
		if center >= 0.45*sampleHz {
			break
		}
		var s notchSection
		s.init(sampleHz, center, h.params.BandwidthHz, h.params.AttenuationDB)
		s.state = stateJustReset
		h.sections = append(h.sections, s)
	}
}

func (h *harmonicNotch) apply(v r3.Vec) r3.Vec {
	for i := range h.sections {
		v = h.sections[i].apply(v)
	}
	return v
}

func (h *harmonicNotch) reset() {
	for i := range h.sections {
		h.sections[i].reset()
	}
}
