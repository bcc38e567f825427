package ins

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestNotchSectionDCUnity(t *testing.T) {
	var n notchSection
	n.init(2000, 80, 40, 40)
	n.reset()

	in := r3.Vec{X: 1, Y: -0.5, Z: 2}
	for i := 0; i < 100; i++ {
		out := n.apply(in)
		if math.Abs(out.X-in.X) > 1e-9 || math.Abs(out.Y-in.Y) > 1e-9 || math.Abs(out.Z-in.Z) > 1e-9 {
			t.Fatalf("sample %d: constant input drifted to %v", i, out)
		}
	}
}

func TestNotchSectionAttenuatesCenter(t *testing.T) {
	var n notchSection
	n.init(2000, 80, 40, 40)
	n.reset()

	// 80 Hz tone at the notch center. 40 dB attenuation leaves 1% of the
	// amplitude once the transient dies out.
	var maxOut float64
	for i := 0; i < 4000; i++ {
		in := math.Sin(2 * math.Pi * 80 * float64(i) / 2000)
		out := n.apply(r3.Vec{X: in})
		if i >= 3000 && math.Abs(out.X) > maxOut {
			maxOut = math.Abs(out.X)
		}
	}
	if maxOut > 0.05 {
		t.Errorf("settled 80 Hz amplitude = %v, want < 0.05", maxOut)
	}
}

func TestNotchSectionPassesDistantTone(t *testing.T) {
	var n notchSection
	n.init(2000, 80, 40, 40)
	n.reset()

	// 10 Hz is far below the stop band and passes nearly unchanged.
	var maxOut float64
	for i := 0; i < 4000; i++ {
		in := math.Sin(2 * math.Pi * 10 * float64(i) / 2000)
		out := n.apply(r3.Vec{X: in})
		if i >= 3000 && math.Abs(out.X) > maxOut {
			maxOut = math.Abs(out.X)
		}
	}
	if maxOut < 0.9 {
		t.Errorf("settled 10 Hz amplitude = %v, want > 0.9", maxOut)
	}
}

func TestHarmonicNotchCascade(t *testing.T) {
	h := harmonicNotch{params: NotchParams{
		Enabled:       true,
		FrequencyHz:   300,
		BandwidthHz:   40,
		AttenuationDB: 40,
		Harmonics:     8,
	}}

	// 0.45 * 2000 = 900: harmonics at 300 and 600 fit, 900 does not.
	h.retune(2000)
	if len(h.sections) != 2 {
		t.Errorf("retune(2000): %d sections, want 2", len(h.sections))
	}

	h.retune(1000)
	if len(h.sections) != 1 {
		t.Errorf("retune(1000): %d sections, want 1", len(h.sections))
	}
}

func TestHarmonicNotchDisabled(t *testing.T) {
	h := harmonicNotch{params: NotchParams{Enabled: false, FrequencyHz: 80, BandwidthHz: 40}}
	h.retune(2000)
	if len(h.sections) != 0 {
		t.Errorf("disabled notch built %d sections", len(h.sections))
	}
	in := r3.Vec{X: 1.5}
	if out := h.apply(in); out != in {
		t.Errorf("apply with no sections = %v, want untouched", out)
	}
}

func TestHarmonicNotchZeroHarmonicsDefaultsToOne(t *testing.T) {
	h := harmonicNotch{params: NotchParams{
		Enabled:       true,
		FrequencyHz:   80,
		BandwidthHz:   40,
		AttenuationDB: 40,
	}}
	h.retune(2000)
	if len(h.sections) != 1 {
		t.Errorf("retune with Harmonics=0: %d sections, want 1", len(h.sections))
	}
}
