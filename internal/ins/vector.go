package ins

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// identity leaves vectors unchanged; used for unset orientations.
var identity = r3.NewRotation(0, r3.Vec{X: 1})

// finite reports whether every component of v is a finite number.
func finite(v r3.Vec) bool {
	return !(math.IsNaN(v.X) || math.IsInf(v.X, 0) ||
		math.IsNaN(v.Y) || math.IsInf(v.Y, 0) ||
		math.IsNaN(v.Z) || math.IsInf(v.Z, 0))
}

// scaleAxes multiplies v component-wise by s.
func scaleAxes(v, s r3.Vec) r3.Vec {
	return r3.Vec{X: v.X * s.X, Y: v.Y * s.Y, Z: v.Z * s.Z}
}

// orientationOrIdentity substitutes the identity rotation for a zero-valued
// one, so callers can leave orientations unset in CorrectionParams.
func orientationOrIdentity(r r3.Rotation) r3.Rotation {
	if r == (r3.Rotation{}) {
		return identity
	}
	return r
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
