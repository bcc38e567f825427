package ins

import (
	"math"
	"sync/atomic"
)

// Rate estimation runs in two regimes. While the sensors are still
// converging after startup the estimate locks on fast with wide bounds;
// once flight-critical filters depend on the rate it moves slowly inside
// narrow bounds so a timing glitch cannot drag it.
const (
	rateWindowMicros = 1_000_000

	steadyFilterConstant = 0.98
	steadyLowerLimit     = 0.95
	steadyUpperLimit     = 1.05

	convergingFilterConstant = 0.8
	convergingLowerLimit     = 0.5
	convergingUpperLimit     = 2.0
)

// rateEstimator tracks the true sampling frequency of a FIFO-style sensor
// from sample arrival timing. FIFO sensors produce samples at a fixed
// nominal rate, but the sensor clock drifts slightly against the system
// clock; the estimate slowly adjusts to the observed rate.
//
// count and windowStartMicros are touched only from the instance's producer
// context. The rate itself is also read from the consumer context, so it is
// stored atomically.
type rateEstimator struct {
	count             uint32
	windowStartMicros int64
	rateBits          atomic.Uint64
}

// Rate returns the current estimated sample rate in Hz.
func (r *rateEstimator) Rate() float64 {
	return math.Float64frombits(r.rateBits.Load())
}

func (r *rateEstimator) setRate(hz float64) {
	r.rateBits.Store(math.Float64bits(hz))
}

// update advances the estimate with one sample arriving at nowMicros. On a
// fresh window it only records the window start; otherwise it counts the
// sample and, once a full second has elapsed, blends the observed rate into
// the estimate and opens the next window.
func (r *rateEstimator) update(nowMicros int64, converging bool) {
	if r.windowStartMicros == 0 {
		r.count = 0
		r.windowStartMicros = nowMicros
		return
	}
	r.count++
	elapsed := nowMicros - r.windowStartMicros
	if elapsed <= rateWindowMicros {
		return
	}

	observed := float64(r.count) * 1e6 / float64(elapsed)
	k := steadyFilterConstant
	lower := steadyLowerLimit
	upper := steadyUpperLimit
	if converging {
		k = convergingFilterConstant
		lower = convergingLowerLimit
		upper = convergingUpperLimit
	}
	rate := r.Rate()
	observed = clampFloat(observed, rate*lower, rate*upper)
	r.setRate(k*rate + (1-k)*observed)

	r.count = 0
	r.windowStartMicros = nowMicros
}

// reset clears the observation window after a sensor FIFO reset so
// post-reset timing is not mistaken for true sample arrival.
func (r *rateEstimator) reset() {
	r.count = 0
	r.windowStartMicros = 0
}
