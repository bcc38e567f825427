package ins

import (
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"
)

// Kind distinguishes the two measurement streams an IMU produces.
type Kind uint8

const (
	// Gyro is the angular-rate stream, in rad/s.
	Gyro Kind = iota
	// Accel is the specific-force stream, in m/s².
	Accel
)

func (k Kind) String() string {
	switch k {
	case Gyro:
		return "gyro"
	case Accel:
		return "accel"
	default:
		return "unknown"
	}
}

// Handle addresses one registered sensor instance of a given kind.
type Handle uint8

// MaxInstances is the fixed capacity of per-instance state records.
const MaxInstances = 3

// sensorState is the complete state record for one gyro or accel stream.
//
// mu covers the accumulator, the filter state and the published state. It
// is held only across accumulate+filter and across publish-drain, never
// across correction, rate estimation or sink calls. Fields above mu are
// either owned by the instance's single producer context or atomic.
type sensorState struct {
	kind  Kind
	index Handle

	// producer context only
	rate rateEstimator
	// lastSampleMicros chains hardware timestamps for dt; it lives in the
	// driver's own monotonic timebase. lastArrivalMicros is the pipeline
	// clock reading of the last accepted sample, used for staleness. The
	// two must never be differenced against each other.
	lastSampleMicros  int64
	lastArrivalMicros int64
	oversampling      uint8
	spectralScale     float64

	// primary-notification bookkeeping, producer context only
	primaryKnown      bool
	isPrimary         bool
	lastPrimaryNotify int64

	corr CorrectionParams

	killed      atomic.Bool
	calibrating atomic.Bool
	errorCount  atomic.Uint32
	tempBits    atomic.Uint64

	mu sync.Mutex

	// accumulator (under mu)
	acc       r3.Vec
	accDT     float64
	lastRaw   r3.Vec
	lastDelta r3.Vec
	pending   bool

	// filter state (under mu)
	lowpass      lowPass2p
	notches      []harmonicNotch
	filtered     r3.Vec
	lastCutoffHz float64

	// published state (under mu)
	pubValue   r3.Vec
	pubHealthy bool
	pubDelta   r3.Vec
	pubDeltaDT float64
	pubValid   bool
}

// Temperature returns the last published sensor temperature in °C.
func (s *sensorState) Temperature() float64 {
	return math.Float64frombits(s.tempBits.Load())
}

func (s *sensorState) setTemperature(t float64) {
	s.tempBits.Store(math.Float64bits(t))
}
