package ins

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// UpdateGyro drains the instance's integration window into the
// consumer-visible state. This is the sole drain point: one call consumes
// at most one window, and a drain with nothing pending publishes a zero,
// invalid delta rather than repeating the previous one. Filter retuning
// also propagates here, at the consumer cadence.
func (b *Backend) UpdateGyro(h Handle) {
	s := b.gyroState(h)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.killed.Load() {
		s.mu.Unlock()
		return
	}
	b.drain(s)
	b.retuneGyroFilters(s)
	s.mu.Unlock()
}

// UpdateAccel drains the instance's integration window into the
// consumer-visible state, exactly like UpdateGyro.
func (b *Backend) UpdateAccel(h Handle) {
	s := b.accelState(h)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.killed.Load() {
		s.mu.Unlock()
		return
	}
	b.drain(s)
	b.retuneAccelFilters(s)
	s.mu.Unlock()
}

// drain moves a pending integration window into the published state and
// opens the next window. When nothing is pending it actively zeroes the
// published delta and clears the valid flag, so a consumer that polls
// faster than the sensor produces never observes the same window twice.
// Caller holds s.mu.
func (b *Backend) drain(s *sensorState) {
	if !s.pending {
		s.pubDelta = r3.Vec{}
		s.pubDeltaDT = 0
		s.pubValid = false
		return
	}
	s.pubValue = s.filtered
	s.pubHealthy = true

	s.pubDelta = s.acc
	s.pubDeltaDT = s.accDT
	s.pubValid = true

	s.acc = r3.Vec{}
	s.accDT = 0
	s.pending = false
}

// retuneGyroFilters follows configuration and rate changes at the consumer
// cadence. While the sensors are converging the low-pass tracks the moving
// rate estimate every cycle. Caller holds s.mu.
func (b *Backend) retuneGyroFilters(s *sensorState) {
	rateHz := s.rate.Rate()
	if s.lastCutoffHz != b.cfg.GyroCutoffHz || b.sensorsConverging() {
		s.lowpass.setCutoff(rateHz, b.cfg.GyroCutoffHz)
		s.lastCutoffHz = b.cfg.GyroCutoffHz
	}
	for i := range s.notches {
		n := &s.notches[i]
		if !n.params.Enabled {
			continue
		}
		if math.Abs(n.sampleHz-rateHz) > 0.01*rateHz {
			n.retune(rateHz)
		}
	}
}

// retuneAccelFilters follows configuration changes at the consumer
// cadence. Caller holds s.mu.
func (b *Backend) retuneAccelFilters(s *sensorState) {
	if s.lastCutoffHz != b.cfg.AccelCutoffHz {
		s.lowpass.setCutoff(s.rate.Rate(), b.cfg.AccelCutoffHz)
		s.lastCutoffHz = b.cfg.AccelCutoffHz
	}
}

// Gyro returns the published filtered angular rate and its health flag.
func (b *Backend) Gyro(h Handle) (r3.Vec, bool) {
	s := b.gyroState(h)
	if s == nil {
		return r3.Vec{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubValue, s.pubHealthy
}

// Accel returns the published filtered specific force and its health flag.
func (b *Backend) Accel(h Handle) (r3.Vec, bool) {
	s := b.accelState(h)
	if s == nil {
		return r3.Vec{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubValue, s.pubHealthy
}

// DeltaAngle returns the published delta-angle, its elapsed time in
// seconds, and whether the window is valid.
func (b *Backend) DeltaAngle(h Handle) (r3.Vec, float64, bool) {
	s := b.gyroState(h)
	if s == nil {
		return r3.Vec{}, 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubDelta, s.pubDeltaDT, s.pubValid
}

// DeltaVelocity returns the published delta-velocity, its elapsed time in
// seconds, and whether the window is valid.
func (b *Backend) DeltaVelocity(h Handle) (r3.Vec, float64, bool) {
	s := b.accelState(h)
	if s == nil {
		return r3.Vec{}, 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubDelta, s.pubDeltaDT, s.pubValid
}
