package ins

import "gonum.org/v1/gonum/spatial/r3"

// integrateGyro folds one corrected gyro sample into the instance's
// delta-angle accumulator and runs the filter chain, all inside the
// instance lock. trapezoid selects trapezoidal integration against the
// previous raw sample; the on-chip delta path uses rectangular. Returns
// the filtered value for the sink fan-out. Staleness is judged on pipeline
// clock arrival times (lastArrivalMicros vs nowMicros), never on hardware
// timestamps, which live in their own timebase.
//
// The coning term follows Tian et al (2010), "Three-loop Integration of
// GPS and Strapdown INS with Coning and Sculling Compensation": the angles
// and corrections are accumulated together, which simulation showed to be
// indistinguishable from accumulating them separately.
func (b *Backend) integrateGyro(s *sensorState, gyro r3.Vec, dt float64, lastArrivalMicros, nowMicros int64, trapezoid bool) r3.Vec {
	var dAngle r3.Vec
	if trapezoid {
		dAngle = r3.Scale(0.5*dt, r3.Add(gyro, s.lastRaw))
	} else {
		dAngle = r3.Scale(dt, gyro)
	}

	staleMicros := b.cfg.StaleWindow.Microseconds()

	s.mu.Lock()
	if nowMicros-lastArrivalMicros > staleMicros {
		// sensor gap: discard the window rather than inject a spurious
		// large step
		s.acc = r3.Vec{}
		s.accDT = 0
		dt = 0
		dAngle = r3.Vec{}
	}

	coning := r3.Scale(0.5, r3.Cross(r3.Add(s.acc, r3.Scale(1.0/6.0, s.lastDelta)), dAngle))
	s.acc = r3.Add(s.acc, r3.Add(dAngle, coning))
	s.accDT += dt

	s.lastDelta = dAngle
	s.lastRaw = gyro

	filtered := b.applyFilters(s, gyro)
	s.pending = true
	s.mu.Unlock()
	return filtered
}

// integrateAccel folds one corrected accel sample into the delta-velocity
// accumulator (rectangular, no coning) and runs the filter chain, inside
// the instance lock.
func (b *Backend) integrateAccel(s *sensorState, accel r3.Vec, dt float64, lastArrivalMicros, nowMicros int64) r3.Vec {
	staleMicros := b.cfg.StaleWindow.Microseconds()

	s.mu.Lock()
	if nowMicros-lastArrivalMicros > staleMicros {
		s.acc = r3.Vec{}
		s.accDT = 0
		dt = 0
	}

	s.acc = r3.Add(s.acc, r3.Scale(dt, accel))
	s.accDT += dt
	s.lastRaw = accel

	filtered := b.applyFilters(s, accel)
	s.pending = true
	s.mu.Unlock()
	return filtered
}
