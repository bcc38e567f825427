package ins

import "gonum.org/v1/gonum/spatial/r3"

// applyFilters runs the cascaded filter chain on one corrected sample:
// spectral snapshot, notch bank, low-pass last. Caller holds s.mu. Returns
// the filtered value recorded for publication.
func (b *Backend) applyFilters(s *sensorState, sample r3.Vec) r3.Vec {
	phase := 0
	b.offerSpectral(s, sample, phase)
	phase++

	filtered := sample
	primary := b.isPrimaryInstance(s)
	for i := range s.notches {
		n := &s.notches[i]
		if !n.params.Enabled {
			continue
		}
		if !n.params.EnableOnAllInstances && !primary {
			// reset while inactive so a later activation starts from a
			// clean series instead of stale state
			n.reset()
		} else {
			filtered = n.apply(filtered)
		}
		b.offerSpectral(s, filtered, phase)
		phase++
	}

	filtered = s.lowpass.apply(filtered)

	if !finite(filtered) {
		// transient numeric fault: reset every filter and hold the last
		// good value; the next good sample restarts the chain
		s.lowpass.reset()
		for i := range s.notches {
			s.notches[i].reset()
		}
		filtered = s.filtered
	}
	s.filtered = filtered
	return filtered
}
