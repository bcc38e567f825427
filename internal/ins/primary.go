package ins

// SetPrimary mirrors the system-wide primary-instance decision into the
// pipeline. Arbitration happens elsewhere; this core only follows it.
func (b *Backend) SetPrimary(h Handle) {
	b.primary.Store(uint32(h))
}

// Primary returns the instance currently mirrored as primary.
func (b *Backend) Primary() Handle {
	return Handle(b.primary.Load())
}

func (b *Backend) isPrimaryInstance(s *sensorState) bool {
	return Handle(b.primary.Load()) == s.index
}

// updatePrimary recomputes the instance's primary status at the end of
// each ingestion cycle and notifies the downstream consumer when it
// changed, or unconditionally once PrimaryInterval has elapsed so a
// consumer can bound the staleness of what it last heard. Runs in the
// producer context; the bookkeeping fields are producer-owned.
func (b *Backend) updatePrimary(s *sensorState, nowMicros int64) {
	isNew := b.isPrimaryInstance(s)
	interval := b.cfg.PrimaryInterval.Microseconds()
	if s.primaryKnown && s.isPrimary == isNew && nowMicros-s.lastPrimaryNotify < interval {
		return
	}
	if b.primarySink != nil {
		b.primarySink.SetPrimary(s.index, isNew)
	}
	s.primaryKnown = true
	s.isPrimary = isNew
	s.lastPrimaryNotify = nowMicros
}
