package ins

import "gonum.org/v1/gonum/spatial/r3"

// RawLogMode selects which form of each sample the structured log sink
// receives.
type RawLogMode uint8

const (
	RawLogNone RawLogMode = iota
	RawLogPre
	RawLogPost
	RawLogPreAndPost
)

// ParseRawLogMode maps the tuning-config spelling of a raw-log mode to its
// value.
func ParseRawLogMode(s string) (RawLogMode, bool) {
	switch s {
	case "", "none":
		return RawLogNone, true
	case "pre":
		return RawLogPre, true
	case "post":
		return RawLogPost, true
	case "both":
		return RawLogPreAndPost, true
	default:
		return RawLogNone, false
	}
}

// RawLogPolicy controls the structured-logging fan-out.
type RawLogPolicy struct {
	Mode RawLogMode
	// AllInstances logs every instance; otherwise only the primary.
	AllInstances bool
}

// SampleRecord is one raw or filtered sample offered to the structured log
// sink.
type SampleRecord struct {
	Instance   Handle
	Kind       Kind
	TimeMicros int64
	Sample     r3.Vec
	PostFilter bool
}

// RawLogSink receives structured per-sample records. Records are offered
// fire-and-forget from the ingestion path; implementations must not block.
type RawLogSink interface {
	WriteSample(rec SampleRecord)
}

// BatchSink receives samples for batch capture when structured logging
// declines them, and sensor-rate taps when capturing at sensor rate.
type BatchSink interface {
	Sample(instance Handle, kind Kind, timeMicros int64, v r3.Vec)
	// SensorRate reports whether the sink is capturing raw sensor-rate
	// samples instead of pipeline-rate ones.
	SensorRate() bool
	// PostFilter reports whether the sink wants post-filter samples.
	PostFilter() bool
}

// SpectralSink captures gyro samples at one tap point of the filter chain,
// selected by phase: 0 is pre-notch, k is the output of the k-th enabled
// notch.
type SpectralSink interface {
	Phase() int
	Push(instance Handle, v r3.Vec)
}

// FlowSink receives body-frame angular rates for an optical-flow consumer.
type FlowSink interface {
	PushGyro(x, y, dt float64)
}

// HeaterSink receives the temperature of the designated heater instance so
// an external loop can hold it constant.
type HeaterSink interface {
	SetTemperature(temperatureC float64)
}

// PrimarySink is the timing-sensitive downstream consumer of
// primary-status notifications.
type PrimarySink interface {
	SetPrimary(instance Handle, primary bool)
}

// logRaw fans one sample out per the raw-logging policy, falling back to
// the batch sink for samples the structured log declines. Runs outside the
// instance lock.
func (b *Backend) logRaw(s *sensorState, timeMicros int64, raw, filtered r3.Vec) {
	pol := b.cfg.RawLog
	if b.rawLog != nil && pol.Mode != RawLogNone && (pol.AllInstances || b.isPrimaryInstance(s)) {
		switch pol.Mode {
		case RawLogPreAndPost:
			b.rawLog.WriteSample(SampleRecord{s.index, s.kind, timeMicros, raw, false})
			b.rawLog.WriteSample(SampleRecord{s.index, s.kind, timeMicros, filtered, true})
		case RawLogPost:
			b.rawLog.WriteSample(SampleRecord{s.index, s.kind, timeMicros, filtered, true})
		default:
			b.rawLog.WriteSample(SampleRecord{s.index, s.kind, timeMicros, raw, false})
		}
		return
	}
	if b.batch != nil && !b.batch.SensorRate() {
		v := raw
		post := b.batch.PostFilter()
		if post {
			v = filtered
		}
		b.batch.Sample(s.index, s.kind, timeMicros, v)
	}
}

// offerSpectral offers a sample at the given chain phase to the spectral
// sink. Scaling by the raw-sampling multiplier keeps oversampled instances
// comparable in the capture window.
func (b *Backend) offerSpectral(s *sensorState, v r3.Vec, phase int) {
	sink := b.spectral
	if sink == nil || s.kind != Gyro || sink.Phase() != phase {
		return
	}
	sink.Push(s.index, r3.Scale(s.spectralScale, v))
}
