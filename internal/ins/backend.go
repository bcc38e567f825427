// Package ins implements the per-sample inertial-sensor processing
// pipeline: adaptive sample-rate estimation, calibration correction,
// cascaded notch/low-pass filtering with fault containment,
// coning-corrected strap-down integration, and atomic publication of
// integration windows to a lower-rate consumer.
//
// One producer context per instance calls the Notify* entry points at
// sensor rate; one consumer context calls Update* and the getters at its
// own cadence. Instances are fully independent; each owns exactly one
// mutex, held only across accumulate+filter and across publish-drain.
package ins

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/deej-io/ardupilot/internal/monitoring"
	"github.com/deej-io/ardupilot/internal/timeutil"
)

// Config carries the pipeline tuning. Zero values are replaced by the
// DefaultConfig values at construction.
type Config struct {
	// GyroCutoffHz and AccelCutoffHz set the final low-pass filters.
	GyroCutoffHz  float64
	AccelCutoffHz float64
	// Notches configures the harmonic notch bank applied to gyro streams.
	Notches []NotchParams

	// RawLog controls the structured-logging fan-out.
	RawLog RawLogPolicy

	// RateFloorHz rejects rate-derived samples while the estimated rate is
	// below it; expected to trip during startup convergence.
	RateFloorHz float64
	// StaleWindow invalidates the accumulation window after a sensor gap.
	StaleWindow time.Duration
	// PrimaryInterval bounds the staleness of primary notifications.
	PrimaryInterval time.Duration
	// ConvergenceWindow is how long after startup, while disarmed, the
	// rate estimator uses its fast/wide parameters.
	ConvergenceWindow time.Duration

	// HeaterInstance designates the instance whose temperature feeds the
	// heater sink.
	HeaterInstance Handle

	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		GyroCutoffHz:      120,
		AccelCutoffHz:     30,
		RateFloorHz:       40,
		StaleWindow:       100 * time.Millisecond,
		PrimaryInterval:   200 * time.Millisecond,
		ConvergenceWindow: 30 * time.Second,
		Clock:             timeutil.RealClock{},
	}
}

// Backend is the inertial pipeline: a fixed-capacity set of per-instance
// state records plus the sinks and policy shared across them.
type Backend struct {
	cfg   Config
	clock timeutil.Clock
	start time.Time

	armed        atomic.Bool
	tempLearning atomic.Bool
	primary      atomic.Uint32

	regMu      sync.Mutex
	gyroCount  atomic.Int32
	accelCount atomic.Int32
	gyro       [MaxInstances]sensorState
	accel      [MaxInstances]sensorState

	// optional collaborators, attached before streaming starts
	rawLog      RawLogSink
	batch       BatchSink
	spectral    SpectralSink
	flow        FlowSink
	heater      HeaterSink
	primarySink PrimarySink
	anomalies   AnomalySink
}

// AnomalySink receives register-anomaly records for persistence beyond the
// diagnostic log.
type AnomalySink interface {
	RecordRegisterAnomaly(a monitoring.RegisterAnomaly)
}

// NewBackend constructs an empty backend. Instances are added with
// RegisterGyro/RegisterAccel and sinks with the Attach* methods; both must
// happen before samples start flowing.
func NewBackend(cfg Config) *Backend {
	def := DefaultConfig()
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.RateFloorHz == 0 {
		cfg.RateFloorHz = def.RateFloorHz
	}
	if cfg.StaleWindow == 0 {
		cfg.StaleWindow = def.StaleWindow
	}
	if cfg.PrimaryInterval == 0 {
		cfg.PrimaryInterval = def.PrimaryInterval
	}
	if cfg.ConvergenceWindow == 0 {
		cfg.ConvergenceWindow = def.ConvergenceWindow
	}
	b := &Backend{
		cfg:   cfg,
		clock: cfg.Clock,
	}
	b.start = b.clock.Now()
	return b
}

// AttachRawLog sets the structured log sink.
func (b *Backend) AttachRawLog(s RawLogSink) { b.rawLog = s }

// AttachBatch sets the batch-sample sink.
func (b *Backend) AttachBatch(s BatchSink) { b.batch = s }

// AttachSpectral sets the spectral capture sink.
func (b *Backend) AttachSpectral(s SpectralSink) { b.spectral = s }

// AttachFlow sets the optical-flow consumer.
func (b *Backend) AttachFlow(s FlowSink) { b.flow = s }

// AttachHeater sets the heater-temperature consumer.
func (b *Backend) AttachHeater(s HeaterSink) { b.heater = s }

// AttachPrimarySink sets the primary-status consumer.
func (b *Backend) AttachPrimarySink(s PrimarySink) { b.primarySink = s }

// AttachAnomalySink sets the register-anomaly persistence sink.
func (b *Backend) AttachAnomalySink(s AnomalySink) { b.anomalies = s }

// RegisterGyro adds a gyro instance with its nominal sample rate and
// read-only calibration, returning the handle that addresses it.
func (b *Backend) RegisterGyro(nominalRateHz float64, corr CorrectionParams) (Handle, error) {
	return b.register(Gyro, nominalRateHz, corr)
}

// RegisterAccel adds an accel instance with its nominal sample rate and
// read-only calibration, returning the handle that addresses it.
func (b *Backend) RegisterAccel(nominalRateHz float64, corr CorrectionParams) (Handle, error) {
	return b.register(Accel, nominalRateHz, corr)
}

func (b *Backend) register(kind Kind, nominalRateHz float64, corr CorrectionParams) (Handle, error) {
	if nominalRateHz <= 0 {
		return 0, fmt.Errorf("ins: %s nominal rate must be positive, got %f", kind, nominalRateHz)
	}
	b.regMu.Lock()
	defer b.regMu.Unlock()

	count := &b.gyroCount
	states := &b.gyro
	cutoff := b.cfg.GyroCutoffHz
	if kind == Accel {
		count = &b.accelCount
		states = &b.accel
		cutoff = b.cfg.AccelCutoffHz
	}
	n := count.Load()
	if int(n) >= MaxInstances {
		return 0, fmt.Errorf("ins: all %d %s slots in use", MaxInstances, kind)
	}

	corr.MountOrientation = orientationOrIdentity(corr.MountOrientation)
	corr.BodyOrientation = orientationOrIdentity(corr.BodyOrientation)

	s := &states[n]
	s.kind = kind
	s.index = Handle(n)
	s.corr = corr
	s.spectralScale = 1
	s.rate.setRate(nominalRateHz)
	s.lowpass.setCutoff(nominalRateHz, cutoff)
	s.lowpass.reset()
	s.lastCutoffHz = cutoff
	if kind == Gyro {
		s.notches = make([]harmonicNotch, len(b.cfg.Notches))
		for i, p := range b.cfg.Notches {
			s.notches[i].params = p
			s.notches[i].retune(nominalRateHz)
		}
	}
	count.Store(n + 1)
	monitoring.Logf("ins: registered %s instance %d at %.0f Hz", kind, n, nominalRateHz)
	return Handle(n), nil
}

func (b *Backend) gyroState(h Handle) *sensorState {
	if int32(h) >= b.gyroCount.Load() {
		return nil
	}
	return &b.gyro[h]
}

func (b *Backend) accelState(h Handle) *sensorState {
	if int32(h) >= b.accelCount.Load() {
		return nil
	}
	return &b.accel[h]
}

// SetArmed records the vehicle arming state; arming ends the fast rate
// convergence regime immediately.
func (b *Backend) SetArmed(armed bool) { b.armed.Store(armed) }

// SetTempLearning enables feeding samples to the temperature models.
func (b *Backend) SetTempLearning(on bool) { b.tempLearning.Store(on) }

// sensorsConverging reports whether the sensors are still converging on
// their true sample rate: within the convergence window after startup and
// not yet armed.
func (b *Backend) sensorsConverging() bool {
	return !b.armed.Load() && b.clock.Since(b.start) < b.cfg.ConvergenceWindow
}

// Kill permanently disables every entry point for the instance; the
// pipeline itself never revives an instance.
func (b *Backend) Kill(h Handle) { b.setKilled(h, true) }

// Revive clears a kill. Only external supervision calls this.
func (b *Backend) Revive(h Handle) { b.setKilled(h, false) }

func (b *Backend) setKilled(h Handle, v bool) {
	if s := b.gyroState(h); s != nil {
		s.killed.Store(v)
	}
	if s := b.accelState(h); s != nil {
		s.killed.Store(v)
	}
}

// Killed reports whether the instance has been killed.
func (b *Backend) Killed(h Handle) bool {
	if s := b.gyroState(h); s != nil {
		return s.killed.Load()
	}
	if s := b.accelState(h); s != nil {
		return s.killed.Load()
	}
	return false
}

// SetGyroCalibrating suppresses offset/scale/temperature correction for
// the instance while an external calibration procedure runs.
func (b *Backend) SetGyroCalibrating(h Handle, on bool) {
	if s := b.gyroState(h); s != nil {
		s.calibrating.Store(on)
	}
}

// SetAccelCalibrating suppresses offset/scale/temperature correction for
// the instance while an external calibration procedure runs.
func (b *Backend) SetAccelCalibrating(h Handle, on bool) {
	if s := b.accelState(h); s != nil {
		s.calibrating.Store(on)
	}
}

// SetGyroOversampling records the driver's oversampling factor.
func (b *Backend) SetGyroOversampling(h Handle, n uint8) {
	if s := b.gyroState(h); s != nil {
		s.oversampling = n
	}
}

// SetAccelOversampling records the driver's oversampling factor.
func (b *Backend) SetAccelOversampling(h Handle, n uint8) {
	if s := b.accelState(h); s != nil {
		s.oversampling = n
	}
}

// GyroOversampling returns the recorded oversampling factor, 0 if unset.
func (b *Backend) GyroOversampling(h Handle) uint8 {
	if s := b.gyroState(h); s != nil {
		return s.oversampling
	}
	return 0
}

// AccelOversampling returns the recorded oversampling factor, 0 if unset.
func (b *Backend) AccelOversampling(h Handle) uint8 {
	if s := b.accelState(h); s != nil {
		return s.oversampling
	}
	return 0
}

// SetSpectralScale sets the multiplier applied to gyro samples offered to
// the spectral sink.
func (b *Backend) SetSpectralScale(h Handle, scale float64) {
	if s := b.gyroState(h); s != nil {
		s.spectralScale = scale
	}
}

// NotifyGyroFIFOReset clears the gyro rate-observation window after a
// sensor FIFO reset so post-reset timing is not mistaken for true sample
// arrival.
func (b *Backend) NotifyGyroFIFOReset(h Handle) {
	if s := b.gyroState(h); s != nil && !s.killed.Load() {
		s.rate.reset()
	}
}

// NotifyAccelFIFOReset clears the accel rate-observation window after a
// sensor FIFO reset.
func (b *Backend) NotifyAccelFIFOReset(h Handle) {
	if s := b.accelState(h); s != nil && !s.killed.Load() {
		s.rate.reset()
	}
}

// IncGyroErrorCount notes a transport or consistency error reported by the
// driver for this instance.
func (b *Backend) IncGyroErrorCount(h Handle) {
	if s := b.gyroState(h); s != nil {
		s.errorCount.Add(1)
	}
}

// IncAccelErrorCount notes a transport or consistency error reported by
// the driver for this instance.
func (b *Backend) IncAccelErrorCount(h Handle) {
	if s := b.accelState(h); s != nil {
		s.errorCount.Add(1)
	}
}

// GyroErrorCount returns the accumulated driver error count.
func (b *Backend) GyroErrorCount(h Handle) uint32 {
	if s := b.gyroState(h); s != nil {
		return s.errorCount.Load()
	}
	return 0
}

// AccelErrorCount returns the accumulated driver error count.
func (b *Backend) AccelErrorCount(h Handle) uint32 {
	if s := b.accelState(h); s != nil {
		return s.errorCount.Load()
	}
	return 0
}

// GyroRateHz returns the estimated gyro sample rate.
func (b *Backend) GyroRateHz(h Handle) float64 {
	if s := b.gyroState(h); s != nil {
		return s.rate.Rate()
	}
	return 0
}

// AccelRateHz returns the estimated accel sample rate.
func (b *Backend) AccelRateHz(h Handle) float64 {
	if s := b.accelState(h); s != nil {
		return s.rate.Rate()
	}
	return 0
}

// NotifyGyroSample ingests one raw sensor-frame gyro sample. sampleMicros
// is the sample's monotonic hardware timestamp in microseconds, or 0 to
// derive dt from the estimated sample rate (FIFO-style sensors bunch
// samples, so arrival time is useless for dt). Hardware timestamps only
// ever difference against each other, so any monotonic origin works.
func (b *Backend) NotifyGyroSample(h Handle, raw r3.Vec, sampleMicros int64) {
	s := b.gyroState(h)
	if s == nil || s.killed.Load() {
		return
	}
	nowMicros := timeutil.Micros(b.clock.Now())
	s.rate.update(nowMicros, b.sensorsConverging())

	lastSample := s.lastSampleMicros
	var dt float64
	if sampleMicros != 0 && lastSample != 0 {
		dt = float64(sampleMicros-lastSample) * 1e-6
		s.lastSampleMicros = sampleMicros
	} else {
		rate := s.rate.Rate()
		if rate < b.cfg.RateFloorHz {
			return
		}
		dt = 1 / rate
		if sampleMicros != 0 {
			s.lastSampleMicros = sampleMicros
		} else {
			s.lastSampleMicros = nowMicros
			sampleMicros = nowMicros
		}
	}
	arrival := s.lastArrivalMicros
	s.lastArrivalMicros = nowMicros

	gyro := s.correct(raw, b.tempLearning.Load())

	if b.flow != nil {
		b.flow.PushGyro(gyro.X, gyro.Y, dt)
	}

	filtered := b.integrateGyro(s, gyro, dt, arrival, nowMicros, true)

	b.logRaw(s, sampleMicros, gyro, filtered)
	b.updatePrimary(s, nowMicros)
}

// NotifyDeltaAngle ingests a pre-integrated delta-angle from a sensor that
// integrates on chip. FIFO-style sampling is assumed: dt always derives
// from the estimated rate, and the value must be uncorrected sensor-frame
// data.
func (b *Backend) NotifyDeltaAngle(h Handle, dAngle r3.Vec) {
	s := b.gyroState(h)
	if s == nil || s.killed.Load() {
		return
	}
	nowMicros := timeutil.Micros(b.clock.Now())
	s.rate.update(nowMicros, b.sensorsConverging())

	rate := s.rate.Rate()
	if rate < b.cfg.RateFloorHz {
		return
	}
	dt := 1 / rate
	s.lastSampleMicros = nowMicros
	arrival := s.lastArrivalMicros
	s.lastArrivalMicros = nowMicros

	gyro := s.correct(r3.Scale(1/dt, dAngle), b.tempLearning.Load())

	if b.flow != nil {
		b.flow.PushGyro(gyro.X, gyro.Y, dt)
	}

	filtered := b.integrateGyro(s, gyro, dt, arrival, nowMicros, false)

	b.logRaw(s, nowMicros, gyro, filtered)
	b.updatePrimary(s, nowMicros)
}

// NotifyAccelSample ingests one raw sensor-frame accel sample. sampleMicros
// is the sample's monotonic hardware timestamp in microseconds, or 0 to
// derive dt from the estimated sample rate.
func (b *Backend) NotifyAccelSample(h Handle, raw r3.Vec, sampleMicros int64) {
	s := b.accelState(h)
	if s == nil || s.killed.Load() {
		return
	}
	nowMicros := timeutil.Micros(b.clock.Now())
	s.rate.update(nowMicros, b.sensorsConverging())

	lastSample := s.lastSampleMicros
	var dt float64
	if sampleMicros != 0 && lastSample != 0 {
		dt = float64(sampleMicros-lastSample) * 1e-6
		s.lastSampleMicros = sampleMicros
	} else {
		rate := s.rate.Rate()
		if rate < b.cfg.RateFloorHz {
			return
		}
		dt = 1 / rate
		if sampleMicros != 0 {
			s.lastSampleMicros = sampleMicros
		} else {
			s.lastSampleMicros = nowMicros
			sampleMicros = nowMicros
		}
	}
	arrival := s.lastArrivalMicros
	s.lastArrivalMicros = nowMicros

	accel := s.correct(raw, b.tempLearning.Load())

	filtered := b.integrateAccel(s, accel, dt, arrival, nowMicros)

	b.logRaw(s, sampleMicros, accel, filtered)
}

// NotifyDeltaVelocity ingests a pre-integrated delta-velocity from a
// sensor that integrates on chip. dt always derives from the estimated
// rate, and the value must be uncorrected sensor-frame data.
func (b *Backend) NotifyDeltaVelocity(h Handle, dVel r3.Vec) {
	s := b.accelState(h)
	if s == nil || s.killed.Load() {
		return
	}
	nowMicros := timeutil.Micros(b.clock.Now())
	s.rate.update(nowMicros, b.sensorsConverging())

	rate := s.rate.Rate()
	if rate < b.cfg.RateFloorHz {
		return
	}
	dt := 1 / rate
	s.lastSampleMicros = nowMicros
	arrival := s.lastArrivalMicros
	s.lastArrivalMicros = nowMicros

	accel := s.correct(r3.Scale(1/dt, dVel), b.tempLearning.Load())

	filtered := b.integrateAccel(s, accel, dt, arrival, nowMicros)

	b.logRaw(s, nowMicros, accel, filtered)
}

// NotifyGyroSensorRateSample offers a raw sensor-rate gyro sample directly
// to the batch sink when it is capturing at sensor rate. Only the mount
// rotation is applied.
func (b *Backend) NotifyGyroSensorRateSample(h Handle, raw r3.Vec) {
	s := b.gyroState(h)
	if s == nil || s.killed.Load() || b.batch == nil || !b.batch.SensorRate() {
		return
	}
	b.batch.Sample(h, Gyro, timeutil.Micros(b.clock.Now()), s.corr.MountOrientation.Rotate(raw))
}

// NotifyAccelSensorRateSample offers a raw sensor-rate accel sample
// directly to the batch sink when it is capturing at sensor rate.
func (b *Backend) NotifyAccelSensorRateSample(h Handle, raw r3.Vec) {
	s := b.accelState(h)
	if s == nil || s.killed.Load() || b.batch == nil || !b.batch.SensorRate() {
		return
	}
	b.batch.Sample(h, Accel, timeutil.Micros(b.clock.Now()), s.corr.MountOrientation.Rotate(raw))
}

// PublishTemperature records the instance's sensor temperature and, for
// the designated heater instance, forwards it to the heater sink.
func (b *Backend) PublishTemperature(h Handle, temperatureC float64) {
	gs := b.gyroState(h)
	as := b.accelState(h)
	if gs == nil && as == nil {
		return
	}
	if (gs != nil && gs.killed.Load()) || (as != nil && as.killed.Load()) {
		return
	}
	if gs != nil {
		gs.setTemperature(temperatureC)
	}
	if as != nil {
		as.setTemperature(temperatureC)
	}
	if b.heater != nil && h == b.cfg.HeaterInstance {
		b.heater.SetTemperature(temperatureC)
	}
}

// Temperature returns the last published temperature for the instance.
func (b *Backend) Temperature(h Handle) float64 {
	if s := b.gyroState(h); s != nil {
		return s.Temperature()
	}
	if s := b.accelState(h); s != nil {
		return s.Temperature()
	}
	return 0
}

// LogRegisterChange records an unexpected value in a checked sensor
// register: a diagnostic log line plus, when attached, the anomaly sink.
func (b *Backend) LogRegisterChange(busID uint32, bank, register, value uint8) {
	a := monitoring.RegisterAnomaly{
		TimeMicros: timeutil.Micros(b.clock.Now()),
		BusID:      busID,
		Bank:       bank,
		Register:   register,
		Value:      value,
	}
	monitoring.LogRegisterChange(a)
	if b.anomalies != nil {
		b.anomalies.RecordRegisterAnomaly(a)
	}
}
