package ins

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/deej-io/ardupilot/internal/monitoring"
	"github.com/deej-io/ardupilot/internal/timeutil"
)

type recordingRawLog struct {
	records []SampleRecord
}

func (r *recordingRawLog) WriteSample(rec SampleRecord) {
	r.records = append(r.records, rec)
}

type recordingBatch struct {
	sensorRate bool
	postFilter bool
	records    []SampleRecord
}

func (r *recordingBatch) Sample(instance Handle, kind Kind, timeMicros int64, v r3.Vec) {
	r.records = append(r.records, SampleRecord{instance, kind, timeMicros, v, r.postFilter})
}

func (r *recordingBatch) SensorRate() bool { return r.sensorRate }
func (r *recordingBatch) PostFilter() bool { return r.postFilter }

type recordingSpectral struct {
	phase   int
	samples []r3.Vec
}

func (r *recordingSpectral) Phase() int { return r.phase }

func (r *recordingSpectral) Push(_ Handle, v r3.Vec) {
	r.samples = append(r.samples, v)
}

type recordingFlow struct {
	xs, ys, dts []float64
}

func (r *recordingFlow) PushGyro(x, y, dt float64) {
	r.xs = append(r.xs, x)
	r.ys = append(r.ys, y)
	r.dts = append(r.dts, dt)
}

type recordingHeater struct {
	temps []float64
}

func (r *recordingHeater) SetTemperature(t float64) {
	r.temps = append(r.temps, t)
}

type recordingPrimary struct {
	instances []Handle
	states    []bool
}

func (r *recordingPrimary) SetPrimary(instance Handle, primary bool) {
	r.instances = append(r.instances, instance)
	r.states = append(r.states, primary)
}

type recordingAnomalySink struct {
	anomalies []monitoring.RegisterAnomaly
}

func (r *recordingAnomalySink) RecordRegisterAnomaly(a monitoring.RegisterAnomaly) {
	r.anomalies = append(r.anomalies, a)
}

func TestParseRawLogMode(t *testing.T) {
	tests := []struct {
		in   string
		want RawLogMode
		ok   bool
	}{
		{"none", RawLogNone, true},
		{"pre", RawLogPre, true},
		{"post", RawLogPost, true},
		{"both", RawLogPreAndPost, true},
		{"garbage", RawLogNone, false},
	}
	for _, tt := range tests {
		got, ok := ParseRawLogMode(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRawLogPolicyFanOut(t *testing.T) {
	tests := []struct {
		name         string
		mode         RawLogMode
		allInstances bool
		// per ingested sample on the primary / non-primary instance
		wantPrimary    int
		wantOther      int
		wantPostFilter []bool
	}{
		{"none goes nowhere", RawLogNone, true, 0, 0, nil},
		{"pre primary only", RawLogPre, false, 1, 0, []bool{false}},
		{"post primary only", RawLogPost, false, 1, 0, []bool{true}},
		{"both primary only", RawLogPreAndPost, false, 2, 0, []bool{false, true}},
		{"pre all instances", RawLogPre, true, 1, 1, []bool{false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBackend(t, Config{
				RawLog: RawLogPolicy{Mode: tt.mode, AllInstances: tt.allInstances},
			})
			h0, err := b.RegisterGyro(1000, CorrectionParams{})
			require.NoError(t, err)
			h1, err := b.RegisterGyro(1000, CorrectionParams{})
			require.NoError(t, err)

			rec := &recordingRawLog{}
			b.AttachRawLog(rec)

			feedGyro(b, clk, h0, r3.Vec{Z: 1}, time.Millisecond, 1)
			gotPrimary := len(rec.records)
			assert.Equal(t, tt.wantPrimary, gotPrimary)
			for i, want := range tt.wantPostFilter {
				assert.Equal(t, want, rec.records[i].PostFilter, "record %d", i)
			}

			rec.records = nil
			feedGyro(b, clk, h1, r3.Vec{Z: 1}, time.Millisecond, 1)
			assert.Equal(t, tt.wantOther, len(rec.records))
		})
	}
}

func TestBatchFallback(t *testing.T) {
	// Structured logging declines everything: samples land in the batch
	// sink instead.
	b, clk := newTestBackend(t, Config{})
	h, err := b.RegisterGyro(1000, CorrectionParams{})
	require.NoError(t, err)

	batch := &recordingBatch{}
	b.AttachBatch(batch)

	feedGyro(b, clk, h, r3.Vec{Z: 1}, time.Millisecond, 3)
	assert.Len(t, batch.records, 3)
	assert.Equal(t, Gyro, batch.records[0].Kind)
}

func TestBatchNotUsedWhenRawLogAccepts(t *testing.T) {
	b, clk := newTestBackend(t, Config{
		RawLog: RawLogPolicy{Mode: RawLogPre, AllInstances: true},
	})
	h, err := b.RegisterGyro(1000, CorrectionParams{})
	require.NoError(t, err)

	rec := &recordingRawLog{}
	batch := &recordingBatch{}
	b.AttachRawLog(rec)
	b.AttachBatch(batch)

	feedGyro(b, clk, h, r3.Vec{Z: 1}, time.Millisecond, 3)
	assert.Len(t, rec.records, 3)
	assert.Empty(t, batch.records)
}

func TestBatchSensorRateCapture(t *testing.T) {
	b, clk := newTestBackend(t, Config{})
	h, err := b.RegisterGyro(1000, CorrectionParams{})
	require.NoError(t, err)

	batch := &recordingBatch{sensorRate: true}
	b.AttachBatch(batch)

	// A sensor-rate sink ignores pipeline-rate samples entirely.
	feedGyro(b, clk, h, r3.Vec{Z: 1}, time.Millisecond, 3)
	assert.Empty(t, batch.records)

	// The dedicated sensor-rate tap delivers, with only the mount
	// rotation applied.
	b.NotifyGyroSensorRateSample(h, r3.Vec{X: 0.25})
	require.Len(t, batch.records, 1)
	assertVecInDelta(t, r3.Vec{X: 0.25}, batch.records[0].Sample, 1e-12)
	assert.Equal(t, timeutil.Micros(clk.Now()), batch.records[0].TimeMicros)

	b.NotifyAccelSensorRateSample(h, r3.Vec{Z: -9.8})
	// No accel registered under this handle: nothing delivered.
	assert.Len(t, batch.records, 1)
}

func TestSpectralPhaseGating(t *testing.T) {
	notch := NotchParams{
		Enabled:              true,
		FrequencyHz:          80,
		BandwidthHz:          40,
		AttenuationDB:        40,
		Harmonics:            1,
		EnableOnAllInstances: true,
	}

	t.Run("phase 0 sees the pre-notch sample", func(t *testing.T) {
		b, clk := newTestBackend(t, Config{Notches: []NotchParams{notch}})
		h, err := b.RegisterGyro(1000, CorrectionParams{})
		require.NoError(t, err)

		spec := &recordingSpectral{phase: 0}
		b.AttachSpectral(spec)

		feedGyro(b, clk, h, r3.Vec{Z: 1}, time.Millisecond, 1)
		require.Len(t, spec.samples, 1)
		assertVecInDelta(t, r3.Vec{Z: 1}, spec.samples[0], 1e-12)
	})

	t.Run("phase 1 sees the notch output", func(t *testing.T) {
		b, clk := newTestBackend(t, Config{Notches: []NotchParams{notch}})
		h, err := b.RegisterGyro(1000, CorrectionParams{})
		require.NoError(t, err)

		spec := &recordingSpectral{phase: 1}
		b.AttachSpectral(spec)

		feedGyro(b, clk, h, r3.Vec{Z: 1}, time.Millisecond, 1)
		assert.Len(t, spec.samples, 1)
	})

	t.Run("accel streams never reach the spectral sink", func(t *testing.T) {
		b, clk := newTestBackend(t, Config{})
		h, err := b.RegisterAccel(1000, CorrectionParams{})
		require.NoError(t, err)

		spec := &recordingSpectral{phase: 0}
		b.AttachSpectral(spec)

		feedAccel(b, clk, h, r3.Vec{Z: -9.8}, time.Millisecond, 3)
		assert.Empty(t, spec.samples)
	})

	t.Run("spectral scale multiplies pushed samples", func(t *testing.T) {
		b, clk := newTestBackend(t, Config{})
		h, err := b.RegisterGyro(1000, CorrectionParams{})
		require.NoError(t, err)
		b.SetSpectralScale(h, 2)

		spec := &recordingSpectral{phase: 0}
		b.AttachSpectral(spec)

		feedGyro(b, clk, h, r3.Vec{Z: 1}, time.Millisecond, 1)
		require.Len(t, spec.samples, 1)
		assertVecInDelta(t, r3.Vec{Z: 2}, spec.samples[0], 1e-12)
	})
}

func TestFlowSinkReceivesCorrectedRates(t *testing.T) {
	b, clk := newTestBackend(t, Config{})
	h, err := b.RegisterGyro(1000, CorrectionParams{})
	require.NoError(t, err)

	flow := &recordingFlow{}
	b.AttachFlow(flow)

	feedGyro(b, clk, h, r3.Vec{X: 0.1, Y: -0.2, Z: 5}, time.Millisecond, 2)
	require.Len(t, flow.xs, 2)
	assert.InDelta(t, 0.1, flow.xs[1], 1e-12)
	assert.InDelta(t, -0.2, flow.ys[1], 1e-12)
	assert.InDelta(t, 0.001, flow.dts[1], 1e-12)
}

func TestNilSinksAreSafe(t *testing.T) {
	b, clk := newTestBackend(t, Config{
		RawLog: RawLogPolicy{Mode: RawLogPreAndPost, AllInstances: true},
	})
	g, err := b.RegisterGyro(1000, CorrectionParams{})
	require.NoError(t, err)
	a, err := b.RegisterAccel(1000, CorrectionParams{})
	require.NoError(t, err)

	// No sinks attached: every path still works.
	feedGyro(b, clk, g, r3.Vec{Z: 1}, time.Millisecond, 3)
	feedAccel(b, clk, a, r3.Vec{Z: -9.8}, time.Millisecond, 3)
	b.NotifyGyroSensorRateSample(g, r3.Vec{})
	b.PublishTemperature(g, 40)
	b.LogRegisterChange(1, 0, 0x10, 0xff)

	b.UpdateGyro(g)
	_, _, valid := b.DeltaAngle(g)
	assert.True(t, valid)
}
