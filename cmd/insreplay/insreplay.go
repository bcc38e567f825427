// insreplay streams synthetic gyro and accel samples through the inertial
// pipeline at sensor rate, drains it at a lower consumer rate, and
// optionally captures batched samples to a sqlite database. It exists to
// exercise the pipeline off-vehicle: tune notch banks against injected
// vibration tones, watch rate-estimator convergence, and inspect the
// captured data afterwards.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/deej-io/ardupilot/internal/config"
	"github.com/deej-io/ardupilot/internal/ins"
	"github.com/deej-io/ardupilot/internal/insdb"
)

var (
	configPath = flag.String("config", "", "Tuning config JSON (empty for built-in defaults)")
	dbPath     = flag.String("db", "", "Capture samples to this sqlite database (empty disables)")
	sampleRate = flag.Float64("rate", 1000, "Sensor sample rate in Hz")
	updateRate = flag.Float64("update-rate", 400, "Consumer drain rate in Hz")
	duration   = flag.Duration("duration", 10*time.Second, "How long to stream (0 runs until interrupted)")
	instances  = flag.Int("instances", 2, "Number of sensor instances to register")

	spinRate = flag.Float64("spin", 0.5, "Body Z rotation rate in rad/s")
	tones    = flag.String("tones", "", "Comma-separated vibration tone frequencies in Hz")
	toneAmp  = flag.Float64("tone-amp", 0.2, "Vibration tone amplitude")

	dropoutEvery = flag.Duration("dropout-every", 0, "Inject a sensor dropout at this interval (0 disables)")
	dropoutLen   = flag.Duration("dropout-len", 150*time.Millisecond, "Length of each injected dropout")

	sensorTempC = flag.Float64("temp", 45, "Reported sensor temperature in Celsius")
)

// parseTones splits a comma-separated list of frequencies.
func parseTones(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []float64
	for _, part := range strings.Split(s, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// pipelineConfig maps the tuning config onto the pipeline's own config
// struct.
func pipelineConfig(tc *config.TuningConfig) ins.Config {
	cfg := ins.Config{
		GyroCutoffHz:      tc.GetGyroCutoffHz(),
		AccelCutoffHz:     tc.GetAccelCutoffHz(),
		RateFloorHz:       tc.GetRateFloorHz(),
		StaleWindow:       tc.GetStaleWindow(),
		PrimaryInterval:   tc.GetPrimaryInterval(),
		ConvergenceWindow: tc.GetConvergenceWindow(),
	}
	mode, ok := ins.ParseRawLogMode(tc.GetRawLogMode())
	if !ok {
		mode = ins.RawLogNone
	}
	cfg.RawLog = ins.RawLogPolicy{Mode: mode, AllInstances: tc.GetRawLogAllInstances()}
	for _, n := range tc.Notches {
		cfg.Notches = append(cfg.Notches, ins.NotchParams{
			Enabled:              n.GetEnabled(),
			FrequencyHz:          n.GetFrequencyHz(),
			BandwidthHz:          n.GetBandwidthHz(),
			AttenuationDB:        n.GetAttenuationDB(),
			Harmonics:            n.GetHarmonics(),
			EnableOnAllInstances: n.GetEnableOnAllInstances(),
		})
	}
	return cfg
}

// synth generates the body-frame signal for one instance at time t. All
// instances see the same motion; vibration tones are phase-shifted per
// instance so the streams are distinguishable in captures.
type synth struct {
	instance int
	spin     float64
	tones    []float64
	toneAmp  float64
}

func (s synth) gyroAt(t float64) r3.Vec {
	v := r3.Vec{Z: s.spin}
	for _, f := range s.tones {
		v.X += s.toneAmp * math.Sin(2*math.Pi*f*t+float64(s.instance))
		v.Y += s.toneAmp * math.Cos(2*math.Pi*f*t+float64(s.instance))
	}
	return v
}

func (s synth) accelAt(t float64) r3.Vec {
	v := r3.Vec{Z: -9.80665}
	for _, f := range s.tones {
		v.X += s.toneAmp * math.Sin(2*math.Pi*f*t+float64(s.instance))
	}
	return v
}

func main() {
	flag.Parse()

	if *sampleRate <= 0 {
		log.Fatal("sample rate must be positive")
	}
	if *instances < 1 || *instances > ins.MaxInstances {
		log.Fatalf("instances must be between 1 and %d", ins.MaxInstances)
	}

	toneFreqs, err := parseTones(*tones)
	if err != nil {
		log.Fatalf("invalid tone list: %v", err)
	}

	tc := config.EmptyTuningConfig()
	if *configPath != "" {
		tc, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	backend := ins.NewBackend(pipelineConfig(tc))

	var store *insdb.InsDB
	if *dbPath != "" {
		store, err = insdb.Open(*dbPath, insdb.Config{Notes: "insreplay capture"})
		if err != nil {
			log.Fatalf("failed to open capture database: %v", err)
		}
		backend.AttachBatch(store)
		backend.AttachAnomalySink(store)
	}

	type handles struct{ gyro, accel ins.Handle }
	sensors := make([]handles, *instances)
	for i := range sensors {
		g, err := backend.RegisterGyro(*sampleRate, ins.CorrectionParams{})
		if err != nil {
			log.Fatalf("failed to register gyro %d: %v", i, err)
		}
		a, err := backend.RegisterAccel(*sampleRate, ins.CorrectionParams{})
		if err != nil {
			log.Fatalf("failed to register accel %d: %v", i, err)
		}
		sensors[i] = handles{g, a}
		backend.PublishTemperature(g, *sensorTempC)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	var wg sync.WaitGroup

	// One producer per instance, batching samples on a 1ms tick so the
	// hardware timestamps advance at the configured sensor rate.
	for i := range sensors {
		wg.Add(1)
		go func(idx int, h handles) {
			defer wg.Done()
			gen := synth{instance: idx, spin: *spinRate, tones: toneFreqs, toneAmp: *toneAmp}
			stepMicros := int64(1e6 / *sampleRate)
			ticker := time.NewTicker(time.Millisecond)
			defer ticker.Stop()

			start := time.Now()
			sampleMicros := int64(1) // 0 means "no hardware timestamp"
			var nextDropout time.Time
			if *dropoutEvery > 0 {
				nextDropout = start.Add(*dropoutEvery)
			}
			var dropUntil time.Time

			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					if !nextDropout.IsZero() && now.After(nextDropout) {
						dropUntil = now.Add(*dropoutLen)
						nextDropout = now.Add(*dropoutEvery)
						backend.IncGyroErrorCount(h.gyro)
						backend.NotifyGyroFIFOReset(h.gyro)
					}
					if now.Before(dropUntil) {
						continue
					}
					target := int64(now.Sub(start).Microseconds())
					for sampleMicros < target {
						t := float64(sampleMicros) * 1e-6
						backend.NotifyGyroSample(h.gyro, gen.gyroAt(t), sampleMicros)
						backend.NotifyAccelSample(h.accel, gen.accelAt(t), sampleMicros)
						sampleMicros += stepMicros
					}
				}
			}
		}(i, sensors[i])
	}

	// Consumer drain loop. Accumulates published delta-angles so the
	// integrated rotation can be checked against the commanded spin.
	var drains int64
	rotated := make([]float64, *instances)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(float64(time.Second) / *updateRate))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i, h := range sensors {
					backend.UpdateGyro(h.gyro)
					backend.UpdateAccel(h.accel)
					if d, _, ok := backend.DeltaAngle(h.gyro); ok {
						rotated[i] += d.Z
					}
				}
				drains++
			}
		}
	}()

	started := time.Now()
	log.Printf("streaming %d instance(s) at %.0f Hz, draining at %.0f Hz", *instances, *sampleRate, *updateRate)
	<-ctx.Done()
	wg.Wait()
	elapsed := time.Since(started)

	for i, h := range sensors {
		log.Printf("instance %d: gyro rate %.1f Hz, accel rate %.1f Hz, errors %d, rotated %.3f rad (commanded %.3f)",
			i, backend.GyroRateHz(h.gyro), backend.AccelRateHz(h.accel),
			backend.GyroErrorCount(h.gyro), rotated[i], *spinRate*elapsed.Seconds())
	}
	log.Printf("drained %d update cycles in %s", drains, elapsed.Round(time.Millisecond))

	if store != nil {
		if err := store.Close(); err != nil {
			log.Printf("failed to close capture database: %v", err)
		}
		log.Printf("capture session %s: %d written, %d dropped", store.SessionID(), store.Written(), store.Dropped())
	}
}
