package ins

import "gonum.org/v1/gonum/spatial/r3"

// TempModel is an injected temperature-compensation capability. A nil model
// disables both learning and correction.
type TempModel interface {
	// Learn feeds a mount-rotated sample and the current sensor
	// temperature to the model while temperature learning is active.
	Learn(sample r3.Vec, temperatureC float64)
	// Correct compensates sample for the difference between the current
	// temperature and the temperature at calibration time.
	Correct(sample r3.Vec, temperatureC, calTemperatureC float64) r3.Vec
}

// NopTempModel learns nothing and corrects nothing.
type NopTempModel struct{}

func (NopTempModel) Learn(r3.Vec, float64) {}

func (NopTempModel) Correct(s r3.Vec, _, _ float64) r3.Vec { return s }

// CorrectionParams holds the read-only calibration for one sensor instance.
// Estimating these values is an external concern; the pipeline only
// consumes them.
type CorrectionParams struct {
	// MountOrientation rotates from the sensor's mounting frame into the
	// board frame.
	MountOrientation r3.Rotation
	// BodyOrientation rotates from the board frame into the vehicle body
	// frame.
	BodyOrientation r3.Rotation
	// Offset is subtracted in the sensor frame (accelerometers only).
	Offset r3.Vec
	// Scale is the per-axis scale factor (accelerometers only). Zero means
	// no scaling.
	Scale r3.Vec
	// CalTemperatureC is the sensor temperature the calibration was
	// captured at.
	CalTemperatureC float64
	// Temp compensates for temperature drift; nil disables compensation.
	Temp TempModel
}

// correct rotates a raw sensor-frame vector into the vehicle body frame and
// applies calibration. Calibration is captured in the mount frame, so the
// offset/scale steps sit between the two rotations. While a calibration
// procedure is running for the instance those steps are suppressed so the
// calibrator sees uncorrected data.
func (s *sensorState) correct(v r3.Vec, learning bool) r3.Vec {
	p := &s.corr
	v = p.MountOrientation.Rotate(v)

	if p.Temp != nil && learning {
		p.Temp.Learn(v, s.Temperature())
	}

	if !s.calibrating.Load() {
		if p.Temp != nil {
			v = p.Temp.Correct(v, s.Temperature(), p.CalTemperatureC)
		}
		if s.kind == Accel {
			v = r3.Sub(v, p.Offset)
			if p.Scale != (r3.Vec{}) {
				v = scaleAxes(v, p.Scale)
			}
		}
	}

	return p.BodyOrientation.Rotate(v)
}
