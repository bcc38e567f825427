package monitoring

// RegisterAnomaly is a structured record of an unexpected hardware register
// value reported by a sensor driver: the driver checked a register it had
// previously configured and found it holding something else.
type RegisterAnomaly struct {
	TimeMicros int64  `json:"time_us"`
	BusID      uint32 `json:"bus_id"`
	Bank       uint8  `json:"bank"`
	Register   uint8  `json:"register"`
	Value      uint8  `json:"value"`
}

// LogRegisterChange reports a register anomaly through the package logger.
func LogRegisterChange(a RegisterAnomaly) {
	Logf("ins: unexpected register change t=%dus bus=%#x bank=%#02x reg=%#02x val=%#02x",
		a.TimeMicros, a.BusID, a.Bank, a.Register, a.Value)
}
