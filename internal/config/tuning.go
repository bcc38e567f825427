package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// NotchConfig describes one harmonic notch filter in the gyro filter chain.
// Pointer fields keep "absent" distinguishable from zero so partial configs
// merge over defaults.
type NotchConfig struct {
	Enabled              *bool    `json:"enabled,omitempty"`
	FrequencyHz          *float64 `json:"frequency_hz,omitempty"`
	BandwidthHz          *float64 `json:"bandwidth_hz,omitempty"`
	AttenuationDB        *float64 `json:"attenuation_db,omitempty"`
	Harmonics            *int     `json:"harmonics,omitempty"`
	EnableOnAllInstances *bool    `json:"enable_on_all_instances,omitempty"`
}

// TuningConfig represents the root configuration for the inertial pipeline.
// The same JSON schema is used for startup configuration and for runtime
// updates, so every field is optional.
type TuningConfig struct {
	// Filter params
	GyroCutoffHz  *float64      `json:"gyro_cutoff_hz,omitempty"`
	AccelCutoffHz *float64      `json:"accel_cutoff_hz,omitempty"`
	Notches       []NotchConfig `json:"notches,omitempty"`

	// Ingestion params
	RateFloorHz       *float64 `json:"rate_floor_hz,omitempty"`
	StaleWindow       *string  `json:"stale_window,omitempty"`       // duration string like "100ms"
	PrimaryInterval   *string  `json:"primary_interval,omitempty"`   // duration string like "200ms"
	ConvergenceWindow *string  `json:"convergence_window,omitempty"` // duration string like "30s"

	// Raw logging policy
	RawLogMode         *string `json:"raw_log_mode,omitempty"` // "none", "pre", "post", "both"
	RawLogAllInstances *bool   `json:"raw_log_all_instances,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// Fields omitted from the JSON file fall back to the Get* defaults, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.GyroCutoffHz != nil && *c.GyroCutoffHz < 0 {
		return fmt.Errorf("gyro_cutoff_hz must be non-negative, got %f", *c.GyroCutoffHz)
	}
	if c.AccelCutoffHz != nil && *c.AccelCutoffHz < 0 {
		return fmt.Errorf("accel_cutoff_hz must be non-negative, got %f", *c.AccelCutoffHz)
	}
	if c.RateFloorHz != nil && *c.RateFloorHz <= 0 {
		return fmt.Errorf("rate_floor_hz must be positive, got %f", *c.RateFloorHz)
	}

	for _, field := range []struct {
		name  string
		value *string
	}{
		{"stale_window", c.StaleWindow},
		{"primary_interval", c.PrimaryInterval},
		{"convergence_window", c.ConvergenceWindow},
	} {
		if field.value != nil && *field.value != "" {
			if _, err := time.ParseDuration(*field.value); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", field.name, *field.value, err)
			}
		}
	}

	if c.RawLogMode != nil {
		switch *c.RawLogMode {
		case "none", "pre", "post", "both":
		default:
			return fmt.Errorf("raw_log_mode must be one of none, pre, post, both; got %q", *c.RawLogMode)
		}
	}

	for i, n := range c.Notches {
		if n.FrequencyHz != nil && *n.FrequencyHz <= 0 {
			return fmt.Errorf("notches[%d].frequency_hz must be positive, got %f", i, *n.FrequencyHz)
		}
		if n.BandwidthHz != nil && *n.BandwidthHz <= 0 {
			return fmt.Errorf("notches[%d].bandwidth_hz must be positive, got %f", i, *n.BandwidthHz)
		}
		if n.Harmonics != nil && (*n.Harmonics < 1 || *n.Harmonics > 8) {
			return fmt.Errorf("notches[%d].harmonics must be between 1 and 8, got %d", i, *n.Harmonics)
		}
	}

	return nil
}

// GetGyroCutoffHz returns the gyro_cutoff_hz value or the default.
func (c *TuningConfig) GetGyroCutoffHz() float64 {
	if c.GyroCutoffHz == nil {
		return 120.0 // default
	}
	return *c.GyroCutoffHz
}

// GetAccelCutoffHz returns the accel_cutoff_hz value or the default.
func (c *TuningConfig) GetAccelCutoffHz() float64 {
	if c.AccelCutoffHz == nil {
		return 30.0 // default
	}
	return *c.AccelCutoffHz
}

// GetRateFloorHz returns the rate_floor_hz value or the default.
func (c *TuningConfig) GetRateFloorHz() float64 {
	if c.RateFloorHz == nil {
		return 40.0 // default
	}
	return *c.RateFloorHz
}

// GetStaleWindow parses and returns the StaleWindow as a time.Duration.
func (c *TuningConfig) GetStaleWindow() time.Duration {
	return c.duration(c.StaleWindow, 100*time.Millisecond)
}

// GetPrimaryInterval parses and returns the PrimaryInterval as a time.Duration.
func (c *TuningConfig) GetPrimaryInterval() time.Duration {
	return c.duration(c.PrimaryInterval, 200*time.Millisecond)
}

// GetConvergenceWindow parses and returns the ConvergenceWindow as a time.Duration.
func (c *TuningConfig) GetConvergenceWindow() time.Duration {
	return c.duration(c.ConvergenceWindow, 30*time.Second)
}

// GetRawLogMode returns the raw_log_mode value or the default.
func (c *TuningConfig) GetRawLogMode() string {
	if c.RawLogMode == nil || *c.RawLogMode == "" {
		return "none" // default
	}
	return *c.RawLogMode
}

// GetRawLogAllInstances returns the raw_log_all_instances value or the default.
func (c *TuningConfig) GetRawLogAllInstances() bool {
	if c.RawLogAllInstances == nil {
		return false // default: primary only
	}
	return *c.RawLogAllInstances
}

func (c *TuningConfig) duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetEnabled returns the enabled value or the default.
func (n *NotchConfig) GetEnabled() bool {
	if n.Enabled == nil {
		return false // default: notch disabled until tuned
	}
	return *n.Enabled
}

// GetFrequencyHz returns the frequency_hz value or the default.
func (n *NotchConfig) GetFrequencyHz() float64 {
	if n.FrequencyHz == nil {
		return 80.0
	}
	return *n.FrequencyHz
}

// GetBandwidthHz returns the bandwidth_hz value or the default.
func (n *NotchConfig) GetBandwidthHz() float64 {
	if n.BandwidthHz == nil {
		return 40.0
	}
	return *n.BandwidthHz
}

// GetAttenuationDB returns the attenuation_db value or the default.
func (n *NotchConfig) GetAttenuationDB() float64 {
	if n.AttenuationDB == nil {
		return 40.0
	}
	return *n.AttenuationDB
}

// GetHarmonics returns the harmonics value or the default.
func (n *NotchConfig) GetHarmonics() int {
	if n.Harmonics == nil {
		return 3
	}
	return *n.Harmonics
}

// GetEnableOnAllInstances returns the enable_on_all_instances value or the default.
func (n *NotchConfig) GetEnableOnAllInstances() bool {
	if n.EnableOnAllInstances == nil {
		return false // default: run the expensive notches on the primary only
	}
	return *n.EnableOnAllInstances
}
