// Package config provides configuration loading and management for gaitphase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucasjlepore/gaitphase/expect"
	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/segment"
	"github.com/lucasjlepore/gaitphase/tablestore"
	"github.com/lucasjlepore/gaitphase/trial"
	"github.com/lucasjlepore/gaitphase/validate"
)

// Config represents the complete gaitphase configuration.
type Config struct {
	Segment    SegmentConfig    `yaml:"segment"`
	Phase      PhaseConfig      `yaml:"phase"`
	Validation ValidationConfig `yaml:"validation"`
	Output     OutputConfig     `yaml:"output"`
	Log        LogConfig        `yaml:"log"`
}

// SegmentConfig configures stride detection.
type SegmentConfig struct {
	// Signal is the event channel; "{side}" is replaced by l or r.
	Signal string `yaml:"signal"`
	// Mode is fixed or peak_fraction.
	Mode      string  `yaml:"mode"`
	Threshold float64 `yaml:"threshold"`
	// Direction is rising or falling.
	Direction         string   `yaml:"direction"`
	MinStrideDuration float64  `yaml:"min_stride_duration_s"`
	MaxStrideDuration float64  `yaml:"max_stride_duration_s"`
	Sides             []string `yaml:"sides"`
}

// PhaseConfig configures resampling.
type PhaseConfig struct {
	Points      int  `yaml:"points"`
	Derivatives bool `yaml:"derivatives"`
	PassThrough bool `yaml:"pass_through"`
	// Variables restricts the resampled channels (empty = all).
	Variables []string `yaml:"variables,omitempty"`
}

// ValidationConfig configures stride and dataset validation.
type ValidationConfig struct {
	// Expectations is the expectation document path (empty = no validation).
	Expectations          string    `yaml:"expectations"`
	RepresentativePhases  []float64 `yaml:"representative_phases"`
	GlobalFailureFraction float64   `yaml:"global_failure_fraction"`
	Workers               int       `yaml:"workers"`
}

// OutputConfig configures persisted artifacts.
type OutputConfig struct {
	Dir string `yaml:"dir"`
	// Format is parquet, csv or sqlite.
	Format string `yaml:"format"`
	// TimeTable also writes the time-indexed table of the input trials.
	TimeTable bool `yaml:"time_table"`
	Overwrite bool `yaml:"overwrite"`
	// Database, when set, receives the phase table and validation runs.
	Database string `yaml:"database"`
	// MetricsFile, when set, receives batch metrics in textfile format.
	MetricsFile string `yaml:"metrics_file"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Segment: SegmentConfig{
			Signal:            "vertical_grf_{side}_N",
			Mode:              string(segment.ThresholdFixed),
			Threshold:         20,
			Direction:         string(segment.Rising),
			MinStrideDuration: segment.DefaultMinStrideDuration,
			Sides:             []string{"left", "right"},
		},
		Phase: PhaseConfig{
			Points: phase.DefaultPoints,
		},
		Validation: ValidationConfig{
			RepresentativePhases:  append([]float64(nil), expect.DefaultRepresentativePhases...),
			GlobalFailureFraction: validate.DefaultGlobalFailureFraction,
		},
		Output: OutputConfig{
			Dir:    "gaitphase-out",
			Format: tablestore.FormatParquet,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Segment.Signal) == "" {
		return fmt.Errorf("segment.signal is required")
	}
	if err := c.Segment.Policy().Validate(); err != nil {
		return fmt.Errorf("segment: %w", err)
	}
	if c.Segment.MinStrideDuration <= 0 {
		return fmt.Errorf("segment.min_stride_duration_s must be positive")
	}
	if c.Segment.MaxStrideDuration != 0 && c.Segment.MaxStrideDuration <= c.Segment.MinStrideDuration {
		return fmt.Errorf("segment.max_stride_duration_s must exceed the minimum")
	}
	if _, err := c.Segment.ParsedSides(); err != nil {
		return err
	}
	if c.Phase.Points < 2 {
		return fmt.Errorf("phase.points must be at least 2")
	}
	for _, pct := range c.Validation.RepresentativePhases {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("validation.representative_phases: %g is outside [0, 100]", pct)
		}
	}
	if f := c.Validation.GlobalFailureFraction; f <= 0 || f > 1 {
		return fmt.Errorf("validation.global_failure_fraction must be in (0, 1]")
	}
	if c.Validation.Workers < 0 {
		return fmt.Errorf("validation.workers must be non-negative")
	}
	switch c.Output.Format {
	case tablestore.FormatParquet, tablestore.FormatCSV, tablestore.FormatSQLite:
	default:
		return fmt.Errorf("output.format must be parquet|csv|sqlite, got %q", c.Output.Format)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text|json, got %q", c.Log.Format)
	}
	return nil
}

// Policy returns the threshold policy for the segmenter.
func (s SegmentConfig) Policy() segment.ThresholdPolicy {
	return segment.ThresholdPolicy{
		Mode:      segment.ThresholdMode(s.Mode),
		Value:     s.Threshold,
		Direction: segment.Direction(s.Direction),
	}
}

// ParsedSides returns the configured sides.
func (s SegmentConfig) ParsedSides() ([]trial.Side, error) {
	if len(s.Sides) == 0 {
		return nil, fmt.Errorf("segment.sides must list at least one side")
	}
	out := make([]trial.Side, 0, len(s.Sides))
	for _, raw := range s.Sides {
		side, err := trial.ParseSide(raw)
		if err != nil {
			return nil, fmt.Errorf("segment.sides: %w", err)
		}
		out = append(out, side)
	}
	return out, nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). Booleans can only be switched on.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Segment
	if other.Segment.Signal != "" {
		c.Segment.Signal = other.Segment.Signal
	}
	if other.Segment.Mode != "" {
		c.Segment.Mode = other.Segment.Mode
	}
	if other.Segment.Threshold != 0 {
		c.Segment.Threshold = other.Segment.Threshold
	}
	if other.Segment.Direction != "" {
		c.Segment.Direction = other.Segment.Direction
	}
	if other.Segment.MinStrideDuration != 0 {
		c.Segment.MinStrideDuration = other.Segment.MinStrideDuration
	}
	if other.Segment.MaxStrideDuration != 0 {
		c.Segment.MaxStrideDuration = other.Segment.MaxStrideDuration
	}
	if len(other.Segment.Sides) > 0 {
		c.Segment.Sides = other.Segment.Sides
	}

	// Phase
	if other.Phase.Points != 0 {
		c.Phase.Points = other.Phase.Points
	}
	if other.Phase.Derivatives {
		c.Phase.Derivatives = true
	}
	if other.Phase.PassThrough {
		c.Phase.PassThrough = true
	}
	if len(other.Phase.Variables) > 0 {
		c.Phase.Variables = other.Phase.Variables
	}

	// Validation
	if other.Validation.Expectations != "" {
		c.Validation.Expectations = other.Validation.Expectations
	}
	if len(other.Validation.RepresentativePhases) > 0 {
		c.Validation.RepresentativePhases = other.Validation.RepresentativePhases
	}
	if other.Validation.GlobalFailureFraction != 0 {
		c.Validation.GlobalFailureFraction = other.Validation.GlobalFailureFraction
	}
	if other.Validation.Workers != 0 {
		c.Validation.Workers = other.Validation.Workers
	}

	// Output
	if other.Output.Dir != "" {
		c.Output.Dir = other.Output.Dir
	}
	if other.Output.Format != "" {
		c.Output.Format = other.Output.Format
	}
	if other.Output.TimeTable {
		c.Output.TimeTable = true
	}
	if other.Output.Overwrite {
		c.Output.Overwrite = true
	}
	if other.Output.Database != "" {
		c.Output.Database = other.Output.Database
	}
	if other.Output.MetricsFile != "" {
		c.Output.MetricsFile = other.Output.MetricsFile
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}
