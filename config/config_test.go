package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasjlepore/gaitphase/segment"
	"github.com/lucasjlepore/gaitphase/trial"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 150, cfg.Phase.Points)
	assert.Equal(t, []float64{0, 25, 50, 75}, cfg.Validation.RepresentativePhases)
	assert.Equal(t, 0.5, cfg.Validation.GlobalFailureFraction)
	assert.Equal(t, 0.2, cfg.Segment.MinStrideDuration)
	assert.Equal(t, segment.ThresholdPolicy{Mode: segment.ThresholdFixed, Value: 20, Direction: segment.Rising}, cfg.Segment.Policy())

	sides, err := cfg.Segment.ParsedSides()
	require.NoError(t, err)
	assert.Equal(t, []trial.Side{trial.Left, trial.Right}, sides)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "missing signal", modify: func(c *Config) { c.Segment.Signal = " " }, wantErr: true},
		{name: "unknown mode", modify: func(c *Config) { c.Segment.Mode = "median" }, wantErr: true},
		{name: "peak fraction above one", modify: func(c *Config) {
			c.Segment.Mode = string(segment.ThresholdPeakFraction)
			c.Segment.Threshold = 1.5
		}, wantErr: true},
		{name: "peak fraction", modify: func(c *Config) {
			c.Segment.Mode = string(segment.ThresholdPeakFraction)
			c.Segment.Threshold = 0.1
		}},
		{name: "unknown direction", modify: func(c *Config) { c.Segment.Direction = "sideways" }, wantErr: true},
		{name: "negative minimum", modify: func(c *Config) { c.Segment.MinStrideDuration = -1 }, wantErr: true},
		{name: "zero minimum", modify: func(c *Config) { c.Segment.MinStrideDuration = 0 }, wantErr: true},
		{name: "maximum below minimum", modify: func(c *Config) { c.Segment.MaxStrideDuration = 0.1 }, wantErr: true},
		{name: "no sides", modify: func(c *Config) { c.Segment.Sides = nil }, wantErr: true},
		{name: "bad side", modify: func(c *Config) { c.Segment.Sides = []string{"middle"} }, wantErr: true},
		{name: "one point", modify: func(c *Config) { c.Phase.Points = 1 }, wantErr: true},
		{name: "phase above 100", modify: func(c *Config) { c.Validation.RepresentativePhases = []float64{0, 101} }, wantErr: true},
		{name: "zero fraction", modify: func(c *Config) { c.Validation.GlobalFailureFraction = 0 }, wantErr: true},
		{name: "negative workers", modify: func(c *Config) { c.Validation.Workers = -2 }, wantErr: true},
		{name: "unknown format", modify: func(c *Config) { c.Output.Format = "xlsx" }, wantErr: true},
		{name: "sqlite format", modify: func(c *Config) { c.Output.Format = "sqlite" }},
		{name: "unknown log format", modify: func(c *Config) { c.Log.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
segment:
  threshold: 35
phase:
  derivatives: true
output:
  format: csv
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 35.0, cfg.Segment.Threshold)
	assert.True(t, cfg.Phase.Derivatives)
	assert.Equal(t, "csv", cfg.Output.Format)
	assert.Equal(t, "vertical_grf_{side}_N", cfg.Segment.Signal)
	assert.Equal(t, 150, cfg.Phase.Points)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gaitphase.yaml")
	cfg := DefaultConfig()
	cfg.Validation.Expectations = "ranges.yaml"
	cfg.Validation.Workers = 4
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestMerge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Merge(nil)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg.Merge(&Config{
		Segment:    SegmentConfig{Threshold: 50, Sides: []string{"left"}},
		Phase:      PhaseConfig{PassThrough: true},
		Validation: ValidationConfig{GlobalFailureFraction: 0.75},
		Output:     OutputConfig{Database: "gait.db"},
		Log:        LogConfig{Level: "debug"},
	})
	assert.Equal(t, 50.0, cfg.Segment.Threshold)
	assert.Equal(t, []string{"left"}, cfg.Segment.Sides)
	assert.True(t, cfg.Phase.PassThrough)
	assert.False(t, cfg.Phase.Derivatives)
	assert.Equal(t, 0.75, cfg.Validation.GlobalFailureFraction)
	assert.Equal(t, "gait.db", cfg.Output.Database)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 150, cfg.Phase.Points)
}

func TestLoaderLayers(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ProjectConfigFile), []byte(`
segment:
  threshold: 40
output:
  format: csv
`), 0644))
	explicit := filepath.Join(root, "override.yaml")
	require.NoError(t, os.WriteFile(explicit, []byte(`
output:
  dir: out
`), 0644))

	cfg, err := NewLoader(nil).WithStartDir(nested).Load(explicit)
	require.NoError(t, err)
	// The explicit layer does not reset the project threshold to the default.
	assert.Equal(t, 40.0, cfg.Segment.Threshold)
	assert.Equal(t, "csv", cfg.Output.Format)
	assert.Equal(t, "out", cfg.Output.Dir)
}

func TestLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLoader(nil).WithStartDir(dir).Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("output:\n  format: xlsx\n"), 0644))
	_, err = NewLoader(nil).WithStartDir(dir).Load(bad)
	assert.ErrorContains(t, err, "output.format")
}

func TestLoaderRejectsBrokenProjectConfig(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, ProjectConfigFile)
	require.NoError(t, os.WriteFile(project, []byte("segment: [\n"), 0644))
	sub := filepath.Join(dir, "trials")
	require.NoError(t, os.Mkdir(sub, 0755))

	cfg, err := NewLoader(nil).WithStartDir(sub).Load("")
	assert.Nil(t, cfg)
	assert.ErrorContains(t, err, project)
	assert.ErrorContains(t, err, "failed to parse config file")
}
