package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectConfigFile is the name of the project-level config file.
const ProjectConfigFile = "gaitphase.yaml"

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
	// startDir is where the project config search begins (default: cwd).
	startDir string
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// WithStartDir sets the directory the project config search starts from.
func (l *Loader) WithStartDir(dir string) *Loader {
	l.startDir = dir
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Project config (gaitphase.yaml in current or parent directories)
// 3. Explicit config file (explicitPath, when non-empty)
//
// Only values present in a layer override earlier layers. A project or
// explicit file that cannot be read or parsed is an error.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		projectConfig, err := parseFile(projectConfigPath)
		if err != nil {
			return nil, fmt.Errorf("project config %s: %w", projectConfigPath, err)
		}
		l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		config.Merge(projectConfig)
	} else {
		l.logger.Debug("No project config found")
	}

	if explicitPath != "" {
		explicit, err := parseFile(explicitPath)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", explicitPath))
		config.Merge(explicit)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// parseFile reads a config layer without applying defaults.
func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var layer Config
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &layer, nil
}

// findProjectConfig searches for gaitphase.yaml in the start and parent directories.
func (l *Loader) findProjectConfig() string {
	dir := l.startDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
