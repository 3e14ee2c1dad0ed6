// Package config provides configuration loading and management for stemdrift.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Acquisition parameters shared by both correction loops
	Acquisition struct {
		// ImageSize is the square frame edge length in pixels
		ImageSize int `yaml:"imageSize"`

		// DwellTimeNs is the per-pixel dwell time in nanoseconds
		DwellTimeNs int `yaml:"dwellTimeNs"`

		// Verbose controls progress output from the loops
		Verbose bool `yaml:"verbose"`
	} `yaml:"acquisition"`

	// Registration parameters for the correlation pipeline
	Registration struct {
		// OverlapFraction is the column fraction shared between consecutive
		// frames; higher values tolerate larger unknown misalignments
		OverlapFraction float64 `yaml:"overlapFraction"`

		// BinFactor reduces resolution before correlating; must divide
		// the image size evenly
		BinFactor int `yaml:"binFactor"`

		// GaussianSigma is the smoothing sigma in pixels, tuned to the
		// acquisition magnification
		GaussianSigma float64 `yaml:"gaussianSigma"`
	} `yaml:"registration"`

	// Calibration parameters for the rotation-angle loop
	Calibration struct {
		// StartAngleDeg seeds the pixel-to-deflection rotation estimate
		StartAngleDeg float64 `yaml:"startAngleDeg"`

		// ToleranceDeg declares convergence when the unsigned residual
		// correction falls below it
		ToleranceDeg float64 `yaml:"toleranceDeg"`

		// MaxRounds bounds the probe-correct iteration
		MaxRounds int `yaml:"maxRounds"`
	} `yaml:"calibration"`

	// Tiling parameters for the grid drift-correction loop
	Tiling struct {
		// Rows and Cols define the tile grid
		Rows int `yaml:"rows"`
		Cols int `yaml:"cols"`

		// ShiftTolerancePx accepts a seam when both peak components are
		// within this many binned pixels of the expected location
		ShiftTolerancePx int `yaml:"shiftTolerancePx"`

		// MaxCorrectionAttempts bounds the per-seam retry sub-loop
		MaxCorrectionAttempts int `yaml:"maxCorrectionAttempts"`
	} `yaml:"tiling"`

	// Detector parameters for the Merlin command connection
	Detector struct {
		// Address is the host:port of the Merlin command API
		Address string `yaml:"address"`

		// Threshold0 is the first energy threshold
		Threshold0 int `yaml:"threshold0"`

		// CounterDepth is the counter bit depth
		CounterDepth int `yaml:"counterDepth"`

		// FileDirectory is where the detector writes frame data
		FileDirectory string `yaml:"fileDirectory"`

		// FileName is the base name for written frame data
		FileName string `yaml:"fileName"`
	} `yaml:"detector"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Acquisition.ImageSize = 1024
	cfg.Acquisition.DwellTimeNs = 500
	cfg.Acquisition.Verbose = true

	cfg.Registration.OverlapFraction = 0.3
	cfg.Registration.BinFactor = 4
	cfg.Registration.GaussianSigma = 0.1

	cfg.Calibration.StartAngleDeg = 0
	cfg.Calibration.ToleranceDeg = 0.5
	cfg.Calibration.MaxRounds = 5

	cfg.Tiling.Rows = 1
	cfg.Tiling.Cols = 2
	cfg.Tiling.ShiftTolerancePx = 5
	cfg.Tiling.MaxCorrectionAttempts = 10

	cfg.Detector.Address = "192.168.0.4:6341"
	cfg.Detector.Threshold0 = 40
	cfg.Detector.CounterDepth = 6
	cfg.Detector.FileDirectory = "."
	cfg.Detector.FileName = "default"

	return cfg
}

// Validate checks the cross-field constraints the loops rely on.
func (cfg *Config) Validate() error {
	if cfg.Acquisition.ImageSize <= 0 {
		return fmt.Errorf("config: imageSize %d must be positive", cfg.Acquisition.ImageSize)
	}
	if cfg.Registration.BinFactor < 1 {
		return fmt.Errorf("config: binFactor %d must be at least 1", cfg.Registration.BinFactor)
	}
	if cfg.Acquisition.ImageSize%cfg.Registration.BinFactor != 0 {
		return fmt.Errorf("config: imageSize %d not divisible by binFactor %d",
			cfg.Acquisition.ImageSize, cfg.Registration.BinFactor)
	}
	if f := cfg.Registration.OverlapFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("config: overlapFraction %g must be in (0, 1)", f)
	}
	if cfg.Calibration.MaxRounds < 1 {
		return fmt.Errorf("config: maxRounds %d must be at least 1", cfg.Calibration.MaxRounds)
	}
	if cfg.Tiling.MaxCorrectionAttempts < 1 {
		return fmt.Errorf("config: maxCorrectionAttempts %d must be at least 1",
			cfg.Tiling.MaxCorrectionAttempts)
	}
	if cfg.Tiling.Rows < 1 || cfg.Tiling.Cols < 1 {
		return fmt.Errorf("config: grid %dx%d must have at least one tile",
			cfg.Tiling.Rows, cfg.Tiling.Cols)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
