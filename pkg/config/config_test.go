package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default configuration failed validation: %v", err)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Acquisition.ImageSize != 1024 {
		t.Errorf("expected default image size 1024, got %d", cfg.Acquisition.ImageSize)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "stemdrift.yaml")

	cfg := DefaultConfig()
	cfg.Acquisition.ImageSize = 512
	cfg.Registration.BinFactor = 2
	cfg.Calibration.StartAngleDeg = -15.5
	cfg.Tiling.Cols = 7
	cfg.Detector.Address = "127.0.0.1:6341"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig returned error: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if loaded.Acquisition.ImageSize != 512 {
		t.Errorf("expected image size 512, got %d", loaded.Acquisition.ImageSize)
	}
	if loaded.Registration.BinFactor != 2 {
		t.Errorf("expected bin factor 2, got %d", loaded.Registration.BinFactor)
	}
	if loaded.Calibration.StartAngleDeg != -15.5 {
		t.Errorf("expected start angle -15.5, got %g", loaded.Calibration.StartAngleDeg)
	}
	if loaded.Tiling.Cols != 7 {
		t.Errorf("expected 7 columns, got %d", loaded.Tiling.Cols)
	}
	if loaded.Detector.Address != "127.0.0.1:6341" {
		t.Errorf("expected loopback address, got %s", loaded.Detector.Address)
	}
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	// BinFactor 3 does not divide the default image size 1024.
	if err := os.WriteFile(path, []byte("registration:\n  binFactor: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for incompatible bin factor")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero image size", func(c *Config) { c.Acquisition.ImageSize = 0 }},
		{"zero bin factor", func(c *Config) { c.Registration.BinFactor = 0 }},
		{"indivisible bin factor", func(c *Config) { c.Registration.BinFactor = 3 }},
		{"overlap too low", func(c *Config) { c.Registration.OverlapFraction = 0 }},
		{"overlap too high", func(c *Config) { c.Registration.OverlapFraction = 1 }},
		{"no calibration rounds", func(c *Config) { c.Calibration.MaxRounds = 0 }},
		{"no correction attempts", func(c *Config) { c.Tiling.MaxCorrectionAttempts = 0 }},
		{"empty grid", func(c *Config) { c.Tiling.Rows = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}
}
