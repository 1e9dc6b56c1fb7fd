package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_Valid(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "bridge.yaml")
	yaml := `
tcp_addr: ":20110"
proto: both
tick_ms: 250
seed: 42
`
	if err := os.WriteFile(tmpFile, []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.TCPAddr != ":20110" || cfg.Proto != ProtoBoth || cfg.TickMS != 250 || cfg.Seed != 42 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	// Untouched fields keep their defaults.
	if cfg.WSAddr != ":8081" || cfg.QueueSize != 1000 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load(\"\") = %+v, want defaults", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad proto", func(c *Config) { c.Proto = "nmea9000" }},
		{"tick too fast", func(c *Config) { c.TickMS = 10 }},
		{"tick too slow", func(c *Config) { c.TickMS = 10000 }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"missing tcp addr", func(c *Config) { c.TCPAddr = "" }},
		{"missing api addr", func(c *Config) { c.APIAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %+v", cfg)
			}
		})
	}
}
