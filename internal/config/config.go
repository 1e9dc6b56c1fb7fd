// Runtime configuration for the bridge process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Wire protocol selection for the data servers.
const (
	Proto0183 = "0183"
	Proto2000 = "2000"
	ProtoBoth = "both"
)

// Config is everything the process needs besides the run mode. Flags
// override file values, file values override defaults.
type Config struct {
	TCPAddr     string `yaml:"tcp_addr"`
	WSAddr      string `yaml:"ws_addr"`
	APIAddr     string `yaml:"api_addr"`
	Proto       string `yaml:"proto"`
	TickMS      int    `yaml:"tick_ms"`
	QueueSize   int    `yaml:"queue_size"`
	Seed        int64  `yaml:"seed"`
	ScenarioDir string `yaml:"scenario_dir"`
	RecordDir   string `yaml:"record_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Default returns the configuration the bridge runs with when no file and no
// flags are given. 10110 is the conventional NMEA 0183 TCP port.
func Default() Config {
	return Config{
		TCPAddr:     ":10110",
		WSAddr:      ":8081",
		APIAddr:     ":8080",
		Proto:       Proto0183,
		TickMS:      500,
		QueueSize:   1000,
		Seed:        1,
		ScenarioDir: "scenarios",
		RecordDir:   "recordings",
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

// Load overlays a YAML file onto the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Tick returns the generation interval.
func (c Config) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// Validate rejects configurations the servers cannot run with.
func (c Config) Validate() error {
	switch c.Proto {
	case Proto0183, Proto2000, ProtoBoth:
	default:
		return fmt.Errorf("proto must be %s, %s or %s, got %q", Proto0183, Proto2000, ProtoBoth, c.Proto)
	}
	if c.TickMS < 50 || c.TickMS > 5000 {
		return fmt.Errorf("tick_ms %d outside 50-5000", c.TickMS)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be >= 1, got %d", c.QueueSize)
	}
	for _, a := range []struct {
		name, addr string
	}{{"tcp_addr", c.TCPAddr}, {"ws_addr", c.WSAddr}, {"api_addr", c.APIAddr}} {
		if a.addr == "" {
			return fmt.Errorf("%s missing", a.name)
		}
	}
	return nil
}
