package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Carabiner CarabinerConfig `yaml:"carabiner"`
	Server    ServerConfig    `yaml:"server"`
	MIDI      MIDIConfig      `yaml:"midi"`
}

// CarabinerConfig covers the daemon connection and the sync behavior
// applied once it is up.
type CarabinerConfig struct {
	Port      int    `yaml:"port"`
	LatencyMs int    `yaml:"latency_ms"`
	SyncMode  string `yaml:"sync_mode"`
	AlignBars bool   `yaml:"align_bars"`
	// Path to a Carabiner binary to launch when nothing is listening on
	// the port. Empty disables embedded launch.
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// MIDIConfig names the output port that receives MIDI clock derived from
// the session tempo. Empty disables the clock.
type MIDIConfig struct {
	ClockPort string `yaml:"clock_port"`
}

func Default() *Config {
	return &Config{
		Carabiner: CarabinerConfig{
			Port:      17000,
			LatencyMs: 1,
			SyncMode:  "off",
		},
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
	}
}

// LoadOrDefault reads the config at path, falling back to the defaults
// when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(errors.Cause(err)) {
		return Default(), nil
	}
	return cfg, err
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validating %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Carabiner.Port < 1 || c.Carabiner.Port > 65535 {
		return errors.Errorf("carabiner.port %d out of range", c.Carabiner.Port)
	}
	if c.Carabiner.LatencyMs < 0 || c.Carabiner.LatencyMs > 1000 {
		return errors.Errorf("carabiner.latency_ms %d out of range", c.Carabiner.LatencyMs)
	}
	switch c.Carabiner.SyncMode {
	case "off", "manual", "passive", "full":
	default:
		return errors.Errorf("carabiner.sync_mode %q unknown", c.Carabiner.SyncMode)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
