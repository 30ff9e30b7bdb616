package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/detsim/sim/trace"
)

// Config holds every per-simulation setting. Zero-valued fields fall back
// to DefaultConfig when loaded from a file.
type Config struct {
	Seed      int64            `yaml:"seed" toml:"seed"`
	Horizon   time.Duration    `yaml:"horizon" toml:"horizon"`       // 0 = run until quiescent
	StartTime time.Time        `yaml:"start_time" toml:"start_time"` // wall-clock time at virtual zero
	Scheduler string           `yaml:"scheduler" toml:"scheduler"`   // "random" (default) or "fifo"
	Trace     trace.TraceLevel `yaml:"trace" toml:"trace"`
	Net       NetConfig        `yaml:"net" toml:"net"`
	FS        FSConfig         `yaml:"fs" toml:"fs"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		StartTime: time.Unix(0, 0).UTC(),
		Scheduler: PolicyRandom,
		Trace:     trace.TraceLevelNone,
		Net: NetConfig{
			MinLatency:     1 * time.Millisecond,
			MaxLatency:     10 * time.Millisecond,
			PartitionMode:  PartitionDrop,
			ConnectTimeout: 1 * time.Second,
		},
	}
}

// LoadConfig reads a YAML or TOML (by .toml extension) configuration file.
// Values present in the file override DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parsing simulation config: %w", err)
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading simulation config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing simulation config: %w", err)
		}
	}
	return &cfg, nil
}

// Validate checks that all policy names and parameter ranges are valid.
func (c *Config) Validate() error {
	if !ValidSchedulerPolicies[c.Scheduler] {
		return fmt.Errorf("unknown scheduler policy %q", c.Scheduler)
	}
	if !trace.IsValidTraceLevel(string(c.Trace)) {
		return fmt.Errorf("unknown trace level %q", c.Trace)
	}
	if !ValidPartitionModes[c.Net.PartitionMode] {
		return fmt.Errorf("unknown partition mode %q", c.Net.PartitionMode)
	}
	if c.Horizon < 0 {
		return fmt.Errorf("horizon must be >= 0, got %v", c.Horizon)
	}
	if err := validateLatency("net", c.Net.MinLatency, c.Net.MaxLatency); err != nil {
		return err
	}
	if err := validateLatency("fs", c.FS.MinLatency, c.FS.MaxLatency); err != nil {
		return err
	}
	if err := validateRate("net.drop_rate", c.Net.DropRate); err != nil {
		return err
	}
	if err := validateRate("fs.timeout_rate", c.FS.TimeoutRate); err != nil {
		return err
	}
	if c.Net.ConnectTimeout < 0 {
		return fmt.Errorf("net.connect_timeout must be >= 0, got %v", c.Net.ConnectTimeout)
	}
	return nil
}

func validateLatency(name string, min, max time.Duration) error {
	if min < 0 || max < 0 {
		return fmt.Errorf("%s latency must be >= 0, got [%v, %v]", name, min, max)
	}
	if max != 0 && max < min {
		return fmt.Errorf("%s max_latency %v is below min_latency %v", name, max, min)
	}
	return nil
}

func validateRate(name string, p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("%s must be in [0, 1], got %v", name, p)
	}
	return nil
}
