package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lemonforest/mlehaptics-sub009/pkg/beacon"
	"github.com/lemonforest/mlehaptics-sub009/pkg/cycle"
	"github.com/lemonforest/mlehaptics-sub009/pkg/engine"
	"github.com/lemonforest/mlehaptics-sub009/pkg/fallback"
	"github.com/lemonforest/mlehaptics-sub009/pkg/session"
)

// duration lets YAML carry values like "1s" or "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

type daemonConfig struct {
	Unit struct {
		Addr    string  `yaml:"addr"`
		Battery float64 `yaml:"battery"`
	} `yaml:"unit"`

	HTTPPort int    `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`

	Bootstrap struct {
		Listen    string   `yaml:"listen"`
		Advertise string   `yaml:"advertise"`
		Peers     []string `yaml:"peers"`
	} `yaml:"bootstrap"`

	Operational struct {
		Listen string `yaml:"listen"`
		Dial   string `yaml:"dial"`
	} `yaml:"operational"`

	Session struct {
		Service         string `yaml:"service"`
		BatteryOverride bool   `yaml:"battery_override"`
	} `yaml:"session"`

	Beacon struct {
		MinInterval duration `yaml:"min_interval"`
		MaxInterval duration `yaml:"max_interval"`
	} `yaml:"beacon"`

	Cycle struct {
		Cycle     duration `yaml:"cycle"`
		DeadTime  duration `yaml:"dead_time"`
		Intensity int      `yaml:"intensity"`
	} `yaml:"cycle"`

	Fallback struct {
		Grace        duration `yaml:"grace"`
		RedialPeriod duration `yaml:"redial_period"`
	} `yaml:"fallback"`

	Telemetry struct {
		Path string `yaml:"path"`
	} `yaml:"telemetry"`

	Actuator struct {
		Device string `yaml:"device"`
	} `yaml:"actuator"`
}

// loadConfig reads the YAML daemon configuration. A missing path yields the
// zero config, so every field falls back to its component default.
func loadConfig(path string) (*daemonConfig, error) {
	cfg := &daemonConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// engineConfig maps the daemon configuration onto the engine's component
// configs. Unset fields stay zero and take component defaults.
func (c *daemonConfig) engineConfig() engine.Config {
	return engine.Config{
		Session: session.Config{
			Service:         c.Session.Service,
			BatteryOverride: c.Session.BatteryOverride,
		},
		Beacon: beacon.Config{
			MinInterval: c.Beacon.MinInterval.Duration,
			MaxInterval: c.Beacon.MaxInterval.Duration,
		},
		Cycle: cycle.Config{
			Cycle:     c.Cycle.Cycle.Duration,
			DeadTime:  c.Cycle.DeadTime.Duration,
			Intensity: uint8(c.Cycle.Intensity),
		},
		Fallback: fallback.Config{
			Grace:        c.Fallback.Grace.Duration,
			RedialPeriod: c.Fallback.RedialPeriod.Duration,
		},
	}
}
