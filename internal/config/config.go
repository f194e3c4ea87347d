// Package config loads the sector-doctor configuration file.
//
// The file is YAML. Every field is optional: missing fields keep the value
// from Default, and command-line flags override both.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zebiner/sector-doctor/internal/engine"
	"github.com/zebiner/sector-doctor/internal/repair"
	"github.com/zebiner/sector-doctor/internal/sector"
)

// Diagnostic sources.
const (
	SourceSmartctl = "smartctl"
	SourceFile     = "file"
	SourceKernel   = "kernel"
)

// Runner modes.
const (
	RunnerLocal  = "local"
	RunnerDocker = "docker"
)

// Config is the complete configuration.
type Config struct {
	Engine      engine.Config     `yaml:"engine"`
	Repair      RepairConfig      `yaml:"repair"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Runner      RunnerConfig      `yaml:"runner"`
	Fleet       FleetConfig       `yaml:"fleet"`
	History     HistoryConfig     `yaml:"history"`
	Log         LogConfig         `yaml:"log"`
}

// RepairConfig selects and paces the repair primitive.
type RepairConfig struct {
	Tool string `yaml:"tool"`
	// RatePerSecond limits repair commands per device; 0 disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// DiagnosticsConfig selects where diagnostic output comes from.
type DiagnosticsConfig struct {
	Source     string `yaml:"source"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	DeviceType string `yaml:"device_type"`
	// SelfTest runs before the first cycle: none, short or long.
	SelfTest      string        `yaml:"self_test"`
	VerifySpan    uint64        `yaml:"verify_span"`
	VerifyRetries int           `yaml:"verify_retries"`
	VerifyWait    time.Duration `yaml:"verify_wait"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	// StartPause is waited after a self-test starts, before its status is
	// first read.
	StartPause time.Duration `yaml:"start_pause"`
}

// RunnerConfig selects the process boundary.
type RunnerConfig struct {
	Mode      string `yaml:"mode"`
	Container string `yaml:"container"`
}

// FleetConfig bounds multi-device runs.
type FleetConfig struct {
	MaxParallelDevices int `yaml:"max_parallel_devices"`
}

// HistoryConfig locates the session history database. An empty path
// disables history.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: engine.DefaultConfig(),
		Repair: RepairConfig{
			Tool:          string(repair.ToolHdparm),
			RatePerSecond: 1,
			Burst:         1,
		},
		Diagnostics: DiagnosticsConfig{
			Source:        SourceSmartctl,
			SelfTest:      "none",
			VerifySpan:    5,
			VerifyRetries: 2,
			VerifyWait:    10 * time.Second,
			PollInterval:  5 * time.Second,
			StartPause:    500 * time.Millisecond,
		},
		Runner: RunnerConfig{Mode: RunnerLocal},
		Fleet:  FleetConfig{MaxParallelDevices: 2},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(bytes.NewReader(data), &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode overlays YAML from r onto cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid field at once as a *sector.ConfigError.
func (c Config) Validate() error {
	var problems []string
	if err := c.Engine.Validate(); err != nil {
		var ce *sector.ConfigError
		if errors.As(err, &ce) {
			for _, p := range ce.Problems {
				problems = append(problems, "engine."+p)
			}
		}
	}

	if _, err := repair.ParseTool(c.Repair.Tool); err != nil {
		problems = append(problems, "repair.tool: "+err.Error())
	}
	if c.Repair.RatePerSecond < 0 {
		problems = append(problems, "repair.rate_per_second must not be negative")
	}
	if c.Repair.RatePerSecond > 0 && c.Repair.Burst < 1 {
		problems = append(problems, "repair.burst must be at least 1 when rate limiting is enabled")
	}

	switch c.Diagnostics.Source {
	case SourceSmartctl, SourceKernel:
	case SourceFile:
		if c.Diagnostics.File == "" {
			problems = append(problems, "diagnostics.file is required when diagnostics.source is file")
		}
	default:
		problems = append(problems, fmt.Sprintf("diagnostics.source %q is not one of smartctl, file, kernel", c.Diagnostics.Source))
	}
	switch c.Diagnostics.SelfTest {
	case "", "none", "short", "long":
	default:
		problems = append(problems, fmt.Sprintf("diagnostics.self_test %q is not one of none, short, long", c.Diagnostics.SelfTest))
	}
	if c.Diagnostics.VerifyRetries < 0 {
		problems = append(problems, "diagnostics.verify_retries must not be negative")
	}
	if c.Diagnostics.StartPause < 0 {
		problems = append(problems, "diagnostics.start_pause must not be negative")
	}

	switch c.Runner.Mode {
	case RunnerLocal:
	case RunnerDocker:
		if c.Runner.Container == "" {
			problems = append(problems, "runner.container is required when runner.mode is docker")
		}
	default:
		problems = append(problems, fmt.Sprintf("runner.mode %q is not one of local, docker", c.Runner.Mode))
	}

	if c.Fleet.MaxParallelDevices < 1 {
		problems = append(problems, "fleet.max_parallel_devices must be at least 1")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(problems) > 0 {
		return &sector.ConfigError{Problems: problems}
	}
	return nil
}
