package engine

import (
	"fmt"
	"time"

	"github.com/zebiner/sector-doctor/internal/sector"
)

// Config bounds a repair session.
type Config struct {
	// MaxCyclesPerSession caps the number of parse/repair cycles.
	MaxCyclesPerSession int `yaml:"max_cycles"`
	// MaxAttemptsPerSector caps repair attempts on one occurrence of an
	// address. A sector reaching it without success is Failed.
	MaxAttemptsPerSector int `yaml:"max_attempts_per_sector"`

	BaseBackoff  time.Duration `yaml:"base_backoff"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	JitterFactor float64       `yaml:"jitter_factor"` // 0.0-1.0

	// PerAttemptTimeout bounds every single repair command.
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout"`
	// ReappearGraceCycles is how many times a repaired sector may come back
	// and be repaired again before it is finalized Failed.
	ReappearGraceCycles int `yaml:"reappear_grace_cycles"`
	// CycleInterval is the pause between cycles when no retry is pending.
	CycleInterval time.Duration `yaml:"cycle_interval"`
}

// DefaultConfig returns conservative limits for a spinning disk.
//
// Default configuration:
//   - 10 cycles, 3 attempts per sector
//   - backoff from 2s doubling up to 1m, 10% jitter
//   - 30s per repair command
//   - one reappearance tolerated
func DefaultConfig() Config {
	return Config{
		MaxCyclesPerSession:  10,
		MaxAttemptsPerSector: 3,
		BaseBackoff:          2 * time.Second,
		BackoffCap:           time.Minute,
		JitterFactor:         0.1,
		PerAttemptTimeout:    30 * time.Second,
		ReappearGraceCycles:  1,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var problems []string
	if c.MaxCyclesPerSession < 1 {
		problems = append(problems, fmt.Sprintf("max_cycles must be at least 1, got %d", c.MaxCyclesPerSession))
	}
	if c.MaxAttemptsPerSector < 1 {
		problems = append(problems, fmt.Sprintf("max_attempts_per_sector must be at least 1, got %d", c.MaxAttemptsPerSector))
	}
	if c.BaseBackoff < 0 {
		problems = append(problems, "base_backoff must not be negative")
	}
	if c.BackoffCap < c.BaseBackoff {
		problems = append(problems, fmt.Sprintf("backoff_cap (%v) must not be below base_backoff (%v)", c.BackoffCap, c.BaseBackoff))
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		problems = append(problems, fmt.Sprintf("jitter_factor must be within 0.0-1.0, got %v", c.JitterFactor))
	}
	if c.PerAttemptTimeout <= 0 {
		problems = append(problems, "per_attempt_timeout must be positive")
	}
	if c.ReappearGraceCycles < 0 {
		problems = append(problems, "reappear_grace_cycles must not be negative")
	}
	if c.CycleInterval < 0 {
		problems = append(problems, "cycle_interval must not be negative")
	}
	if len(problems) > 0 {
		return &sector.ConfigError{Problems: problems}
	}
	return nil
}
