package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LineSearchPolicy selects which stopping criterion accepts a trial step.
type LineSearchPolicy string

const (
	LineSearchAuto     LineSearchPolicy = "auto"
	LineSearchValue    LineSearchPolicy = "value"
	LineSearchGradient LineSearchPolicy = "gradient"
)

// TieMethod selects how tied event times enter the partial likelihood.
type TieMethod string

const (
	TiesBreslow TieMethod = "breslow"
	TiesEfron   TieMethod = "efron"
)

type Config struct {
	StepSize      float64          `yaml:"step_size"`
	Backtrack     float64          `yaml:"backtrack"`
	MaxLineSearch int              `yaml:"max_line_search"`
	MinStepSize   float64          `yaml:"min_step_size"`
	MaxIter       int              `yaml:"max_iter"`
	Tolerance     float64          `yaml:"tolerance"`
	LineSearch    LineSearchPolicy `yaml:"line_search"`
	Ties          TieMethod        `yaml:"ties"`
	Streams       int              `yaml:"streams"`

	Lambda1 float64 `yaml:"lambda_1"`
	Lambda2 float64 `yaml:"lambda_2"`

	// MemoryLimit caps device allocations in bytes, 0 means unlimited.
	MemoryLimit int64 `yaml:"memory_limit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func (c *Config) Validate() error {
	if c.StepSize <= 0 {
		return fmt.Errorf("invalid step_size: %g (must be positive)", c.StepSize)
	}
	if c.Backtrack <= 0 || c.Backtrack >= 1 {
		return fmt.Errorf("invalid backtrack: %g (must be in (0, 1))", c.Backtrack)
	}
	if c.MaxLineSearch <= 0 {
		return fmt.Errorf("invalid max_line_search: %d (must be positive)", c.MaxLineSearch)
	}
	if c.MinStepSize < 0 || c.MinStepSize >= c.StepSize {
		return fmt.Errorf("invalid min_step_size: %g (must be in [0, step_size))", c.MinStepSize)
	}
	if c.MaxIter <= 0 {
		return fmt.Errorf("invalid max_iter: %d (must be positive)", c.MaxIter)
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("invalid tolerance: %g (must be positive)", c.Tolerance)
	}
	switch c.LineSearch {
	case LineSearchAuto, LineSearchValue, LineSearchGradient:
	default:
		return fmt.Errorf("invalid line_search: %q (want auto, value or gradient)", c.LineSearch)
	}
	switch c.Ties {
	case TiesBreslow, TiesEfron:
	default:
		return fmt.Errorf("invalid ties: %q (want breslow or efron)", c.Ties)
	}
	if c.Streams <= 0 {
		return fmt.Errorf("invalid streams: %d (must be positive)", c.Streams)
	}
	if c.Lambda1 < 0 {
		return fmt.Errorf("invalid lambda_1: %g (must be non-negative)", c.Lambda1)
	}
	if c.Lambda2 < 0 {
		return fmt.Errorf("invalid lambda_2: %g (must be non-negative)", c.Lambda2)
	}
	if c.MemoryLimit < 0 {
		return fmt.Errorf("invalid memory_limit: %d (must be non-negative)", c.MemoryLimit)
	}
	return nil
}

// Penalized reports whether any penalty term is active.
func (c *Config) Penalized() bool {
	return c.Lambda1 > 0 || c.Lambda2 > 0
}

func (c *Config) GetTies() TieMethod {
	return TieMethod(strings.ToLower(string(c.Ties)))
}

func Default() Config {
	return Config{
		StepSize:      1.0,
		Backtrack:     0.5,
		MaxLineSearch: 50,
		MinStepSize:   1e-12,
		MaxIter:       1000,
		Tolerance:     1e-6,
		LineSearch:    LineSearchAuto,
		Ties:          TiesBreslow,
		Streams:       1,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load overlays the YAML file at path on Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.LineSearch = LineSearchPolicy(strings.ToLower(string(cfg.LineSearch)))
	cfg.Ties = cfg.GetTies()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
