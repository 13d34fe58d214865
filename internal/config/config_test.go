package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.StepSize != 1.0 {
		t.Errorf("expected StepSize 1.0, got %v", cfg.StepSize)
	}
	if cfg.Backtrack != 0.5 {
		t.Errorf("expected Backtrack 0.5, got %v", cfg.Backtrack)
	}
	if cfg.MaxLineSearch != 50 {
		t.Errorf("expected MaxLineSearch 50, got %d", cfg.MaxLineSearch)
	}
	if cfg.LineSearch != LineSearchAuto {
		t.Errorf("expected LineSearch auto, got %v", cfg.LineSearch)
	}
	if cfg.Ties != TiesBreslow {
		t.Errorf("expected Ties breslow, got %v", cfg.Ties)
	}
	if cfg.Streams != 1 {
		t.Errorf("expected Streams 1, got %d", cfg.Streams)
	}
	if cfg.Penalized() {
		t.Error("expected default config to be unpenalized")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"penalized", func(c *Config) { c.Lambda1, c.Lambda2 = 0.1, 0.2 }, false},
		{"zero step", func(c *Config) { c.StepSize = 0 }, true},
		{"backtrack one", func(c *Config) { c.Backtrack = 1 }, true},
		{"backtrack zero", func(c *Config) { c.Backtrack = 0 }, true},
		{"no line search", func(c *Config) { c.MaxLineSearch = 0 }, true},
		{"min step above step", func(c *Config) { c.MinStepSize = 2 }, true},
		{"no iterations", func(c *Config) { c.MaxIter = 0 }, true},
		{"zero tolerance", func(c *Config) { c.Tolerance = 0 }, true},
		{"bad criterion", func(c *Config) { c.LineSearch = "armijo" }, true},
		{"bad ties", func(c *Config) { c.Ties = "exact" }, true},
		{"no streams", func(c *Config) { c.Streams = 0 }, true},
		{"negative lambda_1", func(c *Config) { c.Lambda1 = -1 }, true},
		{"negative lambda_2", func(c *Config) { c.Lambda2 = -1 }, true},
		{"negative memory limit", func(c *Config) { c.MemoryLimit = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fit.yaml")
	body := []byte("lambda_1: 0.05\nties: EFRON\nline_search: Gradient\nstreams: 2\nmax_iter: 250\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lambda1 != 0.05 {
		t.Errorf("expected lambda_1 0.05, got %v", cfg.Lambda1)
	}
	if cfg.Ties != TiesEfron {
		t.Errorf("expected efron ties, got %v", cfg.Ties)
	}
	if cfg.LineSearch != LineSearchGradient {
		t.Errorf("expected gradient criterion, got %v", cfg.LineSearch)
	}
	if cfg.Streams != 2 || cfg.MaxIter != 250 {
		t.Errorf("unexpected streams/max_iter: %d/%d", cfg.Streams, cfg.MaxIter)
	}
	// untouched fields keep defaults
	if cfg.Backtrack != 0.5 {
		t.Errorf("expected default backtrack, got %v", cfg.Backtrack)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("step_size: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("backtrack: 1.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil {
		t.Error("expected validation error")
	}
}
