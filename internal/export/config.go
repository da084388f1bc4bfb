package export

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the export pipeline. The grace delays exist to let the
// simulation loop and other subsystems finish referencing entities before
// they are torn down; how long is enough under load is an operational
// question, so they are configuration rather than constants.
type Config struct {
	StagingDir string `yaml:"staging_dir"`

	WorkspaceGraceMs int `yaml:"workspace_grace_ms"`
	RootGraceMs      int `yaml:"root_grace_ms"`

	DeleteMaxAttempts    int `yaml:"delete_max_attempts"`
	DeleteInitialDelayMs int `yaml:"delete_initial_delay_ms"`

	MaxConcurrent int `yaml:"max_concurrent"`

	// DeniedKinds are entity kinds unsafe to persist; they are removed
	// during sanitization regardless of anchoring.
	DeniedKinds []string `yaml:"denied_kinds"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("export.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("export.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		StagingDir:           "./data/exports",
		WorkspaceGraceMs:     500,
		RootGraceMs:          500,
		DeleteMaxAttempts:    3,
		DeleteInitialDelayMs: 100,
		MaxConcurrent:        4,
		DeniedKinds:          []string{"vendor"},
	}
}

func (c *Config) Normalize() {
	d := defaults()
	if strings.TrimSpace(c.StagingDir) == "" {
		c.StagingDir = d.StagingDir
	}
	if c.WorkspaceGraceMs < 0 {
		c.WorkspaceGraceMs = 0
	}
	if c.RootGraceMs < 0 {
		c.RootGraceMs = 0
	}
	if c.DeleteMaxAttempts <= 0 {
		c.DeleteMaxAttempts = d.DeleteMaxAttempts
	}
	if c.DeleteInitialDelayMs <= 0 {
		c.DeleteInitialDelayMs = d.DeleteInitialDelayMs
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
}

func (c *Config) Validate() error {
	if c.DeleteMaxAttempts > 16 {
		return fmt.Errorf("delete_max_attempts %d too large", c.DeleteMaxAttempts)
	}
	for _, k := range c.DeniedKinds {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("empty denied kind")
		}
	}
	return nil
}

func (c Config) WorkspaceGrace() time.Duration {
	return time.Duration(c.WorkspaceGraceMs) * time.Millisecond
}

func (c Config) RootGrace() time.Duration {
	return time.Duration(c.RootGraceMs) * time.Millisecond
}

func (c Config) DeleteInitialDelay() time.Duration {
	return time.Duration(c.DeleteInitialDelayMs) * time.Millisecond
}

func (c Config) DeniedKindSet() map[string]bool {
	m := make(map[string]bool, len(c.DeniedKinds))
	for _, k := range c.DeniedKinds {
		m[k] = true
	}
	return m
}
