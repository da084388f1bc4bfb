package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_DefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxConcurrent <= 0 || cfg.DeleteMaxAttempts <= 0 {
		t.Fatalf("bad defaults: %+v", cfg)
	}
	if !cfg.DeniedKindSet()["vendor"] {
		t.Fatalf("vendor not denied by default")
	}
}

func TestConfig_LoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.yaml")
	raw := `
staging_dir: /tmp/exp
workspace_grace_ms: 250
root_grace_ms: 750
delete_max_attempts: 5
delete_initial_delay_ms: 20
max_concurrent: 2
denied_kinds: [vendor, arcade]
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StagingDir != "/tmp/exp" {
		t.Fatalf("staging dir %q", cfg.StagingDir)
	}
	if cfg.WorkspaceGrace() != 250*time.Millisecond || cfg.RootGrace() != 750*time.Millisecond {
		t.Fatalf("grace delays: %v %v", cfg.WorkspaceGrace(), cfg.RootGrace())
	}
	if cfg.DeleteMaxAttempts != 5 || cfg.DeleteInitialDelay() != 20*time.Millisecond {
		t.Fatalf("retry config: %+v", cfg)
	}
	denied := cfg.DeniedKindSet()
	if !denied["vendor"] || !denied["arcade"] {
		t.Fatalf("denied kinds: %v", denied)
	}
}

func TestConfig_ValidateRejectsEmptyDeniedKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.yaml")
	if err := os.WriteFile(path, []byte(`denied_kinds: ["vendor", " "]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}
