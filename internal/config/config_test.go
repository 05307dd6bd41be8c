package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, Filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Project.Port != 8000 {
		t.Errorf("Expected Project.Port to be 8000, got %d", cfg.Project.Port)
	}
	if cfg.Checks.Paths.Dockerfile != "Dockerfile" {
		t.Errorf("Expected Paths.Dockerfile to be Dockerfile, got %s", cfg.Checks.Paths.Dockerfile)
	}
	if cfg.Backup.Keep != 7 {
		t.Errorf("Expected Backup.Keep to be 7, got %d", cfg.Backup.Keep)
	}
	if cfg.History.Keep != 50 {
		t.Errorf("Expected History.Keep to be 50, got %d", cfg.History.Keep)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func TestProjectConfigImageRef(t *testing.T) {
	p := ProjectConfig{Name: "shipyard", Registry: "ghcr.io"}
	if got := p.ImageRef(); got != "ghcr.io/shipyard" {
		t.Errorf("Expected ghcr.io/shipyard, got %s", got)
	}

	p.Image = "registry.example.com/team/shipyard"
	if got := p.ImageRef(); got != "registry.example.com/team/shipyard" {
		t.Errorf("Expected explicit image to win, got %s", got)
	}
}

func TestLoad(t *testing.T) {
	t.Run("valid config overrides defaults", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
project:
  name: shipyard
  port: 9000
serve:
  log_level: debug
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Project.Name != "shipyard" {
			t.Errorf("Expected project name shipyard, got %s", cfg.Project.Name)
		}
		if cfg.Project.Port != 9000 {
			t.Errorf("Expected port 9000, got %d", cfg.Project.Port)
		}
		if cfg.Serve.LogLevel != "debug" {
			t.Errorf("Expected log level debug, got %s", cfg.Serve.LogLevel)
		}
		// Untouched sections keep their defaults.
		if cfg.Backup.Dir != "backups" {
			t.Errorf("Expected backup dir default, got %s", cfg.Backup.Dir)
		}
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
project:
  name: shipyard
  prot: 9000
`)
		if _, err := Load(path); err == nil {
			t.Fatal("Expected error for unknown key, got nil")
		}
	})

	t.Run("empty file yields defaults", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Project.Name != "app" {
			t.Errorf("Expected default project name, got %s", cfg.Project.Name)
		}
	})

	t.Run("out of range port fails validation", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
project:
  name: shipyard
  port: 70000
`)
		if _, err := Load(path); err == nil {
			t.Fatal("Expected validation error for port 70000, got nil")
		}
	})

	t.Run("bad severity override fails validation", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
project:
  name: shipyard
checks:
  severity:
    DF002: fatal
`)
		if _, err := Load(path); err == nil {
			t.Fatal("Expected validation error for severity 'fatal', got nil")
		}
	})

	t.Run("severity overrides accepted", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
project:
  name: shipyard
checks:
  disabled: [nginx]
  severity:
    DF002: critical
    CP004: info
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Checks.Severity["DF002"] != "critical" {
			t.Errorf("Expected DF002 override critical, got %s", cfg.Checks.Severity["DF002"])
		}
		if len(cfg.Checks.Disabled) != 1 || cfg.Checks.Disabled[0] != "nginx" {
			t.Errorf("Expected disabled [nginx], got %v", cfg.Checks.Disabled)
		}
	})
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := LoadOrDefault(t.TempDir())
		if err != nil {
			t.Fatalf("LoadOrDefault failed: %v", err)
		}
		if cfg.Project.Name != "app" {
			t.Errorf("Expected default config, got project name %s", cfg.Project.Name)
		}
	})

	t.Run("broken file is still an error", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "project: [not a mapping")
		if _, err := LoadOrDefault(dir); err == nil {
			t.Fatal("Expected error for broken config, got nil")
		}
	})
}

func TestPathsResolve(t *testing.T) {
	p := PathsConfig{
		Dockerfile: "Dockerfile",
		Compose:    "/abs/docker-compose.yml",
	}
	resolved := p.Resolve("/work/project")

	if resolved.Dockerfile != filepath.Join("/work/project", "Dockerfile") {
		t.Errorf("Expected relative path joined to root, got %s", resolved.Dockerfile)
	}
	if resolved.Compose != "/abs/docker-compose.yml" {
		t.Errorf("Expected absolute path unchanged, got %s", resolved.Compose)
	}
	if resolved.NginxConf != "" {
		t.Errorf("Expected empty path unchanged, got %s", resolved.NginxConf)
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written default failed: %v", err)
	}
	if cfg.Project.Port != 8000 {
		t.Errorf("Expected round-tripped port 8000, got %d", cfg.Project.Port)
	}

	// Second write must refuse to clobber.
	err = WriteDefault(path)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got %v", err)
	}
}
