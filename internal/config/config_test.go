package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	for _, k := range []string{"PORT", "MOBIDE_RUNTIME", "CLI_SHELL", "CLI_IMAGE", "IDLE_TIMEOUT_MS"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "mobide.yaml")
	yml := `
server:
  port: 8080
runtime:
  kind: local
  shell: ["/bin/sh", "-l"]
sessions:
  idle_timeout: 5m
  watch_files: false
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Runtime.Kind != RuntimeLocal {
		t.Errorf("expected local runtime, got %q", cfg.Runtime.Kind)
	}
	if len(cfg.Runtime.Shell) != 2 || cfg.Runtime.Shell[1] != "-l" {
		t.Errorf("unexpected shell %v", cfg.Runtime.Shell)
	}
	if cfg.Sessions.IdleTimeout != 5*time.Minute {
		t.Errorf("expected 5m idle timeout, got %v", cfg.Sessions.IdleTimeout)
	}
	if cfg.Sessions.WatchFiles {
		t.Error("expected watch_files false")
	}
	// Untouched keys keep their defaults.
	if cfg.Runtime.Image != "mobide-cli" {
		t.Errorf("expected default image, got %q", cfg.Runtime.Image)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"PORT":              "4000",
		"DATA_DIR":          "/data",
		"STORAGE_PATH":      "/ignored",
		"CLI_IMAGE":         "ghcr.io/acme/cli:1",
		"CLI_IMAGE_PULL":    "TRUE",
		"CLI_USER":          "dev",
		"IDLE_TIMEOUT_MS":   "60000",
		"DOCKER_SOCKET":     "/run/docker.sock",
		"DEVICE_CODE_REGEX": `[A-Z]{8}`,
		"LOG_LEVEL":         "debug",
		"MOBIDE_RUNTIME":    "local",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("expected port 4000, got %d", cfg.Server.Port)
	}
	if cfg.Workspaces.Root != "/data" {
		t.Errorf("expected DATA_DIR to win over STORAGE_PATH, got %q", cfg.Workspaces.Root)
	}
	if cfg.Runtime.Image != "ghcr.io/acme/cli:1" || !cfg.Runtime.Pull || cfg.Runtime.User != "dev" {
		t.Errorf("unexpected runtime %+v", cfg.Runtime)
	}
	if cfg.Sessions.IdleTimeout != time.Minute {
		t.Errorf("expected 1m idle timeout, got %v", cfg.Sessions.IdleTimeout)
	}
	if cfg.DockerHost() != "unix:///run/docker.sock" {
		t.Errorf("unexpected docker host %q", cfg.DockerHost())
	}
	if cfg.Auth.DeviceCodePattern != `[A-Z]{8}` {
		t.Errorf("unexpected pattern %q", cfg.Auth.DeviceCodePattern)
	}
	if cfg.Logging.Level != "debug" || cfg.Runtime.Kind != RuntimeLocal {
		t.Errorf("unexpected logging/runtime %+v %+v", cfg.Logging, cfg.Runtime)
	}
}

func TestApplyEnvPullFlag(t *testing.T) {
	tests := map[string]bool{"true": true, "1": true, "True": true, "yes": false, "0": false}
	for v, want := range tests {
		cfg := Default()
		if err := cfg.ApplyEnv(envMap(map[string]string{"CLI_IMAGE_PULL": v})); err != nil {
			t.Fatal(err)
		}
		if cfg.Runtime.Pull != want {
			t.Errorf("CLI_IMAGE_PULL=%q: expected %v, got %v", v, want, cfg.Runtime.Pull)
		}
	}
}

func TestApplyEnvZeroIdleKeepsDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.ApplyEnv(envMap(map[string]string{"IDLE_TIMEOUT_MS": "0"})); err != nil {
		t.Fatal(err)
	}
	if cfg.Sessions.IdleTimeout != 30*time.Minute {
		t.Errorf("expected default idle timeout, got %v", cfg.Sessions.IdleTimeout)
	}
}

func TestApplyEnvBadNumber(t *testing.T) {
	cfg := Default()
	if err := cfg.ApplyEnv(envMap(map[string]string{"PORT": "eighty"})); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}

func TestDockerHostPassThrough(t *testing.T) {
	cfg := Default()
	if cfg.DockerHost() != "" {
		t.Errorf("expected empty host by default, got %q", cfg.DockerHost())
	}
	cfg.Runtime.DockerSocket = "tcp://10.0.0.1:2375"
	if cfg.DockerHost() != "tcp://10.0.0.1:2375" {
		t.Errorf("expected URL to pass through, got %q", cfg.DockerHost())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad runtime", func(c *Config) { c.Runtime.Kind = "podman" }, "runtime.kind"},
		{"no image", func(c *Config) { c.Runtime.Image = "" }, "runtime.image"},
		{"bad pattern", func(c *Config) { c.Auth.DeviceCodePattern = "([" }, "device_code_pattern"},
		{"zero idle", func(c *Config) { c.Sessions.IdleTimeout = 0 }, "idle_timeout"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateLocalNeedsNoImage(t *testing.T) {
	cfg := Default()
	cfg.Runtime.Kind = RuntimeLocal
	cfg.Runtime.Image = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("local runtime should not need an image: %v", err)
	}
}
