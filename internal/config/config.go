// Package config loads server settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mobide/internal/authsignal"
)

const (
	RuntimeDocker = "docker"
	RuntimeLocal  = "local"
)

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

type WorkspacesConfig struct {
	Root string `yaml:"root"`
}

type RuntimeConfig struct {
	// Kind is "docker" or "local".
	Kind  string   `yaml:"kind"`
	Image string   `yaml:"image"`
	Pull  bool     `yaml:"pull"`
	User  string   `yaml:"user"`
	Shell []string `yaml:"shell"`
	// DockerSocket is a unix socket path; empty means use DOCKER_HOST or
	// the engine default.
	DockerSocket string `yaml:"docker_socket"`
}

type SessionsConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	ScrollbackBytes int           `yaml:"scrollback_bytes"`
	WatchFiles      bool          `yaml:"watch_files"`
}

type AuthConfig struct {
	DeviceCodePattern string `yaml:"device_code_pattern"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
		},
		Workspaces: WorkspacesConfig{
			Root: "/workspaces",
		},
		Runtime: RuntimeConfig{
			Kind:  RuntimeDocker,
			Image: "mobide-cli",
			User:  "mobide",
			Shell: []string{"/bin/bash"},
		},
		Sessions: SessionsConfig{
			IdleTimeout:     30 * time.Minute,
			SweepInterval:   time.Minute,
			ScrollbackBytes: 64 * 1024,
			WatchFiles:      true,
		},
		Auth: AuthConfig{
			DeviceCodePattern: authsignal.DefaultCodePattern,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty) and then the environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				return v
			}
		}
		return ""
	}

	if v := getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = n
	}
	if v := getenv("STATIC_DIR"); v != "" {
		c.Server.StaticDir = v
	}
	if v := first("WORKSPACES_ROOT", "DATA_DIR", "STORAGE_PATH"); v != "" {
		c.Workspaces.Root = v
	}
	if v := getenv("MOBIDE_RUNTIME"); v != "" {
		c.Runtime.Kind = v
	}
	if v := getenv("CLI_IMAGE"); v != "" {
		c.Runtime.Image = v
	}
	if v := getenv("CLI_IMAGE_PULL"); v != "" {
		c.Runtime.Pull = strings.EqualFold(v, "true") || v == "1"
	}
	if v := getenv("CLI_USER"); v != "" {
		c.Runtime.User = v
	}
	if v := getenv("CLI_SHELL"); v != "" {
		c.Runtime.Shell = strings.Fields(v)
	}
	if v := first("DOCKER_SOCKET_PATH", "DOCKER_SOCKET"); v != "" {
		c.Runtime.DockerSocket = v
	}
	if v := getenv("IDLE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("IDLE_TIMEOUT_MS: %w", err)
		}
		if ms > 0 {
			c.Sessions.IdleTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := getenv("DEVICE_CODE_REGEX"); v != "" {
		c.Auth.DeviceCodePattern = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	return nil
}

// DockerHost returns the engine address for the configured socket, or ""
// to let the client pick it up from the environment.
func (c *Config) DockerHost() string {
	s := c.Runtime.DockerSocket
	if s == "" || strings.Contains(s, "://") {
		return s
	}
	return "unix://" + s
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Workspaces.Root == "" {
		errs = append(errs, errors.New("workspaces.root is required"))
	}

	switch c.Runtime.Kind {
	case RuntimeDocker:
		if c.Runtime.Image == "" {
			errs = append(errs, errors.New("runtime.image is required for the docker runtime"))
		}
	case RuntimeLocal:
	default:
		errs = append(errs, fmt.Errorf("runtime.kind must be %q or %q, got %q", RuntimeDocker, RuntimeLocal, c.Runtime.Kind))
	}
	if len(c.Runtime.Shell) == 0 {
		errs = append(errs, errors.New("runtime.shell is required"))
	}

	if c.Sessions.IdleTimeout <= 0 {
		errs = append(errs, errors.New("sessions.idle_timeout must be positive"))
	}
	if c.Sessions.SweepInterval <= 0 {
		errs = append(errs, errors.New("sessions.sweep_interval must be positive"))
	}
	if c.Sessions.ScrollbackBytes < 0 {
		errs = append(errs, errors.New("sessions.scrollback_bytes must not be negative"))
	}

	if _, err := authsignal.New(c.Auth.DeviceCodePattern); err != nil {
		errs = append(errs, fmt.Errorf("auth.device_code_pattern: %w", err))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
