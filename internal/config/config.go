// Package config loads the tiller configuration: the registered projects
// plus tool timeouts and server settings.
//
// Precedence, highest first: environment variables (TILLER_*), the YAML
// config file, hardcoded defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// EnvConfigPath overrides the config file location when set.
const EnvConfigPath = "TILLER_CONFIG"

// Config is the full tiller configuration.
type Config struct {
	// Projects are the registered projects. An empty list is valid; most
	// commands will then fail with a not-found error naming the project.
	Projects []model.Project `koanf:"projects"`

	// Server configures the optional HTTP API.
	Server ServerConfig `koanf:"server"`

	// Timeouts bound every external tool invocation.
	Timeouts TimeoutConfig `koanf:"timeouts"`

	// LogLevel is the zap level for diagnostic output: debug, info, warn,
	// error. Defaults to warn so normal CLI output stays clean.
	LogLevel string `koanf:"log_level"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TimeoutConfig bounds external tool invocations. Zero values take the
// defaults below.
type TimeoutConfig struct {
	Git   time.Duration `koanf:"git"`
	Probe time.Duration `koanf:"probe"`
	Lint  time.Duration `koanf:"lint"`
}

const (
	defaultGitTimeout   = 30 * time.Second
	defaultProbeTimeout = 10 * time.Second
	defaultLintTimeout  = time.Minute
	defaultServerHost   = "127.0.0.1"
	defaultServerPort   = 7420
	defaultLogLevel     = "warn"
)

// DefaultPath returns the default config file location,
// ~/.config/tiller/config.yaml, honoring the TILLER_CONFIG override.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tiller", "config.yaml"), nil
}

// Load reads the configuration from the given path, overlaying TILLER_*
// environment variables onto it. An empty path means the default location.
// A missing file is not an error; the result is defaults plus environment.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if content, err := os.ReadFile(configPath); err == nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// TILLER_SERVER_PORT -> server.port, TILLER_LOG_LEVEL -> log_level.
	// Section names never contain underscores, field names may, so split
	// on the first underscore after the prefix.
	if err := k.Load(env.Provider("TILLER_", ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, "TILLER_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 || !isSection(parts[0]) {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	for i := range cfg.Projects {
		if err := cfg.Projects[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid project at index %d: %w", i, err)
		}
	}
	return &cfg, nil
}

func isSection(name string) bool {
	switch name {
	case "server", "timeouts":
		return true
	default:
		return false
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.Timeouts.Git == 0 {
		cfg.Timeouts.Git = defaultGitTimeout
	}
	if cfg.Timeouts.Probe == 0 {
		cfg.Timeouts.Probe = defaultProbeTimeout
	}
	if cfg.Timeouts.Lint == 0 {
		cfg.Timeouts.Lint = defaultLintTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
}
