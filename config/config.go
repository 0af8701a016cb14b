// Package config loads server configuration from a TOML file with
// environment variable expansion and TASKRPC_* overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `toml:"addr"`
	// BearerTokens holds the accepted bearer tokens. Empty means the
	// endpoint is open.
	BearerTokens []string `toml:"bearer_tokens"`
	// UploadDir receives files saved by the upload tool.
	UploadDir string `toml:"upload_dir"`
	// TaskTTL is how long terminal tasks stay queryable.
	TaskTTL Duration `toml:"task_ttl"`
	// SyncThreshold bounds how long an optional-task call may finish
	// synchronously.
	SyncThreshold Duration `toml:"sync_threshold"`
}

type SandboxConfig struct {
	// URL is the sandbox executor endpoint. Empty disables the
	// script-execution tool.
	URL string `toml:"url"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Duration parses TOML strings like "5m" or "50ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			UploadDir: "uploads",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from the given path, expanding ${VAR} references,
// then applies environment overrides. An empty path yields defaults
// plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnv lets TASKRPC_* variables override file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("TASKRPC_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TASKRPC_BEARER_TOKENS"); v != "" {
		c.Server.BearerTokens = splitTokens(v)
	}
	if v := os.Getenv("TASKRPC_UPLOAD_DIR"); v != "" {
		c.Server.UploadDir = v
	}
	if v := os.Getenv("TASKRPC_SANDBOX_URL"); v != "" {
		c.Sandbox.URL = v
	}
	if v := os.Getenv("TASKRPC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func splitTokens(s string) []string {
	var out []string
	for _, token := range strings.Split(s, ",") {
		if token = strings.TrimSpace(token); token != "" {
			out = append(out, token)
		}
	}
	return out
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Sandbox.URL != "" {
		u, err := url.Parse(c.Sandbox.URL)
		if err != nil {
			return fmt.Errorf("sandbox.url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("sandbox.url must use http or https scheme")
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// SlogLevel maps the configured level onto a slog level string form.
func (c *Config) SlogLevel() string {
	if c.Logging.Level == "" {
		return "info"
	}
	return strings.ToLower(c.Logging.Level)
}
