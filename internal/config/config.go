// Package config loads task-mcp's configuration from a TOML file layered
// under environment variables, which always win.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the task-mcp server.
// Precedence: environment variables > config file > defaults.
type Config struct {
	Repository RepositoryConfig `toml:"repository"`
	Server     ServerConfig     `toml:"server"`
	Transport  TransportConfig  `toml:"transport"`
	Log        LogConfig        `toml:"log"`
	Audit      AuditConfig      `toml:"audit"`
	Security   SecurityConfig   `toml:"security"`
	Scavenger  ScavengerConfig  `toml:"scavenger"`
}

// RepositoryConfig locates the repository task-mcp operates on.
type RepositoryConfig struct {
	WorkingDirectory string `toml:"working_directory"` // repo root containing openspec/
	TestCommand      string `toml:"test_command"`       // e.g. "npm test -- --json"
}

// ServerConfig holds MCP server metadata.
type ServerConfig struct {
	Name            string `toml:"name"`
	Version         string `toml:"version"`
	MaxInFlight     int    `toml:"max_in_flight"`      // stdio transport cap (default 16)
	HTTPMaxInFlight int    `toml:"http_max_in_flight"` // HTTP transport cap (default 100), distinct from the stdio cap
}

// TransportConfig holds transport-related settings.
type TransportConfig struct {
	// Mode selects the transport: "stdio" (default) or "http".
	Mode string `toml:"mode"`
	// Port is the HTTP listen port (default: 8765). Only used when Mode is "http".
	Port string `toml:"port"`
	// Host is the HTTP listen address (default: "0.0.0.0"). Only used when Mode is "http".
	Host string `toml:"host"`
	// CORSOrigins is a comma-separated list of allowed CORS origins (default: "*").
	CORSOrigins string `toml:"cors_origins"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	Path  string `toml:"path"`  // rotated log file path; empty logs to stderr
}

// AuditConfig controls the rotated audit trail (internal/audit).
type AuditConfig struct {
	Enabled    bool   `toml:"enabled"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// SecurityConfig controls HTTP-transport admission (internal/security).
type SecurityConfig struct {
	Tokens       []string `toml:"tokens"`
	AdminTokens  []string `toml:"admin_tokens"` // gates GET /security/metrics separately from /mcp
	RateLimitRPS int      `toml:"rate_limit_rps"`
	RateLimitMax int      `toml:"rate_limit_burst"`
}

// ScavengerConfig controls the periodic stale-lock sweep.
type ScavengerConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalMinutes int  `toml:"interval_minutes"`
}

// Load creates a Config by reading from a TOML config file and environment
// variables. Precedence: environment variables > config file > defaults.
//
// Config file search order (first found wins):
//  1. Path passed via configPath parameter (from --config flag)
//  2. TASKMCP_CONFIG environment variable
//  3. ./taskmcp.toml (current directory)
//  4. ~/.config/taskmcp/taskmcp.toml (XDG-style)
//
// All fields are optional in the config file. Environment variables always
// override file values.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Repository: RepositoryConfig{
			WorkingDirectory: ".",
		},
		Server: ServerConfig{
			Name:            "taskmcp",
			Version:         "0.1.0",
			MaxInFlight:     16,
			HTTPMaxInFlight: 100,
		},
		Transport: TransportConfig{
			Mode:        "stdio",
			Port:        "8765",
			Host:        "0.0.0.0",
			CORSOrigins: "*",
		},
		Log: LogConfig{
			Level: "info",
		},
		Audit: AuditConfig{
			Enabled:    true,
			Path:       "taskmcp-audit.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Security: SecurityConfig{
			RateLimitRPS: 10,
			RateLimitMax: 20,
		},
		Scavenger: ScavengerConfig{
			Enabled:         true,
			IntervalMinutes: 10,
		},
	}

	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile finds and parses the TOML config file. If no file is found,
// this is a no-op (config file is optional).
func (c *Config) loadFile(configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return nil // no config file found; rely on defaults + env
	}

	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	return nil
}

// resolveConfigPath determines which config file to use. Returns empty string
// if no config file is found (config file is optional).
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit // caller wants this file; let DecodeFile report if missing
	}

	if p := os.Getenv("TASKMCP_CONFIG"); p != "" {
		return p
	}

	if _, err := os.Stat("taskmcp.toml"); err == nil {
		return "taskmcp.toml"
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := home + "/.config/taskmcp/taskmcp.toml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// applyEnv overlays environment variables on top of existing config values.
// An env var only takes effect if it is non-empty.
func (c *Config) applyEnv() {
	envOverride("TASKMCP_WORKING_DIRECTORY", &c.Repository.WorkingDirectory)
	envOverride("TASKMCP_TEST_COMMAND", &c.Repository.TestCommand)

	envOverride("TASKMCP_TRANSPORT", &c.Transport.Mode)
	envOverride("TASKMCP_PORT", &c.Transport.Port)
	envOverride("TASKMCP_HOST", &c.Transport.Host)
	envOverride("TASKMCP_CORS_ORIGINS", &c.Transport.CORSOrigins)

	envOverride("TASKMCP_LOG_LEVEL", &c.Log.Level)
	envOverride("TASKMCP_LOG_PATH", &c.Log.Path)

	if v := os.Getenv("TASKMCP_TOKENS"); v != "" {
		c.Security.Tokens = strings.Split(v, ",")
	}

	if v := os.Getenv("TASKMCP_ADMIN_TOKENS"); v != "" {
		c.Security.AdminTokens = strings.Split(v, ",")
	}

	if v := os.Getenv("TASKMCP_MAX_IN_FLIGHT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Server.MaxInFlight = n
		}
	}

	if v := os.Getenv("TASKMCP_HTTP_MAX_IN_FLIGHT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Server.HTTPMaxInFlight = n
		}
	}

	if v := os.Getenv("TASKMCP_SCAVENGER_ENABLED"); v != "" {
		c.Scavenger.Enabled = v == "true" || v == "1"
	}
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid transport mode: %q (must be \"stdio\" or \"http\")", c.Transport.Mode)
	}

	if c.Repository.WorkingDirectory == "" {
		return fmt.Errorf("repository.working_directory must not be empty")
	}

	return nil
}

// envOverride sets *dst to the value of the named env var, if it is non-empty.
func envOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
