package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the opsmcp server configuration, read from a TOML file.
type Config struct {
	Listen          string   `toml:"listen"`
	ServerName      string   `toml:"server_name"`
	TriggerPhrase   string   `toml:"trigger_phrase"`
	ApprovalTimeout duration `toml:"approval_timeout"`
	SessionMaxAge   duration `toml:"session_max_age"`
	AuditDBPath     string   `toml:"audit_db_path"`
	APIKeys         []string `toml:"api_keys"`
	JWTSecretEnv    string   `toml:"jwt_secret_env"`
	LogLevel        string   `toml:"log_level"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func defaultServerConfig() *Config {
	return &Config{
		Listen:          ":8080",
		ServerName:      "opsmcp",
		TriggerPhrase:   "do it",
		ApprovalTimeout: duration{30 * time.Second},
		SessionMaxAge:   duration{24 * time.Hour},
		LogLevel:        "info",
	}
}

// loadConfig reads the TOML config at path. A missing file yields defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// jwtSecret resolves the JWT signing secret from the environment variable
// named in the config, so secrets never live in the config file itself.
func (c *Config) jwtSecret() []byte {
	if c.JWTSecretEnv == "" {
		return nil
	}
	if v := os.Getenv(c.JWTSecretEnv); v != "" {
		return []byte(v)
	}
	return nil
}
