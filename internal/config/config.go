// Package config loads and validates the gateway's runtime configuration.
// It accepts either a config.json or config.yaml file at the process working
// directory, overridable by AG2API_* environment variables, with an optional
// .env file loaded first.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the gateway's fully-resolved runtime configuration.
type Config struct {
	// Host is the bind address for the HTTP surface.
	Host string `json:"host" yaml:"host"`
	// Port is the bind port for the HTTP surface.
	Port int `json:"port" yaml:"port"`
	// APIKeys authenticate clients calling the public surfaces. Empty means no check.
	APIKeys StringList `json:"api_keys" yaml:"api-keys"`
	// ProxyEnabled turns on outbound proxying for upstream/OAuth calls.
	ProxyEnabled bool `json:"proxy_enabled" yaml:"proxy-enabled"`
	// ProxyURL is the outbound proxy (http://, https://, or socks5://).
	ProxyURL string `json:"proxy_url" yaml:"proxy-url"`
	// Debug enables verbose logging.
	Debug bool `json:"debug" yaml:"debug"`
	// RetryDelayMs is the fixed retry/rotate delay used by the orchestrator.
	RetryDelayMs int `json:"retry_delay_ms" yaml:"retry-delay-ms"`
	// QuotaRefreshS is the quota refresher's polling interval, in seconds.
	QuotaRefreshS int `json:"quota_refresh_s" yaml:"quota-refresh-s"`
	// AuthDir is where per-account credential files are persisted.
	AuthDir string `json:"auth_dir" yaml:"auth-dir"`
	// LogDir is where rotated log files are written.
	LogDir string `json:"log_dir" yaml:"log-dir"`
	// GoogleOAuthClientID overrides the built-in OAuth client id.
	GoogleOAuthClientID string `json:"-" yaml:"-"`
	// GoogleOAuthClientSecret overrides the built-in OAuth client secret.
	GoogleOAuthClientSecret string `json:"-" yaml:"-"`
}

// StringList unmarshals from either a comma-separated string or a JSON/YAML array.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler, accepting a string or an array.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var asArray []string
	if err := json.Unmarshal(data, &asArray); err == nil {
		*s = asArray
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return fmt.Errorf("api_keys must be a string or an array of strings: %w", err)
	}
	*s = splitCSV(asString)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting a string or a sequence.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	var asArray []string
	if err := value.Decode(&asArray); err == nil {
		*s = asArray
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("api-keys must be a string or a sequence of strings: %w", err)
	}
	*s = splitCSV(asString)
	return nil
}

func splitCSV(s string) StringList {
	parts := strings.Split(s, ",")
	out := make(StringList, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Default returns the configuration's baseline values before file/env overrides.
func Default() *Config {
	return &Config{
		Host:          "127.0.0.1",
		Port:          8317,
		RetryDelayMs:  1200,
		QuotaRefreshS: 300,
		AuthDir:       "./auths",
		LogDir:        "./log",
	}
}

// Load reads config.json or config.yaml from dir (if present), then applies
// AG2API_*/GOOGLE_OAUTH_* environment variable overrides, loading a .env file
// first (without clobbering variables already set in the process environment).
func Load(dir string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	cfg := Default()

	if data, err := os.ReadFile(filepath.Join(dir, "config.json")); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.json: %w", err)
		}
	} else if data, err := os.ReadFile(filepath.Join(dir, "config.yaml")); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AG2API_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("AG2API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("AG2API_API_KEYS"); v != "" {
		var asArray []string
		if err := json.Unmarshal([]byte(v), &asArray); err == nil {
			cfg.APIKeys = asArray
		} else {
			cfg.APIKeys = splitCSV(v)
		}
	}
	if v := os.Getenv("AG2API_PROXY_ENABLED"); v != "" {
		cfg.ProxyEnabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("AG2API_PROXY_URL"); v != "" {
		cfg.ProxyURL = v
	}
	if v := os.Getenv("AG2API_DEBUG"); v != "" {
		cfg.Debug, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("AG2API_RETRY_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.RetryDelayMs = ms
		}
	}
	if v := os.Getenv("AG2API_QUOTA_REFRESH_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.QuotaRefreshS = s
		}
	}
	cfg.GoogleOAuthClientID = os.Getenv("GOOGLE_OAUTH_CLIENT_ID")
	cfg.GoogleOAuthClientSecret = os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET")
}
