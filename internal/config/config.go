package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	DefaultPath    = "/etc/netatmo/config.yaml"
	DefaultBaseURL = "https://api.netatmo.net"
	EnvConfigPath  = "NETATMO_CONFIG"
)

// Config is the process configuration. Every field can be overridden from the
// environment.
type Config struct {
	Netatmo NetatmoConfig `yaml:"netatmo"`
	Retry   RetryConfig   `yaml:"retry"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

type NetatmoConfig struct {
	BaseURL         string        `yaml:"base_url" env:"NETATMO_BASE_URL" env-default:"https://api.netatmo.net"`
	CredentialsFile string        `yaml:"credentials_file" env:"NETATMO_CREDENTIALS_FILE" env-default:"login_data.json"`
	DeviceID        string        `yaml:"device_id" env:"NETATMO_DEVICE_ID"`
	ModuleID        string        `yaml:"module_id" env:"NETATMO_MODULE_ID"`
	Scope           string        `yaml:"scope" env:"NETATMO_SCOPE" env-default:"read_station"`
	Types           []string      `yaml:"types" env:"NETATMO_TYPES" env-separator:"," env-default:"Temperature"`
	HTTPTimeout     time.Duration `yaml:"http_timeout" env:"NETATMO_HTTP_TIMEOUT" env-default:"15s"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"NETATMO_RETRY_MAX_ATTEMPTS" env-default:"5"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"NETATMO_RETRY_INITIAL_DELAY" env-default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"NETATMO_RETRY_MAX_DELAY" env-default:"30s"`
}

// OAuthConfig controls where refresh state is persisted. Blob settings are
// optional; when BlobEndpoint is empty no mirror is used. Without key files the
// mirror reads AWS_* or MINIO_* credentials from the environment.
type OAuthConfig struct {
	StatePath         string `yaml:"state_path" env:"NETATMO_STATE_PATH"`
	BlobEndpoint      string `yaml:"blob_endpoint" env:"NETATMO_BLOB_ENDPOINT"`
	BlobBucket        string `yaml:"blob_bucket" env:"NETATMO_BLOB_BUCKET"`
	BlobPrefix        string `yaml:"blob_prefix" env:"NETATMO_BLOB_PREFIX" env-default:"netatmo/oauth"`
	BlobRegion        string `yaml:"blob_region" env:"NETATMO_BLOB_REGION"`
	BlobAccessKeyFile string `yaml:"blob_access_key_file" env:"NETATMO_BLOB_ACCESS_KEY_FILE"`
	BlobSecretKeyFile string `yaml:"blob_secret_key_file" env:"NETATMO_BLOB_SECRET_KEY_FILE"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"NETATMO_HTTP_ADDR" env-default:"0.0.0.0:9110"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"NETATMO_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"NETATMO_LOG_FORMAT" env-default:"text"`
}

// Load reads the YAML config at path, applies environment overrides and
// defaults, and validates. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read env config: %w", err)
		}
	} else {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath picks the config file: explicit flag, then NETATMO_CONFIG, then
// DefaultPath if it exists. An empty result means environment-only config.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if value := os.Getenv(EnvConfigPath); value != "" {
		return value
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Validate enforces required invariants beyond struct tags.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Netatmo.BaseURL) == "" {
		return fmt.Errorf("netatmo.base_url is required")
	}
	if strings.TrimSpace(cfg.Netatmo.CredentialsFile) == "" {
		return fmt.Errorf("netatmo.credentials_file is required")
	}
	if cfg.Netatmo.HTTPTimeout <= 0 {
		return fmt.Errorf("netatmo.http_timeout must be positive")
	}
	if len(cfg.Netatmo.Types) == 0 {
		return fmt.Errorf("netatmo.types must list at least one measurement type")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if cfg.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry.initial_delay must be positive")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.initial_delay")
	}

	if cfg.OAuth.StatePath != "" && !filepath.IsAbs(cfg.OAuth.StatePath) {
		return fmt.Errorf("oauth.state_path must be absolute")
	}
	if cfg.OAuth.BlobEndpoint != "" {
		if cfg.OAuth.BlobBucket == "" {
			return fmt.Errorf("oauth.blob_bucket is required")
		}
		if (cfg.OAuth.BlobAccessKeyFile == "") != (cfg.OAuth.BlobSecretKeyFile == "") {
			return fmt.Errorf("oauth.blob_access_key_file and oauth.blob_secret_key_file must be set together")
		}
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	return nil
}

// BlobEnabled reports whether refresh state should be mirrored to object storage.
func (c OAuthConfig) BlobEnabled() bool {
	return strings.TrimSpace(c.BlobEndpoint) != ""
}
