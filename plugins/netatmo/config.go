package netatmo

import (
	"fmt"
	"strings"
	"time"

	"github.com/joshp123/gonetatmo/internal/config"
)

const (
	defaultBaseURL         = "https://api.netatmo.net"
	defaultCredentialsFile = "login_data.json"
	defaultScale           = "max"
	defaultLimit           = 1

	tokenPath      = "/oauth2/token"
	deviceListPath = "/api/devicelist"
	measurePath    = "/api/getmeasure"
)

// Config defines runtime configuration for the Netatmo client.
type Config struct {
	BaseURL         string
	CredentialsFile string
	// DeviceID skips device resolution when set.
	DeviceID    string
	ModuleID    string
	Scope       string
	Types       []string
	HTTPTimeout time.Duration
	StatePath   string
	Retry       RetryPolicy
}

// RetryPolicy bounds the measurement retry loop.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func ConfigFrom(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("netatmo config is required")
	}
	if strings.TrimSpace(cfg.Netatmo.CredentialsFile) == "" {
		return Config{}, fmt.Errorf("netatmo credentials_file is required")
	}

	return Config{
		BaseURL:         cfg.Netatmo.BaseURL,
		CredentialsFile: cfg.Netatmo.CredentialsFile,
		DeviceID:        strings.TrimSpace(cfg.Netatmo.DeviceID),
		ModuleID:        strings.TrimSpace(cfg.Netatmo.ModuleID),
		Scope:           cfg.Netatmo.Scope,
		Types:           cfg.Netatmo.Types,
		HTTPTimeout:     cfg.Netatmo.HTTPTimeout,
		StatePath:       cfg.OAuth.StatePath,
		Retry: RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
	}, nil
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = defaultCredentialsFile
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		c.Retry.MaxDelay = 30 * time.Second
		if c.Retry.MaxDelay < c.Retry.InitialDelay {
			c.Retry.MaxDelay = c.Retry.InitialDelay
		}
	}
	return c
}
