// Package config loads the control plane's TOML configuration. Flags in
// main cover the operational basics (listen address, database path); the
// file carries secrets and tuning knobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	EnrollmentSecret string   `toml:"enrollment_secret"`
	InternalSecret   string   `toml:"internal_secret"`
	AllowedOrigins   []string `toml:"allowed_origins"`

	PresenceTTLSeconds     int `toml:"presence_ttl_seconds"`
	DurableThrottleSeconds int `toml:"durable_throttle_seconds"`
	HibernationIdleMinutes int `toml:"hibernation_idle_minutes"`
	CommandRetainMinutes   int `toml:"command_retain_minutes"`

	Cloudflare Cloudflare `toml:"cloudflare"`
	Ollama     Ollama     `toml:"ollama"`
	Alerts     Alerts     `toml:"alerts"`
}

type Cloudflare struct {
	APIToken string `toml:"api_token"`
	ZoneID   string `toml:"zone_id"`
	Domain   string `toml:"domain"`
}

type Ollama struct {
	URL   string `toml:"url"`
	Model string `toml:"model"`
}

type Alerts struct {
	WebhookURL string `toml:"webhook_url"`
}

// Load reads the config file and applies defaults. A missing file is an
// error; a missing path returns the bare defaults so the control plane
// can run without a file in development.
func Load(path string) (*Config, error) {
	conf := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, conf); err != nil {
			return nil, fmt.Errorf("decoding config file %s: %w", path, err)
		}
	}
	conf.applyDefaults()
	return conf, conf.validate()
}

func (c *Config) applyDefaults() {
	if c.EnrollmentSecret == "" {
		c.EnrollmentSecret = os.Getenv("VOYAGE_ENROLLMENT_SECRET")
	}
	if c.InternalSecret == "" {
		c.InternalSecret = os.Getenv("VOYAGE_INTERNAL_SECRET")
	}
	if c.PresenceTTLSeconds <= 0 {
		c.PresenceTTLSeconds = 60
	}
	if c.DurableThrottleSeconds <= 0 {
		c.DurableThrottleSeconds = 120
	}
	if c.HibernationIdleMinutes <= 0 {
		c.HibernationIdleMinutes = 30
	}
	if c.CommandRetainMinutes <= 0 {
		c.CommandRetainMinutes = 5
	}
	if c.Cloudflare.Domain == "" {
		c.Cloudflare.Domain = "voyagehost.net"
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = "qwen2.5-coder:32b"
	}
}

func (c *Config) validate() error {
	if c.EnrollmentSecret == "" {
		return errors.New("enrollment_secret is required")
	}
	if c.InternalSecret == "" {
		return errors.New("internal_secret is required")
	}
	return nil
}

func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

func (c *Config) DurableThrottle() time.Duration {
	return time.Duration(c.DurableThrottleSeconds) * time.Second
}

func (c *Config) HibernationIdle() time.Duration {
	return time.Duration(c.HibernationIdleMinutes) * time.Minute
}

func (c *Config) CommandRetain() time.Duration {
	return time.Duration(c.CommandRetainMinutes) * time.Minute
}
