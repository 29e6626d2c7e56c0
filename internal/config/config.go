// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - New builds a Config holding every default; Load layers file and env on top.
// - All future functions must accept context.Context as the first parameter.
// - External errors must be wrapped via this package's sentinel errors.
package config

import (
	"context"
	"time"
)

// Rate store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the record encoding: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// UpstreamTimeout bounds every outbound call (captcha and classification).
	UpstreamTimeout time.Duration `koanf:"upstream_timeout"`

	// MaxUploadBytes is the largest accepted image.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`

	RateLimit RateLimit `koanf:"ratelimit"`
	Captcha   Captcha   `koanf:"captcha"`
	INat      INat      `koanf:"inat"`
}

// RateLimit configures the per-client fixed window.
type RateLimit struct {
	// Limit is the number of admitted requests per window.
	Limit int `koanf:"limit"`
	// Window is the trailing span requests are counted in.
	Window time.Duration `koanf:"window"`
	// Backend is memory or redis.
	Backend string `koanf:"backend"`
	// MaxKeys bounds the memory store; <= 0 keeps every identifier.
	MaxKeys int `koanf:"max_keys"`
	// SweepInterval runs a periodic purge of idle identifiers; 0 disables.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisPrefix   string `koanf:"redis_prefix"`
}

// Captcha configures the Turnstile gate. An empty SecretKey disables it.
type Captcha struct {
	SecretKey string `koanf:"secret_key"`
	// SiteKey is only rendered into the upload page.
	SiteKey   string `koanf:"site_key"`
	VerifyURL string `koanf:"verify_url"`
}

// Enabled reports whether challenge verification is switched on.
func (c Captcha) Enabled() bool { return c.SecretKey != "" }

// INat configures the iNaturalist computer-vision client.
type INat struct {
	BaseURL  string `koanf:"base_url"`
	APIToken string `koanf:"api_token"`
	// MaxRPS caps outbound classification calls per second; 0 disables.
	MaxRPS float64 `koanf:"max_rps"`
}

// New creates a Config populated with defaults. Context is accepted first to
// satisfy the project-wide convention and is currently unused.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:        "info",
		LogFormat:       "text",
		Addr:            ":9080",
		UpstreamTimeout: 20 * time.Second,
		MaxUploadBytes:  8 * 1024 * 1024,
		RateLimit: RateLimit{
			Limit:       20,
			Window:      10 * time.Minute,
			Backend:     BackendMemory,
			MaxKeys:     100_000,
			RedisPrefix: "jamur:ratelimit",
		},
		Captcha: Captcha{
			VerifyURL: "https://challenges.cloudflare.com/turnstile/v0/siteverify",
		},
		INat: INat{
			BaseURL: "https://api.inaturalist.org/v1",
		},
	}
}
