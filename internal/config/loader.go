package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "JAMUR_"

// Environment names used by earlier deployments of the service. They are read
// only when the matching JAMUR_ key leaves the value empty.
const (
	legacyTurnstileSecret = "TURNSTILE_SECRET_KEY"
	legacyTurnstileSite   = "TURNSTILE_SITE_KEY"
	legacyINatBaseURL     = "INAT_BASE_URL"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New(ctx))
//  2. file (YAML) if JAMUR_CONFIG is set
//  3. env (prefix JAMUR_, "__" separates nested keys)
func Load(ctx context.Context) (*Config, error) {
	base := New(ctx)

	k := koanf.New(".")

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// JAMUR_RATELIMIT__LIMIT -> ratelimit.limit, JAMUR_LOG_LEVEL -> log_level.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	applyLegacyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyLegacyEnv(cfg *Config) {
	if cfg.Captcha.SecretKey == "" {
		cfg.Captcha.SecretKey = os.Getenv(legacyTurnstileSecret)
	}
	if cfg.Captcha.SiteKey == "" {
		cfg.Captcha.SiteKey = os.Getenv(legacyTurnstileSite)
	}
	if v := os.Getenv(legacyINatBaseURL); v != "" && os.Getenv(envPrefix+"INAT__BASE_URL") == "" {
		cfg.INat.BaseURL = v
	}
}

// Validate reports the first configuration value that cannot be served.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.UpstreamTimeout <= 0:
		return fmt.Errorf("%w: upstream_timeout must be positive", ErrInvalidConfig)
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("%w: max_upload_bytes must be positive", ErrInvalidConfig)
	case c.RateLimit.Limit <= 0:
		return fmt.Errorf("%w: ratelimit.limit must be positive", ErrInvalidConfig)
	case c.RateLimit.Window <= 0:
		return fmt.Errorf("%w: ratelimit.window must be positive", ErrInvalidConfig)
	case c.RateLimit.SweepInterval < 0:
		return fmt.Errorf("%w: ratelimit.sweep_interval must not be negative", ErrInvalidConfig)
	case strings.TrimSpace(c.INat.BaseURL) == "":
		return fmt.Errorf("%w: inat.base_url must not be empty", ErrInvalidConfig)
	case c.INat.MaxRPS < 0:
		return fmt.Errorf("%w: inat.max_rps must not be negative", ErrInvalidConfig)
	}

	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RateLimit.RedisAddr) == "" {
			return fmt.Errorf("%w: ratelimit.redis_addr is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %w %q", ErrInvalidConfig, ErrUnknownBackend, c.RateLimit.Backend)
	}

	if c.Captcha.Enabled() && strings.TrimSpace(c.Captcha.VerifyURL) == "" {
		return fmt.Errorf("%w: captcha.verify_url must not be empty when captcha is enabled", ErrInvalidConfig)
	}
	return nil
}
