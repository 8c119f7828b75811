package gateway

import (
	"fmt"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

const (
	defaultListen            = "127.0.0.1:8700"
	defaultForwardedHeader   = "X-Forwarded-For"
	defaultRateLimitRequests = 120
	defaultRateLimitWindow   = time.Minute
	defaultShutdownTimeout   = 10 * time.Second
)

type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// HalfOpenRequests are let through while probing
	HalfOpenRequests uint32 `yaml:"half_open_requests"`
}

type Config struct {
	Listen string `yaml:"listen"`

	// Credentials. Empty values disable the matching method.
	SharedKey string `yaml:"shared_key"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`

	// TrustedProxies are the peers allowed to set ForwardedHeader
	TrustedProxies  []string `yaml:"trusted_proxies"`
	ForwardedHeader string   `yaml:"forwarded_header"`

	// UpstreamPort is the worker port on 127.0.0.1 used by the proxy
	UpstreamHost string        `yaml:"upstream_host"`
	UpstreamPort int           `yaml:"upstream_port"`
	Breaker      BreakerConfig `yaml:"breaker"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c Config) WithDefaults() Config {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.RateLimitRequests == 0 {
		c.RateLimitRequests = defaultRateLimitRequests
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = defaultRateLimitWindow
	}
	if c.ForwardedHeader == "" {
		c.ForwardedHeader = defaultForwardedHeader
	}
	if c.UpstreamHost == "" {
		c.UpstreamHost = "127.0.0.1"
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = 10 * time.Second
	}
	if c.Breaker.HalfOpenRequests == 0 {
		c.Breaker.HalfOpenRequests = 1
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return c
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.NewValidationError("gateway listen address is required", nil)
	}
	if c.SharedKey == "" && c.JWTSecret == "" {
		return errors.NewValidationError("gateway needs a shared key or a JWT secret", nil)
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return errors.NewValidationError("gateway JWT secret must be at least 32 bytes", nil)
	}
	if c.RateLimitRequests < 1 {
		return errors.NewValidationError("gateway rate limit must allow at least one request", nil)
	}
	if c.RateLimitWindow <= 0 {
		return errors.NewValidationError("gateway rate limit window must be positive", nil)
	}
	if c.UpstreamPort < 0 || c.UpstreamPort > 65535 {
		return errors.NewValidationError(fmt.Sprintf("invalid upstream port: %d", c.UpstreamPort), nil)
	}
	if _, err := ParseTrustedProxies(c.TrustedProxies); err != nil {
		return err
	}
	return nil
}
