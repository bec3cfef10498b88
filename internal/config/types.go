package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Config holds every server-level option for the caching proxy.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs: listener, logging, upstream
// target, proxy behavior, and the cache engine settings.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Proxy    ProxyConfig    `koanf:"proxy"`
	Cache    CacheConfig    `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// UpstreamConfig names the backend every uncached request is forwarded to.
type UpstreamConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// ProxyConfig scopes which requests are cache-eligible.
type ProxyConfig struct {
	// Methods is the cache allow-list. Empty allows every method.
	Methods []string `koanf:"methods"`
}

// CacheConfig configures the cache engine and its store backend.
type CacheConfig struct {
	// MaxAge is a Go duration string; empty or "0s" means entries never
	// expire.
	MaxAge string `koanf:"maxAge"`
	// MaxSize is a human-readable byte size ("100mb"); empty means
	// unbounded.
	MaxSize string `koanf:"maxSize"`
	// SizeEviction enables the byte-budgeted LRU policy.
	SizeEviction bool `koanf:"sizeEviction"`
	// Backend selects the store implementation: memory or valkey.
	Backend string       `koanf:"backend"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig carries connection settings for the valkey backend.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

// ValkeyTLSConfig controls TLS for the valkey connection.
type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// DefaultConfig returns the baseline every load starts from.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:   ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging:  LoggingConfig{Level: "info", Format: "json"},
			Upstream: UpstreamConfig{TimeoutSeconds: 30},
			Cache: CacheConfig{
				SizeEviction: true,
				Backend:      "memory",
			},
		},
	}
}

// MaxAgeDuration parses the configured maximum entry age.
func (c CacheConfig) MaxAgeDuration() (time.Duration, error) {
	if strings.TrimSpace(c.MaxAge) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("config: cache maxAge %q: %w", c.MaxAge, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: cache maxAge %q is negative", c.MaxAge)
	}
	return d, nil
}

// MaxSizeBytes parses the configured byte budget from its human-readable
// form.
func (c CacheConfig) MaxSizeBytes() (int64, error) {
	if strings.TrimSpace(c.MaxSize) == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("config: cache maxSize %q: %w", c.MaxSize, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: cache maxSize %q is negative", c.MaxSize)
	}
	return n, nil
}

// Validate rejects configurations the runtime cannot act on.
func (c Config) Validate() error {
	srv := c.Server
	if srv.Listen.Port <= 0 || srv.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", srv.Listen.Port)
	}

	switch strings.ToLower(srv.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging level %q unsupported", srv.Logging.Level)
	}
	switch strings.ToLower(srv.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: logging format %q unsupported", srv.Logging.Format)
	}

	if strings.TrimSpace(srv.Upstream.URL) == "" {
		return errors.New("config: upstream url required")
	}
	parsed, err := url.Parse(srv.Upstream.URL)
	if err != nil {
		return fmt.Errorf("config: upstream url: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("config: upstream url %q must be absolute", srv.Upstream.URL)
	}
	if srv.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("config: upstream timeout %d is negative", srv.Upstream.TimeoutSeconds)
	}

	switch strings.ToLower(srv.Cache.Backend) {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(srv.Cache.Valkey.Address) == "" {
			return errors.New("config: valkey backend requires an address")
		}
	default:
		return fmt.Errorf("config: cache backend %q unsupported", srv.Cache.Backend)
	}

	if _, err := srv.Cache.MaxAgeDuration(); err != nil {
		return err
	}
	if _, err := srv.Cache.MaxSizeBytes(); err != nil {
		return err
	}
	return nil
}

// UpstreamURL returns the parsed upstream target. Validate must have
// accepted the config first.
func (c Config) UpstreamURL() (*url.URL, error) {
	return url.Parse(c.Server.Upstream.URL)
}
