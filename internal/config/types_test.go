package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.Upstream.URL = "http://origin:8000"
	return cfg
}

func TestMaxAgeDuration(t *testing.T) {
	cases := []struct {
		name    string
		maxAge  string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty means no expiry", maxAge: "", want: 0},
		{name: "seconds", maxAge: "45s", want: 45 * time.Second},
		{name: "compound", maxAge: "1h30m", want: 90 * time.Minute},
		{name: "negative rejected", maxAge: "-5s", wantErr: true},
		{name: "garbage rejected", maxAge: "soon", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := CacheConfig{MaxAge: tc.maxAge}.MaxAgeDuration()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, d)
		})
	}
}

func TestMaxSizeBytes(t *testing.T) {
	cases := []struct {
		name    string
		maxSize string
		want    int64
		wantErr bool
	}{
		{name: "empty means unbounded", maxSize: "", want: 0},
		{name: "megabytes", maxSize: "100mb", want: 100 * 1024 * 1024},
		{name: "gigabytes", maxSize: "1g", want: 1024 * 1024 * 1024},
		{name: "bare bytes", maxSize: "2048", want: 2048},
		{name: "garbage rejected", maxSize: "lots", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := CacheConfig{MaxSize: tc.maxSize}.MaxSizeBytes()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, n)
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with upstream pass", mutate: func(*Config) {}},
		{
			name:    "missing upstream",
			mutate:  func(c *Config) { c.Server.Upstream.URL = "" },
			wantErr: "upstream url required",
		},
		{
			name:    "relative upstream",
			mutate:  func(c *Config) { c.Server.Upstream.URL = "/just/a/path" },
			wantErr: "must be absolute",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Listen.Port = 70000 },
			wantErr: "out of range",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Server.Logging.Level = "verbose" },
			wantErr: "logging level",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Server.Logging.Format = "logfmt" },
			wantErr: "logging format",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Server.Cache.Backend = "etcd" },
			wantErr: "cache backend",
		},
		{
			name:    "valkey without address",
			mutate:  func(c *Config) { c.Server.Cache.Backend = "valkey" },
			wantErr: "requires an address",
		},
		{
			name: "valkey with address passes",
			mutate: func(c *Config) {
				c.Server.Cache.Backend = "valkey"
				c.Server.Cache.Valkey.Address = "localhost:6379"
			},
		},
		{
			name:    "bad maxAge surfaces",
			mutate:  func(c *Config) { c.Server.Cache.MaxAge = "whenever" },
			wantErr: "maxAge",
		},
		{
			name:    "bad maxSize surfaces",
			mutate:  func(c *Config) { c.Server.Cache.MaxSize = "plenty" },
			wantErr: "maxSize",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestUpstreamURL(t *testing.T) {
	cfg := validConfig()
	u, err := cfg.UpstreamURL()
	require.NoError(t, err)
	require.Equal(t, "origin:8000", u.Host)
	require.Equal(t, "http", u.Scheme)
}
