package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithUpstreamFromEnv(t *testing.T) {
	t.Setenv("MIDDLEMAN_SERVER__UPSTREAM__URL", "http://backend.internal:9000")

	cfg, err := NewLoader("MIDDLEMAN").Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.Equal(t, "memory", cfg.Server.Cache.Backend)
	require.True(t, cfg.Server.Cache.SizeEviction)
	require.Equal(t, "http://backend.internal:9000", cfg.Server.Upstream.URL)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfigFile(t, "middleman.yaml", `
server:
  listen:
    port: 9090
  upstream:
    url: http://origin:8000
  cache:
    maxAge: 30s
    maxSize: 100mb
    backend: memory
`)

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Listen.Port)
	require.Equal(t, "http://origin:8000", cfg.Server.Upstream.URL)

	maxAge, err := cfg.Server.Cache.MaxAgeDuration()
	require.NoError(t, err)
	require.Equal(t, "30s", maxAge.String())

	maxSize, err := cfg.Server.Cache.MaxSizeBytes()
	require.NoError(t, err)
	require.Equal(t, int64(100*1024*1024), maxSize)
}

func TestLoadJSONFile(t *testing.T) {
	path := writeConfigFile(t, "middleman.json", `{
  "server": {
    "upstream": {"url": "http://origin:8000"},
    "cache": {"sizeEviction": false}
  }
}`)

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "http://origin:8000", cfg.Server.Upstream.URL)
	require.False(t, cfg.Server.Cache.SizeEviction)
}

func TestLoadTOMLFile(t *testing.T) {
	path := writeConfigFile(t, "middleman.toml", `
[server.upstream]
url = "http://origin:8000"

[server.proxy]
methods = ["GET", "HEAD"]
`)

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"GET", "HEAD"}, cfg.Server.Proxy.Methods)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "middleman.yaml", `
server:
  upstream:
    url: http://origin:8000
  cache:
    maxSize: 10mb
`)
	t.Setenv("MIDDLEMAN_SERVER__CACHE__MAXSIZE", "1gb")

	cfg, err := NewLoader("MIDDLEMAN", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1gb", cfg.Server.Cache.MaxSize)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := NewLoader("", filepath.Join(t.TempDir(), "nope.yaml")).Load(context.Background())
	require.Error(t, err)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeConfigFile(t, "middleman.ini", "server=1")
	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfigFile(t, "middleman.yaml", `
server:
  upstream:
    url: http://origin:8000
  cache:
    backend: etcd
`)
	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
}
