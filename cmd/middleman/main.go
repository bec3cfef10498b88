package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nickpisacane/middleman/internal/cache"
	"github.com/nickpisacane/middleman/internal/config"
	"github.com/nickpisacane/middleman/internal/logging"
	"github.com/nickpisacane/middleman/internal/metrics"
	"github.com/nickpisacane/middleman/internal/proxy"
	"github.com/nickpisacane/middleman/internal/server"
	"github.com/nickpisacane/middleman/internal/store"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "MIDDLEMAN", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	backing, err := buildStore(cfg.Server.Cache)
	if err != nil {
		log.Fatalf("failed to build cache store: %v", err)
	}
	defer func() {
		if closer, ok := backing.(store.Closer); ok {
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := closer.Close(closeCtx); err != nil {
				logger.Error("store shutdown failed", slog.Any("error", err))
			}
		}
	}()

	maxAge, err := cfg.Server.Cache.MaxAgeDuration()
	if err != nil {
		log.Fatalf("invalid cache max age: %v", err)
	}
	maxSize, err := cfg.Server.Cache.MaxSizeBytes()
	if err != nil {
		log.Fatalf("invalid cache max size: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	engine, err := cache.New(cache.Options{
		MaxAge:              maxAge,
		MaxSize:             maxSize,
		DisableSizeEviction: !cfg.Server.Cache.SizeEviction,
		Store:               backing,
		Logger:              logger.With(slog.String("agent", "cache_engine")),
		Metrics:             recorder,
	})
	if err != nil {
		log.Fatalf("failed to build cache engine: %v", err)
	}
	engine.OnDelete(func(key string) {
		logger.Info("cache entry evicted", slog.String("key", key))
	})
	engine.OnError(func(err error) {
		logger.Error("cache store error", slog.Any("error", err))
	})

	upstream, err := cfg.UpstreamURL()
	if err != nil {
		log.Fatalf("invalid upstream url: %v", err)
	}

	client := &http.Client{}
	if cfg.Server.Upstream.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.Server.Upstream.TimeoutSeconds) * time.Second
	}

	coordinator, err := proxy.New(proxy.Options{
		Engine:   engine,
		Upstream: upstream,
		Client:   client,
		Methods:  cfg.Server.Proxy.Methods,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		log.Fatalf("failed to build proxy coordinator: %v", err)
	}
	coordinator.OnError(func(err error) {
		logger.Error("proxy error", slog.Any("error", err))
	})

	handler := server.NewRouter(coordinator, recorder.Handler(), engine)
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	logger.Info("middleman starting",
		slog.String("upstream", cfg.Server.Upstream.URL),
		slog.String("cache_backend", backendName(cfg.Server.Cache)),
		slog.String("max_age", maxAge.String()),
		slog.Int64("max_size_bytes", maxSize),
	)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
	}
}

func buildStore(cfg config.CacheConfig) (store.Store, error) {
	switch backendName(cfg) {
	case "valkey":
		return store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
	default:
		return store.NewMemory(), nil
	}
}

func backendName(cfg config.CacheConfig) string {
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if name == "" {
		return "memory"
	}
	return name
}
