package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/gavv/httpexpect/v2"

	"github.com/nickpisacane/middleman/internal/cache"
	"github.com/nickpisacane/middleman/internal/metrics"
	"github.com/nickpisacane/middleman/internal/proxy"
	"github.com/nickpisacane/middleman/internal/store"
)

// TestEndToEndCachingProxy exercises the full stack: router, coordinator,
// cache engine, and memory store behind a real listener.
func TestEndToEndCachingProxy(t *testing.T) {
	var backendHits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := backendHits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Backend-Hit", fmt.Sprintf("%d", n))
		_, _ = w.Write([]byte("payload for " + r.URL.Path))
	}))
	defer backend.Close()

	upstream, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatalf("parse backend url: %v", err)
	}

	rec := metrics.NewRecorder(nil)
	engine, err := cache.New(cache.Options{
		Store:   store.NewMemory(),
		Logger:  newTestLogger(),
		Metrics: rec,
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	coordinator, err := proxy.New(proxy.Options{
		Engine:   engine,
		Upstream: upstream,
		Methods:  []string{"GET"},
		Logger:   newTestLogger(),
		Metrics:  rec,
	})
	if err != nil {
		t.Fatalf("build coordinator: %v", err)
	}

	ts := httptest.NewServer(NewRouter(coordinator, rec.Handler(), engine))
	defer ts.Close()

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  ts.URL,
		Reporter: httpexpect.NewRequireReporter(t),
	})

	first := expect.GET("/articles/42").Expect()
	first.Status(http.StatusOK)
	first.Header("X-Backend-Hit").IsEqual("1")
	first.Body().IsEqual("payload for /articles/42")

	second := expect.GET("/articles/42").Expect()
	second.Status(http.StatusOK)
	second.Header("X-Backend-Hit").IsEqual("1")
	second.Body().IsEqual("payload for /articles/42")

	if got := backendHits.Load(); got != 1 {
		t.Fatalf("expected a single backend hit, got %d", got)
	}

	expect.GET("/articles/7").Expect().
		Status(http.StatusOK).
		Body().IsEqual("payload for /articles/7")
	if got := backendHits.Load(); got != 2 {
		t.Fatalf("expected distinct paths to reach the backend, got %d hits", got)
	}

	health := expect.GET("/healthz").Expect()
	health.Status(http.StatusOK)
	health.JSON().Object().HasValue("status", "ok")
	health.JSON().Object().Value("cacheEntries").Number().IsEqual(2)

	metricsBody := expect.GET("/metrics").Expect()
	metricsBody.Status(http.StatusOK)
	metricsBody.Body().Contains("middleman_proxy_requests_total")
	metricsBody.Body().Contains("middleman_cache_store_operations_total")
}
