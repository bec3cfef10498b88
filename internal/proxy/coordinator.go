package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nickpisacane/middleman/internal/cache"
	"github.com/nickpisacane/middleman/internal/metrics"
)

// httpDoer is the minimal client surface the coordinator forwards through.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// KeyFunc computes the cache key identifying the equivalence class of
// cacheable responses for a request.
type KeyFunc func(*http.Request) string

// BypassFunc inspects upstream response metadata and reports whether the
// response must not be cached.
type BypassFunc func(statusCode int, header http.Header) bool

// DefaultKey derives the cache key from method and path.
func DefaultKey(r *http.Request) string {
	return r.Method + ":" + r.URL.Path
}

// Options configures a Coordinator.
type Options struct {
	// Engine is the cache engine populated with captured responses.
	Engine *cache.Engine

	// Upstream is the backend every uncached request is forwarded to.
	Upstream *url.URL

	// Client performs upstream requests. Defaults to http.DefaultClient.
	Client httpDoer

	// Methods is the cache allow-list; requests with other methods are
	// forwarded without consulting the cache. Empty allows all methods.
	Methods []string

	// Key overrides the cache key function. Defaults to DefaultKey.
	Key KeyFunc

	// Bypass, when set, is evaluated on receipt of upstream response
	// headers; a true result discards the capture.
	Bypass BypassFunc

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Coordinator serves requests from the cache engine when it can and forwards
// the rest upstream, capturing cache-eligible response bodies as they stream
// to the client.
type Coordinator struct {
	engine   *cache.Engine
	upstream *url.URL
	client   httpDoer
	methods  map[string]struct{}
	key      KeyFunc
	bypass   BypassFunc
	logger   *slog.Logger
	metrics  *metrics.Recorder

	hookMu         sync.Mutex
	onRequest      []func(*http.Request)
	onProxyRequest []func(*http.Request)
	onCacheRequest []func(*http.Request)
	onError        []func(error)
}

// New validates opts and constructs a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Engine == nil {
		return nil, errors.New("proxy: cache engine required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("proxy: upstream url required")
	}

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	key := opts.Key
	if key == nil {
		key = DefaultKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var methods map[string]struct{}
	if len(opts.Methods) > 0 {
		methods = make(map[string]struct{}, len(opts.Methods))
		for _, m := range opts.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
	}

	return &Coordinator{
		engine:   opts.Engine,
		upstream: opts.Upstream,
		client:   client,
		methods:  methods,
		key:      key,
		bypass:   opts.Bypass,
		logger:   logger.With(slog.String("agent", "coordinator")),
		metrics:  opts.Metrics,
	}, nil
}

// OnRequest registers a listener fired for every inbound request.
func (c *Coordinator) OnRequest(fn func(*http.Request)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onRequest = append(c.onRequest, fn)
}

// OnProxyRequest registers a listener fired when a request is forwarded to
// the upstream backend.
func (c *Coordinator) OnProxyRequest(fn func(*http.Request)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onProxyRequest = append(c.onProxyRequest, fn)
}

// OnCacheRequest registers a listener fired when a request is served from
// cache.
func (c *Coordinator) OnCacheRequest(fn func(*http.Request)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onCacheRequest = append(c.onCacheRequest, fn)
}

// OnError registers a listener fired on any failure in the cache or proxy
// path.
func (c *Coordinator) OnError(fn func(error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onError = append(c.onError, fn)
}

func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	c.fire(c.snapshotRequestHooks(), r)

	if !c.methodAllowed(r.Method) {
		outcome := c.forward(w, r, "")
		c.metrics.ObserveProxy(r.Method, outcome, time.Since(start))
		return
	}

	key := c.key(r)
	// Stale and miss both go upstream, so the stale marker is not consulted.
	entry, _, err := c.engine.Get(r.Context(), key)
	if err != nil {
		// A failing cache is explicit, never a silent bypass to the
		// backend.
		c.fail(w, r, fmt.Errorf("proxy: cache get: %w", err))
		c.metrics.ObserveProxy(r.Method, metrics.ProxyOutcomeError, time.Since(start))
		return
	}

	if entry != nil {
		res, err := cache.DecodeResponse(entry.Value)
		if err != nil {
			c.fail(w, r, fmt.Errorf("proxy: %w", err))
			c.metrics.ObserveProxy(r.Method, metrics.ProxyOutcomeError, time.Since(start))
			return
		}
		c.fire(c.snapshotCacheHooks(), r)
		c.logger.Debug("serving from cache", slog.String("key", key))
		writeCached(w, res)
		c.metrics.ObserveProxy(r.Method, metrics.ProxyOutcomeHit, time.Since(start))
		return
	}

	outcome := c.forward(w, r, key)
	c.metrics.ObserveProxy(r.Method, outcome, time.Since(start))
}

// forward proxies r upstream, streaming the response to the client. When
// captureKey is non-empty the body is captured chunk by chunk and, unless
// the bypass predicate vetoes it, the finished response populates the cache
// out-of-band from the response path.
func (c *Coordinator) forward(w http.ResponseWriter, r *http.Request, captureKey string) string {
	c.fire(c.snapshotProxyHooks(), r)

	out, err := c.upstreamRequest(r)
	if err != nil {
		c.fail(w, r, fmt.Errorf("proxy: build upstream request: %w", err))
		return metrics.ProxyOutcomeError
	}

	resp, err := c.client.Do(out)
	if err != nil {
		c.fail(w, r, fmt.Errorf("proxy: upstream request: %w", err))
		return metrics.ProxyOutcomeError
	}
	defer resp.Body.Close()

	capturing := captureKey != ""
	bypassed := capturing && c.bypass != nil && c.bypass(resp.StatusCode, resp.Header)

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	var buf *CaptureBuffer
	if capturing && !bypassed {
		buf = NewCaptureBuffer()
	}
	if err := c.stream(w, resp.Body, buf); err != nil {
		if buf != nil {
			buf.Close()
		}
		c.emitError(fmt.Errorf("proxy: stream upstream response: %w", err))
		return metrics.ProxyOutcomeError
	}

	if !capturing {
		return metrics.ProxyOutcomeForward
	}
	if bypassed {
		c.logger.Debug("cache bypassed", slog.String("key", captureKey), slog.Int("status", resp.StatusCode))
		return metrics.ProxyOutcomeBypass
	}

	c.populate(r, captureKey, resp, buf)
	return metrics.ProxyOutcomeMiss
}

// stream copies body to the client chunk by chunk, teeing each chunk into
// buf when capturing. Chunks are flushed through so the capture never holds
// up the client.
func (c *Coordinator) stream(w http.ResponseWriter, body io.Reader, buf *CaptureBuffer) error {
	flusher, _ := w.(http.Flusher)
	chunk := make([]byte, 32*1024)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return fmt.Errorf("write to client: %w", werr)
			}
			if buf != nil {
				if _, berr := buf.Write(chunk[:n]); berr != nil {
					return berr
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// populate finalizes the capture into a cached response and hands it to the
// engine. The client already has its response, so failures here are
// reported, never retried, and never affect the delivered bytes.
func (c *Coordinator) populate(r *http.Request, key string, resp *http.Response, buf *CaptureBuffer) {
	body, err := buf.Bytes()
	buf.Close()
	if err != nil {
		c.emitError(fmt.Errorf("proxy: finalize capture for %q: %w", key, err))
		return
	}

	cached := cache.CachedResponse{
		StatusCode: resp.StatusCode,
		Headers:    cache.FlattenHeader(resp.Header),
		Body:       body,
	}
	raw, err := cache.EncodeResponse(cached)
	if err != nil {
		c.emitError(fmt.Errorf("proxy: encode response for %q: %w", key, err))
		return
	}

	// Population is out-of-band from the response path; the request context
	// may already be done once the client has its bytes.
	if _, err := c.engine.Set(context.WithoutCancel(r.Context()), key, raw); err != nil {
		c.emitError(fmt.Errorf("proxy: populate %q: %w", key, err))
	}
}

// upstreamRequest rebuilds r against the upstream target.
func (c *Coordinator) upstreamRequest(r *http.Request) (*http.Request, error) {
	target := *c.upstream
	target.Path = joinURLPath(c.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	return out, nil
}

func (c *Coordinator) methodAllowed(method string) bool {
	if c.methods == nil {
		return true
	}
	_, ok := c.methods[strings.ToUpper(method)]
	return ok
}

// fail terminates the current request with an error response and reports the
// failure.
func (c *Coordinator) fail(w http.ResponseWriter, r *http.Request, err error) {
	c.emitError(err)
	c.logger.Error("request failed", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (c *Coordinator) emitError(err error) {
	c.hookMu.Lock()
	fns := slices.Clone(c.onError)
	c.hookMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Coordinator) snapshotRequestHooks() []func(*http.Request) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return slices.Clone(c.onRequest)
}

func (c *Coordinator) snapshotProxyHooks() []func(*http.Request) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return slices.Clone(c.onProxyRequest)
}

func (c *Coordinator) snapshotCacheHooks() []func(*http.Request) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return slices.Clone(c.onCacheRequest)
}

func (c *Coordinator) fire(fns []func(*http.Request), r *http.Request) {
	for _, fn := range fns {
		fn(r)
	}
}

func writeCached(w http.ResponseWriter, res cache.CachedResponse) {
	for name, value := range res.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

func joinURLPath(base, req string) string {
	switch {
	case base == "" || base == "/":
		return req
	case strings.HasSuffix(base, "/") && strings.HasPrefix(req, "/"):
		return base + strings.TrimPrefix(req, "/")
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(req, "/"):
		return base + "/" + req
	default:
		return base + req
	}
}
