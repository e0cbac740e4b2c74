// Package client drives many concurrent HTTP transfers over one shared
// transport engine, layering the policies a raw engine does not provide:
// HTTP/2 push acceptance and matching, host-resolution override eviction,
// and cross-host redirect credential stripping.
//
// One goroutine owns a Client; no internal locking is provided. Cross-
// goroutine use requires external synchronization.
package client

import (
	"context"
	"encoding/base64"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/okvist/muxclient/engine"
	"github.com/okvist/muxclient/errdef"
	"github.com/okvist/muxclient/push"
	"github.com/okvist/muxclient/redirect"
	"github.com/okvist/muxclient/resolve"
	"github.com/okvist/muxclient/stream"
	"github.com/okvist/muxclient/throttle"
	"github.com/okvist/muxclient/transfer"
)

const (
	// defaultMaxRedirects matches the engine-independent default most
	// clients ship with.
	defaultMaxRedirects = 20

	// defaultMaxPendingPushes bounds the push cache unless overridden.
	defaultMaxPendingPushes = 50
)

// Client is the facade over one engine: it translates request
// configurations into engine settings, consults the push cache, and
// registers fresh transfers with the multiplexer.
type Client struct {
	eng    engine.Engine
	mux    *transfer.Multiplexer
	dns    *resolve.Cache
	pushes *push.Cache
	gate   *throttle.Gate
	logger *slog.Logger
	tracer trace.Tracer

	proxy   string
	noProxy string
	verbose bool
	closed  bool
}

// Build creates a Client owning eng. The engine must not be shared with
// another client.
func Build(eng engine.Engine, optFns ...Option) (*Client, error) {
	if eng == nil {
		return nil, errdef.New(errdef.CodeConfig, "engine must not be nil")
	}

	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, errdef.Wrap(errdef.CodeConfig, err, "applying client option")
		}
	}

	c := &Client{
		eng:    eng,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("no-op tracer"),
	}

	if opts.logger != nil {
		c.logger = opts.logger
	}
	if opts.tracer != nil {
		c.tracer = opts.tracer
	}

	c.mux = transfer.New(eng, c.logger)
	c.dns = resolve.NewCache()
	for _, host := range slices.Sorted(mapKeys(opts.resolve)) {
		c.dns.Set(host, opts.resolve[host])
	}

	maxPushes := defaultMaxPendingPushes
	if opts.maxPendingPushes != nil {
		maxPushes = *opts.maxPendingPushes
	}
	c.pushes = push.NewCache(maxPushes, c.logger)
	if maxPushes > 0 && c.mux.Capabilities().HTTP2 {
		eng.SetPushHandler(c.pushes.Offer)
	}

	c.proxy = opts.proxy
	if opts.noProxy != nil {
		c.noProxy = *opts.noProxy
	} else if v := os.Getenv("no_proxy"); v != "" {
		c.noProxy = v
	} else {
		c.noProxy = os.Getenv("NO_PROXY")
	}
	c.verbose = opts.verbose

	if opts.throttle != nil {
		gate, err := throttle.New(opts.throttle.RPS, opts.throttle.Burst, func() *slog.Logger { return c.logger })
		if err != nil {
			return nil, errdef.Wrap(errdef.CodeConfig, err, "configuring throttle")
		}
		c.gate = gate
	}

	return c, nil
}

// submission carries the validated shape of one request.
type submission struct {
	Method       string        `json:"method" validate:"required,uppercase"`
	URL          string        `json:"url" validate:"required,url"`
	MaxRedirects int           `json:"max_redirects" validate:"gte=-1"`
	MaxDuration  time.Duration `json:"max_duration" validate:"gte=0"`
}

// Request validates and submits one request without blocking on network
// activity, returning a Response the multiplexer will later complete. A
// request matching a cached push is served from the push cache instead of
// hitting the wire.
func (c *Client) Request(ctx context.Context, method, rawURL string, optFns ...RequestOption) (*Response, error) {
	if c.closed {
		return nil, errdef.New(errdef.CodeConfig, "client is closed")
	}

	opts := requestOpts{maxRedirects: defaultMaxRedirects}
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, errdef.Wrap(errdef.CodeConfig, err, "applying request option")
		}
	}

	sub := submission{
		Method:       method,
		URL:          rawURL,
		MaxRedirects: opts.maxRedirects,
		MaxDuration:  opts.maxDuration,
	}
	if err := validateSubmission(sub); err != nil {
		return nil, errdef.Wrap(errdef.CodeConfig, err, "invalid request")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeConfig, err, "parse url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errdef.New(errdef.CodeConfig, "unsupported scheme %q", u.Scheme)
	}

	ctx, span := c.tracer.Start(ctx, "muxclient.request", trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.full", u.String()),
	))
	defer span.End()

	if err := c.gate.Wait(ctx); err != nil {
		return nil, err
	}

	cfg, err := c.transferConfig(u, method, &opts)
	if err != nil {
		return nil, err
	}

	if promise, ok := c.pushes.Claim(cfg.URL, method, opts.hasBody(), cfg.HeaderLines); promise != nil {
		if ok {
			h, err := c.mux.Adopt(promise.Transfer, cfg)
			if err == nil {
				return c.newResponse(h, cfg.URL, true), nil
			}
			c.logger.Warn("failed to re-bind pushed response, issuing fresh request", "url", cfg.URL, "error", err)
		}
		if err := c.eng.Remove(promise.Transfer); err != nil {
			c.logger.Error("failed to release unused pushed transfer", "url", cfg.URL, "error", err)
		}
	}

	h, err := c.mux.Submit(cfg)
	if err != nil {
		return nil, err
	}

	return c.newResponse(h, cfg.URL, false), nil
}

// Stream lazily yields responses as their transfers complete, in engine
// completion order, pumping until at least one of them finishes or timeout
// elapses. Like the multiplexer's drain, it may be called repeatedly.
func (c *Client) Stream(responses []*Response, timeout time.Duration) iter.Seq[*Response] {
	return func(yield func(*Response) bool) {
		byHandle := make(map[*transfer.Handle]*Response, len(responses))
		watch := make([]*transfer.Handle, 0, len(responses))
		for _, r := range responses {
			byHandle[r.handle] = r
			watch = append(watch, r.handle)
		}

		for h := range c.mux.Drain(watch, timeout) {
			if r, ok := byHandle[h]; ok {
				if !yield(r) {
					return
				}
			}
		}
	}
}

// Close tears the client down: push handling is disabled, unclaimed pushed
// transfers are released, in-flight work is drained to quiescence, and the
// engine is closed. Idempotent.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.eng.SetPushHandler(nil)
	for _, p := range c.pushes.Drain() {
		if err := c.eng.Remove(p.Transfer); err != nil {
			c.logger.Error("failed to release pushed transfer at close", "url", p.URL, "error", err)
		}
	}

	return c.mux.Teardown()
}

// transferConfig translates one validated request into engine settings,
// consulting the resolution cache and installing the per-request redirect
// policy and body adapter.
func (c *Client) transferConfig(u *url.URL, method string, opts *requestOpts) (engine.TransferConfig, error) {
	headerLines := slices.Clone(opts.headers)

	cfg := engine.TransferConfig{
		Method:       method,
		URL:          u.String(),
		HeaderLines:  headerLines,
		UploadSize:   -1,
		Proxy:        c.proxy,
		NoProxy:      c.noProxy,
		TLS:          opts.tls,
		MaxRedirects: opts.maxRedirects,
		MaxDuration:  opts.maxDuration,
		Verbose:      c.verbose,
	}
	if opts.proxy != nil {
		cfg.Proxy = *opts.proxy
	}

	switch {
	case opts.bodySet:
		cfg.ReadBody = stream.New(stream.FromBytes(opts.body)).Read
		cfg.UploadSize = int64(len(opts.body))
	case opts.bodyProducer != nil:
		cfg.ReadBody = stream.New(opts.bodyProducer).Read
	}

	if opts.maxRedirects != 0 {
		policy := redirect.New(u, headerLines)
		cfg.OnRedirect = policy.Resolve
	}

	for _, host := range slices.Sorted(mapKeys(opts.resolve)) {
		c.dns.Set(host, opts.resolve[host])
	}
	if c.dns.Len() > 0 || c.dns.PendingEvictions() {
		if c.dns.PendingEvictions() && !c.mux.Capabilities().LiveOverrideEviction {
			// Degraded path: this engine cannot evict overrides live, so
			// the whole multiplex context is drained and recreated before
			// the new directive set is applied.
			if err := c.mux.Recycle(); err != nil {
				return engine.TransferConfig{}, err
			}
		}
		cfg.ResolveDirectives = c.dns.Directives(portOf(u), nil)
	}

	return cfg, nil
}

func basicToken(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "http" {
		return 80
	}
	return 443
}

func mapKeys(m map[string]string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for k := range m {
			if !yield(k) {
				return
			}
		}
	}
}
