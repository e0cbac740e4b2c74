package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/okvist/muxclient/engine"
	"github.com/okvist/muxclient/stream"
	"github.com/okvist/muxclient/throttle"
)

// Option is a functional option for configuring a [Client] via [Build].
type Option func(*options) error

type options struct {
	logger           *slog.Logger
	tracer           trace.Tracer
	throttle         *throttle.Config
	maxPendingPushes *int
	proxy            string
	noProxy          *string
	resolve          map[string]string
	verbose          bool
}

// WithLogger injects a custom [slog.Logger] into the [Client].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithTracer sets the tracer used for per-submission spans. A no-op tracer
// is used unless provided.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = tracer
		return nil
	}
}

// WithThrottle enables token-bucket rate limiting of request submission
// with the given requests per second and burst capacity.
func WithThrottle(rps, burst int) Option {
	return func(o *options) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, throttle.ErrMustNotBeZero)
		}
		o.throttle = &throttle.Config{RPS: rps, Burst: burst}
		return nil
	}
}

// WithMaxPendingPushes bounds the HTTP/2 push cache. Zero disables push
// handling entirely.
func WithMaxPendingPushes(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return errors.New("max pending pushes must not be negative")
		}
		o.maxPendingPushes = &n
		return nil
	}
}

// WithProxy routes all transfers through the given proxy URL.
func WithProxy(rawURL string) Option {
	return func(o *options) error {
		if _, err := url.Parse(rawURL); err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		o.proxy = rawURL
		return nil
	}
}

// WithNoProxy sets the comma-separated proxy bypass list. When unset, the
// list is read once from the NO_PROXY environment variable at [Build],
// never per request.
func WithNoProxy(list string) Option {
	return func(o *options) error {
		o.noProxy = &list
		return nil
	}
}

// WithResolve forces host to resolve to ip for every request of this
// client. An empty ip forcibly unsets a previous override.
func WithResolve(host, ip string) Option {
	return func(o *options) error {
		if host == "" {
			return errors.New("resolve host must not be empty")
		}
		if o.resolve == nil {
			o.resolve = make(map[string]string)
		}
		o.resolve[strings.ToLower(host)] = ip
		return nil
	}
}

// WithVerbose enables per-transfer engine diagnostics.
func WithVerbose() Option {
	return func(o *options) error {
		o.verbose = true
		return nil
	}
}

// RequestOption is a functional option for [Client.Request].
type RequestOption func(*requestOpts) error

type requestOpts struct {
	headers      []string
	body         []byte
	bodySet      bool
	bodyProducer stream.Producer
	maxRedirects int
	maxDuration  time.Duration
	tls          engine.TLSConfig
	resolve      map[string]string
	proxy        *string
}

func (r *requestOpts) hasBody() bool {
	return r.bodySet || r.bodyProducer != nil
}

// WithHeader appends one header line to the outgoing request. Order is
// preserved across options.
func WithHeader(name, value string) RequestOption {
	return func(o *requestOpts) error {
		if name == "" {
			return errors.New("header name must not be empty")
		}
		if strings.ContainsAny(name, "\r\n:") || strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("header %q contains invalid characters", name)
		}
		o.headers = append(o.headers, name+": "+value)
		return nil
	}
}

// WithBody sets a literal request body.
func WithBody(body []byte) RequestOption {
	return func(o *requestOpts) error {
		if o.hasBody() {
			return errors.New("request body already set")
		}
		o.body = body
		o.bodySet = true
		return nil
	}
}

// WithBodyReader streams the request body from r. The total size is
// unknown to the engine.
func WithBodyReader(r io.Reader) RequestOption {
	return func(o *requestOpts) error {
		if r == nil {
			return errors.New("body reader must not be nil")
		}
		if o.hasBody() {
			return errors.New("request body already set")
		}
		o.bodyProducer = stream.FromReader(r)
		return nil
	}
}

// WithBodyProducer sets a pull-based body producer. The producer may
// return more or fewer bytes than requested per pull; an empty chunk
// signals end of body.
func WithBodyProducer(p stream.Producer) RequestOption {
	return func(o *requestOpts) error {
		if p == nil {
			return errors.New("body producer must not be nil")
		}
		if o.hasBody() {
			return errors.New("request body already set")
		}
		o.bodyProducer = p
		return nil
	}
}

// WithBasicAuth adds an Authorization header with the given credentials.
// The user must not contain a colon; it cannot be encoded otherwise.
func WithBasicAuth(user, pass string) RequestOption {
	return func(o *requestOpts) error {
		if strings.Contains(user, ":") {
			return fmt.Errorf("invalid auth user %q: must not contain a colon", user)
		}
		if strings.ContainsAny(user+pass, "\r\n") {
			return errors.New("auth credentials contain invalid characters")
		}
		o.headers = append(o.headers, "Authorization: Basic "+basicToken(user, pass))
		return nil
	}
}

// WithMaxRedirects bounds how many hops the engine may follow. Zero stops
// redirect following; -1 means unlimited.
func WithMaxRedirects(n int) RequestOption {
	return func(o *requestOpts) error {
		o.maxRedirects = n
		return nil
	}
}

// WithMaxDuration bounds the total transfer time.
func WithMaxDuration(d time.Duration) RequestOption {
	return func(o *requestOpts) error {
		o.maxDuration = d
		return nil
	}
}

// WithTLS sets the transfer's TLS verification and pinning options.
func WithTLS(cfg engine.TLSConfig) RequestOption {
	return func(o *requestOpts) error {
		o.tls = cfg
		return nil
	}
}

// WithResolveOverride forces host to resolve to ip for this request and
// every later request of the client; caller-supplied overrides win over
// cached ones.
func WithResolveOverride(host, ip string) RequestOption {
	return func(o *requestOpts) error {
		if host == "" {
			return errors.New("resolve host must not be empty")
		}
		if o.resolve == nil {
			o.resolve = make(map[string]string)
		}
		o.resolve[strings.ToLower(host)] = ip
		return nil
	}
}

// WithProxyOverride routes this request through the given proxy instead of
// the client-wide one.
func WithProxyOverride(rawURL string) RequestOption {
	return func(o *requestOpts) error {
		if _, err := url.Parse(rawURL); err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		o.proxy = &rawURL
		return nil
	}
}
