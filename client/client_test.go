package client_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/okvist/muxclient/client"
	"github.com/okvist/muxclient/engine"
	"github.com/okvist/muxclient/engine/enginetest"
	"github.com/okvist/muxclient/errdef"
)

func mustBuild(t *testing.T, eng engine.Engine, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.Build(eng, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return c
}

func mustRequest(t *testing.T, c *client.Client, method, url string, opts ...client.RequestOption) *client.Response {
	t.Helper()
	r, err := c.Request(t.Context(), method, url, opts...)
	if err != nil {
		t.Fatalf("Request %s %s: %v", method, url, err)
	}
	return r
}

func TestBuildRejectsNilEngine(t *testing.T) {
	if _, err := client.Build(nil); errdef.CodeOf(err) != errdef.CodeConfig {
		t.Fatalf("got %v, want config error", err)
	}
}

func TestBuildRejectsBadOption(t *testing.T) {
	_, err := client.Build(enginetest.New(), client.WithThrottle(0, 0))
	if errdef.CodeOf(err) != errdef.CodeConfig {
		t.Fatalf("got %v, want config error", err)
	}
}

func TestRequestValidation(t *testing.T) {
	c := mustBuild(t, enginetest.New())

	tests := []struct {
		name   string
		method string
		url    string
		opts   []client.RequestOption
	}{
		{name: "lowercase method", method: "get", url: "https://a.example/"},
		{name: "empty method", method: "", url: "https://a.example/"},
		{name: "not a url", method: "GET", url: "::bad::"},
		{name: "unsupported scheme", method: "GET", url: "ftp://a.example/"},
		{name: "redirects below -1", method: "GET", url: "https://a.example/",
			opts: []client.RequestOption{client.WithMaxRedirects(-2)}},
		{name: "colon in auth user", method: "GET", url: "https://a.example/",
			opts: []client.RequestOption{client.WithBasicAuth("user:name", "pw")}},
		{name: "newline in header", method: "GET", url: "https://a.example/",
			opts: []client.RequestOption{client.WithHeader("X-Test", "a\r\nb")}},
		{name: "double body", method: "POST", url: "https://a.example/",
			opts: []client.RequestOption{
				client.WithBody([]byte("a")),
				client.WithBodyReader(bytes.NewReader([]byte("b"))),
			}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Request(t.Context(), tt.method, tt.url, tt.opts...)
			if errdef.CodeOf(err) != errdef.CodeConfig {
				t.Fatalf("got %v, want config error", err)
			}
		})
	}
}

func TestRequestTransportRejection(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	eng.AddErr = errors.New("engine refused")
	if _, err := c.Request(t.Context(), "GET", "https://a.example/"); errdef.CodeOf(err) != errdef.CodeTransport {
		t.Fatalf("got %v, want transport error", err)
	}
}

func TestRequestWaitCompletes(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	r := mustRequest(t, c, "GET", "https://a.example/x")
	if r.Done() {
		t.Fatal("fresh response should not be done")
	}

	eng.Complete(1, nil)
	if err := r.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !r.Done() || r.Err() != nil {
		t.Errorf("Done=%v Err=%v, want done without error", r.Done(), r.Err())
	}
	if r.URL() != "https://a.example/x" {
		t.Errorf("URL = %q", r.URL())
	}
}

func TestRequestWaitSurfacesTransferError(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	r := mustRequest(t, c, "GET", "https://a.example/x")
	eng.Complete(1, errors.New("connection reset"))

	err := r.Wait(t.Context())
	if errdef.CodeOf(err) != errdef.CodeTransfer {
		t.Fatalf("got %v, want transfer error", err)
	}
}

func TestConfigTranslation(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng,
		client.WithProxy("http://proxy.internal:3128"),
		client.WithNoProxy("localhost,.corp"),
		client.WithVerbose(),
	)

	mustRequest(t, c, "PUT", "https://a.example/x",
		client.WithHeader("X-First", "1"),
		client.WithBasicAuth("alice", "secret"),
		client.WithBody([]byte("payload")),
		client.WithMaxRedirects(3),
		client.WithMaxDuration(5*time.Second),
		client.WithTLS(engine.TLSConfig{PinnedPublicKey: "sha256//abc"}),
	)

	cfg := eng.Configs[0]
	wantHeaders := []string{
		"X-First: 1",
		"Authorization: Basic YWxpY2U6c2VjcmV0",
	}
	if diff := cmp.Diff(wantHeaders, cfg.HeaderLines); diff != "" {
		t.Errorf("header lines mismatch (-want +got):\n%s", diff)
	}
	if cfg.Method != "PUT" || cfg.URL != "https://a.example/x" {
		t.Errorf("method/url = %q %q", cfg.Method, cfg.URL)
	}
	if cfg.Proxy != "http://proxy.internal:3128" || cfg.NoProxy != "localhost,.corp" {
		t.Errorf("proxy = %q noProxy = %q", cfg.Proxy, cfg.NoProxy)
	}
	if !cfg.Verbose || cfg.MaxRedirects != 3 || cfg.MaxDuration != 5*time.Second {
		t.Errorf("verbose=%v redirects=%d duration=%v", cfg.Verbose, cfg.MaxRedirects, cfg.MaxDuration)
	}
	if cfg.TLS.PinnedPublicKey != "sha256//abc" {
		t.Errorf("tls = %+v", cfg.TLS)
	}
	if cfg.UploadSize != int64(len("payload")) {
		t.Errorf("upload size = %d", cfg.UploadSize)
	}
	if cfg.OnRedirect == nil {
		t.Error("redirect policy not installed")
	}

	chunk, err := cfg.ReadBody(32)
	if err != nil || string(chunk) != "payload" {
		t.Errorf("ReadBody = %q, %v", chunk, err)
	}
}

func TestProxyOverridePerRequest(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng, client.WithProxy("http://proxy.internal:3128"))

	mustRequest(t, c, "GET", "https://a.example/x",
		client.WithProxyOverride("http://other.internal:8080"))
	mustRequest(t, c, "GET", "https://a.example/y")

	if got := eng.Configs[0].Proxy; got != "http://other.internal:8080" {
		t.Errorf("override request proxy = %q", got)
	}
	if got := eng.Configs[1].Proxy; got != "http://proxy.internal:3128" {
		t.Errorf("plain request proxy = %q", got)
	}
}

func TestRedirectsDisabledSkipsPolicy(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	mustRequest(t, c, "GET", "https://a.example/x", client.WithMaxRedirects(0))
	if eng.Configs[0].OnRedirect != nil {
		t.Error("redirect policy installed despite redirects disabled")
	}
}

func TestStreamingBodyHasUnknownSize(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	mustRequest(t, c, "POST", "https://a.example/upload",
		client.WithBodyReader(bytes.NewReader([]byte("streamed"))))

	cfg := eng.Configs[0]
	if cfg.UploadSize != -1 {
		t.Errorf("upload size = %d, want -1", cfg.UploadSize)
	}
	chunk, err := cfg.ReadBody(3)
	if err != nil || string(chunk) != "str" {
		t.Errorf("ReadBody = %q, %v", chunk, err)
	}
}

func TestResolveDirectivesApplied(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng, client.WithResolve("A.example", "1.2.3.4"))

	mustRequest(t, c, "GET", "https://a.example/x")

	want := []string{"a.example:443:1.2.3.4"}
	if diff := cmp.Diff(want, eng.Configs[0].ResolveDirectives); diff != "" {
		t.Errorf("directives mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveOverrideEvictsBeforeReapply(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng, client.WithResolve("a.example", "1.2.3.4"))

	r := mustRequest(t, c, "GET", "https://a.example/x")
	eng.Complete(1, nil)
	if err := r.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mustRequest(t, c, "GET", "https://a.example/y",
		client.WithResolveOverride("a.example", "5.6.7.8"))

	want := []string{"-a.example:443", "a.example:443:5.6.7.8"}
	if diff := cmp.Diff(want, eng.Configs[1].ResolveDirectives); diff != "" {
		t.Errorf("directives mismatch (-want +got):\n%s", diff)
	}
	if eng.Resets != 0 {
		t.Errorf("Resets = %d, engine supports live eviction", eng.Resets)
	}
}

func TestResolveEvictionRecyclesDegradedEngine(t *testing.T) {
	eng := enginetest.New()
	eng.Caps.LiveOverrideEviction = false
	c := mustBuild(t, eng, client.WithResolve("a.example", "1.2.3.4"))

	r := mustRequest(t, c, "GET", "https://a.example/x")
	eng.Complete(1, nil)
	if err := r.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mustRequest(t, c, "GET", "https://a.example/y",
		client.WithResolveOverride("a.example", "5.6.7.8"))

	if eng.Resets != 1 {
		t.Errorf("Resets = %d, want recreation before reapplying the override", eng.Resets)
	}
	want := []string{"-a.example:443", "a.example:443:5.6.7.8"}
	if diff := cmp.Diff(want, eng.Configs[1].ResolveDirectives); diff != "" {
		t.Errorf("directives mismatch (-want +got):\n%s", diff)
	}
}

func pushLines(extra ...string) []string {
	lines := []string{
		":method: GET",
		":scheme: https",
		":authority: a.example",
		":path: /pushed",
	}
	return append(lines, extra...)
}

// pumpPush issues a parent request, queues a push against it, and drives
// the engine until the parent completes so the push reaches the cache.
func pumpPush(t *testing.T, c *client.Client, eng *enginetest.Engine, lines []string) *enginetest.Transfer {
	t.Helper()

	parent := mustRequest(t, c, "GET", "https://a.example/")
	pushed := eng.Push(1, lines, "https://a.example/")
	eng.Complete(1, nil)
	if err := parent.Wait(t.Context()); err != nil {
		t.Fatalf("Wait parent: %v", err)
	}
	return pushed
}

func TestPushServedFromCache(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	pushed := pumpPush(t, c, eng, pushLines())
	adds := len(eng.Configs)

	r := mustRequest(t, c, "GET", "https://a.example/pushed")
	if !r.FromPush() {
		t.Fatal("response should come from the push cache")
	}
	if len(eng.Configs) != adds {
		t.Errorf("fresh transfer issued for a cached push: %d adds", len(eng.Configs)-adds)
	}
	if len(eng.Rebinds) != 1 {
		t.Fatalf("Rebinds = %d, want 1", len(eng.Rebinds))
	}

	eng.Complete(pushed.ID(), nil)
	if err := r.Wait(t.Context()); err != nil {
		t.Fatalf("Wait pushed: %v", err)
	}
}

func TestPushMismatchedCredentialsMisses(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	pushed := pumpPush(t, c, eng, pushLines())
	adds := len(eng.Configs)

	r := mustRequest(t, c, "GET", "https://a.example/pushed",
		client.WithBasicAuth("alice", "secret"))
	if r.FromPush() {
		t.Fatal("credentialed request must not claim an anonymous push")
	}
	if len(eng.Configs) != adds+1 {
		t.Errorf("adds = %d, want a fresh transfer", len(eng.Configs)-adds)
	}
	if !pushed.Removed {
		t.Error("mismatched push must be released from the engine")
	}
}

func TestPushWithMatchingCredentialsClaimed(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	pumpPush(t, c, eng, pushLines("authorization: Basic YWxpY2U6c2VjcmV0"))

	r := mustRequest(t, c, "GET", "https://a.example/pushed",
		client.WithBasicAuth("alice", "secret"))
	if !r.FromPush() {
		t.Fatal("matching credentials should claim the push")
	}
}

func TestPushRebindFailureFallsBackToFreshTransfer(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	pushed := pumpPush(t, c, eng, pushLines())
	eng.RebindErr = errors.New("engine cannot rebind")

	r := mustRequest(t, c, "GET", "https://a.example/pushed")
	if r.FromPush() {
		t.Fatal("failed rebind must not be reported as a push hit")
	}
	if !pushed.Removed {
		t.Error("unusable push must be released from the engine")
	}
}

func TestPushDisabledByZeroCapacity(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng, client.WithMaxPendingPushes(0))

	pushed := pumpPush(t, c, eng, pushLines())
	if !pushed.Removed {
		t.Error("push must be discarded when the cache is disabled")
	}
}

func TestStreamYieldsInCompletionOrder(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	r1 := mustRequest(t, c, "GET", "https://a.example/1")
	r2 := mustRequest(t, c, "GET", "https://a.example/2")

	eng.Complete(2, nil)
	eng.Complete(1, nil)

	var urls []string
	for r := range c.Stream([]*client.Response{r1, r2}, time.Second) {
		urls = append(urls, r.URL())
	}

	want := []string{"https://a.example/2", "https://a.example/1"}
	if diff := cmp.Diff(want, urls); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseReleasesUnclaimedPushes(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)

	pushed := pumpPush(t, c, eng, pushLines())

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !pushed.Removed {
		t.Error("unclaimed push must be released at close")
	}
	if !eng.Closed {
		t.Error("engine must be closed")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRequestAfterCloseRejected(t *testing.T) {
	eng := enginetest.New()
	c := mustBuild(t, eng)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := c.Request(t.Context(), "GET", "https://a.example/"); errdef.CodeOf(err) != errdef.CodeConfig {
		t.Fatalf("got %v, want config error", err)
	}
}
