// Package push implements the HTTP/2 server-push acceptance policy and the
// bounded cache of pushed responses awaiting a matching request.
//
// A push is only admitted when the pushing server is authoritative for the
// pushed authority, and a cached push is only served to a request whose
// authentication context matches the one the push was accepted under. Both
// rules close cross-credential response smuggling; rejections are policy
// decisions, not errors.
package push

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/okvist/muxclient/engine"
	"github.com/okvist/muxclient/metrics"
)

// trackedHeaders are compared value-for-value, absence included, between
// the push and any request that tries to claim it. Repeated lines count:
// a header carried twice never matches one carried once. Range is tracked
// with a fixed absent value: range pushes are rejected outright.
var trackedHeaders = [4]string{"authorization", "cookie", "x-requested-with", "range"}

// Promise is a pushed response the client exclusively owns until a request
// claims it or the client is destroyed.
type Promise struct {
	Transfer engine.Transfer
	URL      string

	auth [4][]string
}

// Cache holds pending pushes keyed by exact reconstructed URL. Capacity
// bounded; insertion order is not significant. Single logical owner.
type Cache struct {
	max      int
	logger   *slog.Logger
	promises map[string]*Promise
}

func NewCache(maxPending int, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		max:      maxPending,
		logger:   logger,
		promises: make(map[string]*Promise),
	}
}

// Offer runs the admission policy for one push event. It returns whether
// the pushed transfer was kept; on false the engine discards it.
func (c *Cache) Offer(p engine.Push) bool {
	if c.max <= 0 {
		return c.deny("disabled", "rejecting pushed response: push handling is disabled")
	}

	h := parseHeaderLines(p.HeaderLines)

	method, okMethod := first(h, ":method")
	scheme, okScheme := first(h, ":scheme")
	authority, okAuthority := first(h, ":authority")
	path, okPath := first(h, ":path")

	if !okMethod || !okScheme || !okAuthority || !okPath {
		return c.deny("pseudo-headers", "rejecting pushed response: missing essential headers")
	}
	if method != "GET" {
		return c.deny("method", "rejecting pushed response: method is not GET")
	}
	if _, hasRange := h["range"]; hasRange {
		return c.deny("range", "rejecting pushed response: carries a range header")
	}
	if len(c.promises) >= c.max {
		return c.deny("capacity", "rejecting pushed response: push queue is full")
	}

	origin := scheme + "://" + authority
	if !strings.HasPrefix(p.EffectiveURL, origin+"/") {
		return c.deny("authority", "rejecting pushed response: server is not authoritative for "+origin)
	}

	url := origin + path
	c.promises[url] = &Promise{
		Transfer: p.Transfer,
		URL:      url,
		auth:     authVector(h),
	}

	c.logger.Debug("accepting pushed response", "url", url)
	metrics.PushAccepted.Inc()
	return true
}

// Claim looks up and removes the promise for a fully composed request URL.
// ok is true only when the request is a bodyless GET whose tracked headers
// match the push exactly. When a promise is returned with ok=false the
// caller must dispose of its transfer; the request proceeds fresh.
func (c *Cache) Claim(url, method string, hasBody bool, headerLines []string) (p *Promise, ok bool) {
	p, found := c.promises[url]
	if !found {
		return nil, false
	}
	delete(c.promises, url)

	if method != "GET" || hasBody || !sameAuth(p.auth, authVector(parseHeaderLines(headerLines))) {
		c.logger.Debug("unused pushed response", "url", url)
		metrics.PushMismatched.Inc()
		return p, false
	}

	c.logger.Debug("connecting request to pushed response", "url", url)
	metrics.PushClaimed.Inc()
	return p, true
}

// Len reports how many pushes are pending.
func (c *Cache) Len() int { return len(c.promises) }

// Drain empties the cache and returns the evicted promises so the caller
// can release their transfers. Used at client teardown.
func (c *Cache) Drain() []*Promise {
	out := make([]*Promise, 0, len(c.promises))
	for _, p := range c.promises {
		out = append(out, p)
	}
	c.promises = make(map[string]*Promise)
	return out
}

func (c *Cache) deny(reason, msg string) bool {
	c.logger.Debug(msg)
	metrics.PushRejected.WithLabelValues(reason).Inc()
	return false
}

// authVector captures every value of each tracked header in line order,
// nil marking absence. The range slot stays nil for accepted pushes since
// range pushes are denied.
func authVector(h map[string][]string) [4][]string {
	var v [4][]string
	for i, name := range trackedHeaders {
		v[i] = h[name]
	}
	return v
}

// sameAuth compares the full value sequence of each tracked header; two
// absent headers match, an absent header never matches a present one, and
// a repeated header only matches the same values in the same order.
func sameAuth(a, b [4][]string) bool {
	for i := range a {
		if !slices.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// parseHeaderLines builds a map of all values per name from "name: value"
// lines, names lowercased, values in line order. Pseudo-header names keep
// their leading colon; the value separator is searched past it.
func parseHeaderLines(lines []string) map[string][]string {
	h := make(map[string][]string, len(lines))
	for _, line := range lines {
		if len(line) < 2 {
			continue
		}
		i := strings.Index(line[1:], ":")
		if i < 0 {
			continue
		}
		i++
		name := strings.ToLower(strings.TrimSpace(line[:i]))
		h[name] = append(h[name], strings.TrimSpace(line[i+1:]))
	}
	return h
}

// first returns the first value recorded for name.
func first(h map[string][]string, name string) (string, bool) {
	v, ok := h[name]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}
