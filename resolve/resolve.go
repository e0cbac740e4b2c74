// Package resolve keeps the per-client host-resolution override cache.
//
// Callers configure overrides by host only, while the engine scopes its
// resolution-override directives by host and port. The cache translates one
// scope into the other and guarantees that a stale override is actively
// evicted before a new one lands on the same host:port.
package resolve

import (
	"sort"
	"strconv"
	"strings"
)

// Cache tracks forced hostname->address overrides. An empty address means
// "no override" for a host that was previously overridden. Not safe for
// concurrent use; one logical owner per client.
type Cache struct {
	hostnames map[string]string
	removals  map[string]string // directive -> directive, per host:port applied
	evictions []string
}

func NewCache() *Cache {
	return &Cache{
		hostnames: make(map[string]string),
		removals:  make(map[string]string),
	}
}

// Set records an override for host. ip == "" forces "no override". Changing
// an existing override schedules the eviction directives for every host:port
// the old override was applied to; they are emitted before any new directive
// on the next request that touches resolution.
func (c *Cache) Set(host, ip string) {
	host = strings.ToLower(host)
	if prev, ok := c.hostnames[host]; ok && prev != ip {
		c.scheduleEvictions(host)
	}
	c.hostnames[host] = ip
}

// Len reports how many hosts carry an override entry.
func (c *Cache) Len() int { return len(c.hostnames) }

// PendingEvictions reports whether eviction directives are waiting to be
// applied. Engines without live eviction support must recreate their
// multiplex context before the next directive set is usable.
func (c *Cache) PendingEvictions() bool { return len(c.evictions) > 0 }

// Directives merges per-request overrides (which win over cached ones) into
// the cache and returns the full directive list for the engine: pending
// evictions first, then one directive per active override scoped to port.
// The eviction list is consumed and cleared.
func (c *Cache) Directives(port int, explicit map[string]string) []string {
	for _, host := range sortedKeys(explicit) {
		c.Set(host, explicit[host])
	}

	out := c.evictions
	c.evictions = nil

	seen := make(map[string]bool, len(out))
	for _, d := range out {
		seen[d] = true
	}

	for _, host := range sortedKeys(c.hostnames) {
		var d string
		if ip := c.hostnames[host]; ip == "" {
			d = removal(host, port)
		} else {
			d = host + ":" + strconv.Itoa(port) + ":" + ip
			r := removal(host, port)
			c.removals[r] = r
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}

	return out
}

func (c *Cache) scheduleEvictions(host string) {
	prefix := "-" + host + ":"
	for d := range c.removals {
		if strings.HasPrefix(d, prefix) {
			c.evictions = append(c.evictions, d)
			delete(c.removals, d)
		}
	}
	sort.Strings(c.evictions)
}

func removal(host string, port int) string {
	return "-" + host + ":" + strconv.Itoa(port)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
