// Package redirect implements the per-request policy that rewrites headers
// on each redirect hop. Credentials only travel to the host the request was
// originally addressed to; any cross-host hop gets a stripped header set.
package redirect

import (
	"net/url"
	"strings"
)

// Policy is computed once at request submission from the final header set
// and consulted on every hop of that request. Immutable.
type Policy struct {
	originHost  string
	withAuth    []string
	withoutAuth []string
}

// New builds the policy for a request to reqURL carrying headerLines.
// The Host header is dropped from both sets; the engine recomputes it per
// hop. Authorization and Cookie are additionally dropped from the
// cross-host set.
func New(reqURL *url.URL, headerLines []string) Policy {
	p := Policy{originHost: strings.ToLower(reqURL.Hostname())}

	for _, line := range headerLines {
		switch headerName(line) {
		case "host":
			continue
		case "authorization", "cookie":
			p.withAuth = append(p.withAuth, line)
		default:
			p.withAuth = append(p.withAuth, line)
			p.withoutAuth = append(p.withoutAuth, line)
		}
	}

	return p
}

// Resolve parses the Location target of one hop against the current
// effective URL and picks the header set for the next hop. An unparseable
// target returns rewrite=false, telling the engine to proceed with its
// default behavior; it is a policy miss, not an error.
func (p Policy) Resolve(effectiveURL, location string) (next string, headerLines []string, rewrite bool) {
	base, err := url.Parse(effectiveURL)
	if err != nil {
		return "", nil, false
	}
	target, err := url.Parse(location)
	if err != nil {
		return "", nil, false
	}

	resolved := base.ResolveReference(target)
	if resolved.Scheme == "" || resolved.Host == "" {
		return "", nil, false
	}

	if strings.EqualFold(resolved.Hostname(), p.originHost) {
		return resolved.String(), p.withAuth, true
	}
	return resolved.String(), p.withoutAuth, true
}

func headerName(line string) string {
	name, _, ok := strings.Cut(line, ":")
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(name))
}
