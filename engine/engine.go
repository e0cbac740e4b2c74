// Package engine declares the boundary between the orchestration layer and
// the underlying transport engine that performs DNS resolution, TCP/TLS
// handshakes, and HTTP encoding. The orchestration layer owns one Engine per
// client and interleaves many transfers over it; everything wire-level is
// the engine's problem.
package engine

import "time"

// TransferID identifies one transfer within an engine's multiplex context.
// IDs are stable for the lifetime of the transfer and never reused while
// the transfer is registered.
type TransferID uint64

// Transfer is the engine-side handle for one request/response exchange.
type Transfer interface {
	ID() TransferID

	// SetVerbose toggles per-transfer diagnostics. The multiplexer turns
	// diagnostics off before releasing a transfer at teardown.
	SetVerbose(on bool)
}

// Completion reports one finished transfer. Err is nil on success and
// carries the network/TLS failure otherwise; a failure never affects other
// transfers on the same engine.
type Completion struct {
	ID  TransferID
	Err error
}

// Push describes a server-initiated transfer the engine received on an
// HTTP/2 connection. The pushed Transfer belongs to the push handler until
// it is either claimed by a later request or removed.
type Push struct {
	Parent       TransferID
	Transfer     Transfer
	HeaderLines  []string // pushed request headers, pseudo-headers included
	EffectiveURL string   // URL of the transfer the push arrived on
}

// PushHandler decides whether a pushed transfer is kept. Returning false
// tells the engine to discard the push immediately.
type PushHandler func(Push) bool

// Capabilities is negotiated once at multiplexer construction and consulted
// by name afterwards, never by version comparison.
type Capabilities struct {
	Version string
	HTTP2   bool

	// LiveOverrideEviction reports whether "-host:port" resolution
	// directives can be applied to a live multiplex context. Engines
	// without it force a full context recreation instead.
	LiveOverrideEviction bool
}

// ReadFunc pulls up to n bytes of request body. It returns an empty slice
// at end of body and never more than n bytes.
type ReadFunc func(n int) ([]byte, error)

// RedirectFunc is consulted before the engine follows a redirect hop.
// It receives the current effective URL and the Location target and returns
// the absolute next-hop URL plus the header lines to resend. rewrite=false
// means "proceed with the engine's default behavior"; it is never an error.
type RedirectFunc func(effectiveURL, location string) (next string, headerLines []string, rewrite bool)

// TLSConfig carries the verification and pinning options a transfer runs with.
type TLSConfig struct {
	InsecureSkipVerify bool
	PinnedPublicKey    string // base64 SHA-256 of the peer public key, empty disables pinning
	CAFile             string
}

// TransferConfig is the engine-facing description of one transfer, already
// translated from the caller's request options.
type TransferConfig struct {
	Method      string
	URL         string
	HeaderLines []string // "Name: value" lines, no Host line

	// ReadBody is nil for bodyless requests. UploadSize is the total body
	// size when known, -1 otherwise.
	ReadBody   ReadFunc
	UploadSize int64

	// ResolveDirectives are applied before the transfer starts:
	// "host:port:ip" forces an address, "-host:port" evicts a prior one.
	ResolveDirectives []string

	Proxy   string
	NoProxy string
	TLS     TLSConfig

	MaxRedirects int
	MaxDuration  time.Duration
	OnRedirect   RedirectFunc

	Verbose bool
}

// Engine is the multiplexed transport collaborator: submit many transfers,
// pump for completions, drain them as they finish. Implementations are
// driven by a single goroutine; the orchestration layer never calls into an
// Engine concurrently.
type Engine interface {
	// Capabilities is best-effort feature introspection.
	Capabilities() Capabilities

	// Add registers a new transfer against the shared context without
	// blocking. A rejected option surfaces here.
	Add(cfg TransferConfig) (Transfer, error)

	// Remove cancels a transfer and releases its engine-level resources.
	Remove(t Transfer) error

	// Rebind re-owns an engine-held transfer (a claimed push) under the
	// given configuration.
	Rebind(t Transfer, cfg TransferConfig) error

	// Perform pumps the event loop once, waiting up to timeout for
	// activity, and returns the transfers that completed since the last
	// call. A zero timeout polls without blocking.
	Perform(timeout time.Duration) ([]Completion, error)

	// SetPushHandler installs fn as the server-push callback. A nil fn
	// disables push handling.
	SetPushHandler(fn PushHandler)

	// Reset discards the multiplex context and creates a fresh one.
	// Transfers still registered are abandoned; callers drain first.
	Reset() error

	// Close releases the context. Never called with transfers outstanding.
	Close() error
}
