// Package muxclient exposes the client builder.
package muxclient

import (
	"github.com/okvist/muxclient/client"
	"github.com/okvist/muxclient/engine"
)

// NewClient instantiates a new *Client driving the provided engine. The
// client takes ownership of the engine and closes it on Close.
func NewClient(eng engine.Engine, opts ...client.Option) (*client.Client, error) {
	return client.Build(eng, opts...)
}
