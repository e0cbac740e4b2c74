package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/okvist/muxclient/transfer"
)

// waitSlice bounds each drain pump inside Wait so context cancellation is
// observed promptly.
const waitSlice = 100 * time.Millisecond

// Response is the client-level view of one in-flight or finished transfer.
type Response struct {
	mux      *transfer.Multiplexer
	handle   *transfer.Handle
	url      string
	fromPush bool
	logger   *slog.Logger
}

func (c *Client) newResponse(h *transfer.Handle, url string, fromPush bool) *Response {
	return &Response{
		mux:      c.mux,
		handle:   h,
		url:      url,
		fromPush: fromPush,
		logger:   c.logger.With("request_id", uuid.NewString(), "url", url),
	}
}

// URL reports the request URL this response answers.
func (r *Response) URL() string { return r.url }

// FromPush reports whether the response was adopted from a server push
// rather than issued as a fresh transfer.
func (r *Response) FromPush() bool { return r.fromPush }

// Done reports whether the transfer has finished, successfully or not.
func (r *Response) Done() bool { return r.handle.Done() }

// Err returns the transfer's terminal error, or nil while in flight or
// after success.
func (r *Response) Err() error { return r.handle.Err() }

// Cancel deregisters the transfer. Safe to call repeatedly.
func (r *Response) Cancel() { r.handle.Cancel() }

// Wait pumps the multiplexer until this response finishes or ctx ends.
// Concurrent transfers keep progressing while waiting.
func (r *Response) Wait(ctx context.Context) error {
	for !r.handle.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for range r.mux.Drain([]*transfer.Handle{r.handle}, waitSlice) {
		}
	}

	if err := r.handle.Err(); err != nil {
		r.logger.Debug("transfer finished with error", "error", err)
		return err
	}
	r.logger.Debug("transfer finished")

	return nil
}
