// Package stream adapts a pull-based request-body producer to the
// fixed-size-chunk pull interface a transport engine expects. The producer
// is caller-supplied and free to ignore the length hint; the adapter buffers
// short reads and splits long ones so no byte is lost or duplicated.
package stream

import (
	"io"

	"github.com/okvist/muxclient/errdef"
)

// Producer returns the next chunk of request body, at most n bytes being a
// hint the producer may ignore. An empty chunk signals end of body.
type Producer func(n int) ([]byte, error)

// Buffer owns the pending bytes of one transfer's body. Exclusively owned
// by that transfer for its lifetime.
type Buffer struct {
	produce Producer
	pending []byte
	eof     bool
}

func New(p Producer) *Buffer {
	return &Buffer{produce: p}
}

// Read returns up to n bytes off the front of the body. If the buffer holds
// fewer than n bytes and the producer has not signaled end of body, exactly
// one more chunk is pulled first. A result shorter than n therefore does not
// imply end of body; only an empty result after producer EOF does.
func (b *Buffer) Read(n int) ([]byte, error) {
	if n < 0 {
		return nil, errdef.New(errdef.CodeProducer, "negative read size %d", n)
	}

	if !b.eof && len(b.pending) < n {
		chunk, err := b.produce(n - len(b.pending))
		if err != nil {
			return nil, errdef.Wrap(errdef.CodeProducer, err, "pull request body")
		}
		if len(chunk) == 0 {
			b.eof = true
		} else {
			b.pending = append(b.pending, chunk...)
		}
	}

	cut := min(n, len(b.pending))
	out := make([]byte, cut)
	copy(out, b.pending)
	b.pending = b.pending[cut:]

	return out, nil
}

// Exhausted reports whether the producer signaled end of body and the
// buffer is empty.
func (b *Buffer) Exhausted() bool { return b.eof && len(b.pending) == 0 }

// FromBytes adapts a literal body into a Producer.
func FromBytes(body []byte) Producer {
	rest := body
	return func(n int) ([]byte, error) {
		if n <= 0 || n > len(rest) {
			n = len(rest)
		}
		chunk := rest[:n]
		rest = rest[n:]
		return chunk, nil
	}
}

// FromReader adapts a byte stream into a Producer. Only io.EOF becomes the
// empty end-of-body chunk; a zero-byte read with a nil error means nothing
// happened yet and is retried. Any other reader error is surfaced as-is.
func FromReader(r io.Reader) Producer {
	return func(n int) ([]byte, error) {
		if n <= 0 {
			n = 512
		}
		buf := make([]byte, n)
		for {
			read, err := r.Read(buf)
			if read > 0 {
				return buf[:read], nil
			}
			if err == io.EOF {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
		}
	}
}
