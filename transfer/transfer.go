// Package transfer coordinates the lifecycle of many concurrent transfers
// over one shared engine: registration, pumping, completion draining, and
// teardown. The multiplexer is the exclusive owner of the engine's
// multiplex context.
//
// One logical owner drives a Multiplexer; no internal locking is provided.
// Cross-goroutine use requires external synchronization.
package transfer

import (
	"iter"
	"log/slog"
	"time"
	"weak"

	"github.com/okvist/muxclient/engine"
	"github.com/okvist/muxclient/errdef"
	"github.com/okvist/muxclient/metrics"
)

// quiesceBudget bounds how long teardown and engine recycling keep pumping
// for outstanding completions before giving up on them.
const quiesceBudget = 2 * time.Second

// ErrCanceled marks a transfer whose handle was canceled before completion.
var ErrCanceled = errdef.New(errdef.CodeTransfer, "transfer canceled")

// ErrAbandoned marks a transfer dropped because the engine context had to
// be recreated while it was still in flight.
var ErrAbandoned = errdef.New(errdef.CodeTransfer, "transfer abandoned by engine recreation")

// Handle tracks one submitted transfer. Completion state is written by the
// multiplexer during Drain. The handle itself holds no engine resources;
// dropping it is safe, and the multiplexer deregisters orphaned transfers
// on the next drain.
type Handle struct {
	mux  *Multiplexer
	id   engine.TransferID
	done bool
	err  error
}

func (h *Handle) ID() engine.TransferID { return h.id }

// Done reports whether the transfer reached a terminal state.
func (h *Handle) Done() bool { return h.done }

// Err returns the transfer's failure, nil while in flight or on success.
func (h *Handle) Err() error { return h.err }

// Cancel deregisters the transfer from the engine. Idempotent; a no-op
// once the transfer completed.
func (h *Handle) Cancel() {
	if h.done {
		return
	}
	h.mux.cancel(h.id)
	h.done = true
	h.err = ErrCanceled
}

// record is the arena entry for one in-flight transfer. The weak reference
// lets the multiplexer detect handles the caller dropped without keeping
// them alive.
type record struct {
	t   engine.Transfer
	ref weak.Pointer[Handle]
}

// Multiplexer owns the engine handle exclusively and the arena of in-flight
// transfer records.
type Multiplexer struct {
	eng     engine.Engine
	caps    engine.Capabilities
	logger  *slog.Logger
	records map[engine.TransferID]*record
	closed  bool
}

// New wraps eng. Capabilities are negotiated once, here, and consulted by
// name afterwards. A nil logger falls back to slog.Default.
func New(eng engine.Engine, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		eng:     eng,
		caps:    eng.Capabilities(),
		logger:  logger,
		records: make(map[engine.TransferID]*record),
	}
}

func (m *Multiplexer) Capabilities() engine.Capabilities { return m.caps }

// Open reports how many transfers are registered and not yet completed.
func (m *Multiplexer) Open() int { return len(m.records) }

// Submit registers a new transfer without blocking. An engine rejection
// surfaces as a transport error, fatal only for this request.
func (m *Multiplexer) Submit(cfg engine.TransferConfig) (*Handle, error) {
	if m.closed {
		return nil, errdef.New(errdef.CodeConfig, "multiplexer is torn down")
	}

	t, err := m.eng.Add(cfg)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeTransport, err, "register transfer")
	}

	h := &Handle{mux: m, id: t.ID()}
	m.records[h.id] = &record{t: t, ref: weak.Make(h)}
	metrics.TransfersSubmitted.Inc()
	metrics.OpenTransfers.Inc()

	return h, nil
}

// Adopt re-binds an engine-held transfer (a claimed push) to cfg and
// registers it like a submitted one.
func (m *Multiplexer) Adopt(t engine.Transfer, cfg engine.TransferConfig) (*Handle, error) {
	if m.closed {
		return nil, errdef.New(errdef.CodeConfig, "multiplexer is torn down")
	}

	if err := m.eng.Rebind(t, cfg); err != nil {
		return nil, errdef.Wrap(errdef.CodeTransport, err, "rebind pushed transfer")
	}

	h := &Handle{mux: m, id: t.ID()}
	m.records[h.id] = &record{t: t, ref: weak.Make(h)}
	metrics.TransfersAdopted.Inc()
	metrics.OpenTransfers.Inc()

	return h, nil
}

// Drain pumps the engine until at least one watched handle completes or
// timeout elapses, yielding completed handles in engine completion order.
// Watched handles that already completed are yielded immediately. An empty
// watch list is satisfied by any completion. A zero timeout polls once.
// The sequence is lazy and Drain may be called repeatedly.
func (m *Multiplexer) Drain(watch []*Handle, timeout time.Duration) iter.Seq[*Handle] {
	return func(yield func(*Handle) bool) {
		start := time.Now()
		defer func() {
			metrics.DrainSeconds.Observe(time.Since(start).Seconds())
		}()

		satisfied := false
		for _, h := range watch {
			if h.done {
				satisfied = true
				if !yield(h) {
					return
				}
			}
		}

		deadline := start.Add(timeout)
		for {
			budget := time.Duration(0)
			if timeout > 0 && !satisfied {
				budget = max(time.Until(deadline), 0)
			}

			completions, err := m.eng.Perform(budget)
			if err != nil {
				m.logger.Error("engine pump failed", "error", err)
				return
			}

			// Apply all completion state before yielding anything: a
			// consumer that stops iterating must not lose completions
			// reported in the same pump.
			ready := make([]*Handle, 0, len(completions))
			for _, c := range completions {
				if h := m.finish(c); h != nil {
					ready = append(ready, h)
				}
			}
			m.sweep()

			for _, h := range ready {
				if len(watch) == 0 || contains(watch, h) {
					satisfied = true
				}
				if !yield(h) {
					return
				}
			}

			if satisfied || timeout <= 0 || !time.Now().Before(deadline) {
				return
			}
		}
	}
}

// Quiesce drains everything in flight, giving up after budget.
func (m *Multiplexer) Quiesce(budget time.Duration) {
	deadline := time.Now().Add(budget)
	for len(m.records) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		for range m.Drain(nil, remaining) {
		}
	}
}

// Recycle drains outstanding work to quiescence, then discards and
// recreates the engine's multiplex context. This is the degraded path for
// engines without live override eviction; transfers that outlive the
// quiesce budget are marked abandoned rather than silently dropped.
func (m *Multiplexer) Recycle() error {
	m.Quiesce(quiesceBudget)

	for id, rec := range m.records {
		if err := m.eng.Remove(rec.t); err != nil {
			m.logger.Error("failed to remove transfer before engine recreation", "id", id, "error", err)
		}
		delete(m.records, id)
		metrics.OpenTransfers.Dec()
		if h := rec.ref.Value(); h != nil {
			h.done = true
			h.err = ErrAbandoned
		}
	}

	if err := m.eng.Reset(); err != nil {
		return errdef.Wrap(errdef.CodeTransport, err, "recreate engine context")
	}
	m.logger.Info("engine context recreated for resolution override eviction")
	return nil
}

// Teardown disables push handling, drains remaining work to quiescence,
// releases per-transfer decorations, and closes the engine. The engine is
// never closed with transfers still registered. Idempotent.
func (m *Multiplexer) Teardown() error {
	if m.closed {
		return nil
	}

	m.eng.SetPushHandler(nil)
	m.Quiesce(quiesceBudget)

	for id, rec := range m.records {
		rec.t.SetVerbose(false)
		if err := m.eng.Remove(rec.t); err != nil {
			m.logger.Error("failed to release transfer at teardown", "id", id, "error", err)
		}
		delete(m.records, id)
		metrics.OpenTransfers.Dec()
	}

	m.closed = true
	return m.eng.Close()
}

// finish applies one completion to the arena, returning the handle to
// yield or nil when nobody is waiting for it anymore.
func (m *Multiplexer) finish(c engine.Completion) *Handle {
	rec, ok := m.records[c.ID]
	if !ok {
		return nil
	}
	delete(m.records, c.ID)
	metrics.OpenTransfers.Dec()

	if c.Err != nil {
		metrics.TransfersFailed.Inc()
	} else {
		metrics.TransfersCompleted.Inc()
	}

	h := rec.ref.Value()
	if h == nil {
		m.logger.Debug("completion for dropped handle", "id", c.ID)
		return nil
	}

	h.done = true
	h.err = errdef.Wrap(errdef.CodeTransfer, c.Err, "transfer %d", c.ID)
	return h
}

// sweep deregisters in-flight transfers whose handles were dropped, so an
// abandoned handle never leaks engine-level resources.
func (m *Multiplexer) sweep() {
	for id, rec := range m.records {
		if rec.ref.Value() != nil {
			continue
		}
		if err := m.eng.Remove(rec.t); err != nil {
			m.logger.Error("failed to remove abandoned transfer", "id", id, "error", err)
		}
		delete(m.records, id)
		metrics.OpenTransfers.Dec()
		metrics.TransfersAbandoned.Inc()
		m.logger.Debug("deregistered abandoned transfer", "id", id)
	}
}

func (m *Multiplexer) cancel(id engine.TransferID) {
	rec, ok := m.records[id]
	if !ok {
		return
	}
	delete(m.records, id)
	metrics.OpenTransfers.Dec()
	if err := m.eng.Remove(rec.t); err != nil {
		m.logger.Error("failed to remove canceled transfer", "id", id, "error", err)
	}
}

func contains(watch []*Handle, h *Handle) bool {
	for _, w := range watch {
		if w == h {
			return true
		}
	}
	return false
}
