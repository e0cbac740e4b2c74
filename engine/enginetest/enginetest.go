// Package enginetest provides a scriptable in-memory engine for tests.
// Completions and pushes are queued by the test and delivered on the next
// Perform, mirroring how a real multiplexed engine reports activity.
package enginetest

import (
	"fmt"
	"time"

	"github.com/okvist/muxclient/engine"
)

// Transfer is the fake engine-side handle.
type Transfer struct {
	id      engine.TransferID
	Verbose bool
	Removed bool
}

func (t *Transfer) ID() engine.TransferID { return t.id }
func (t *Transfer) SetVerbose(on bool)    { t.Verbose = on }

// Engine implements engine.Engine for tests. Zero value is not usable;
// call New.
type Engine struct {
	Caps engine.Capabilities

	// AddErr and RebindErr, when set, are returned by the next Add/Rebind.
	AddErr    error
	RebindErr error

	// Configs records every Add config, Rebinds every Rebind config.
	Configs []engine.TransferConfig
	Rebinds []engine.TransferConfig

	Performs int
	Resets   int
	Closed   bool

	transfers map[engine.TransferID]*Transfer
	nextID    engine.TransferID
	completed []engine.Completion
	pushes    []engine.Push
	pushFn    engine.PushHandler
}

func New() *Engine {
	return &Engine{
		Caps: engine.Capabilities{
			Version:              "enginetest/1",
			HTTP2:                true,
			LiveOverrideEviction: true,
		},
		transfers: make(map[engine.TransferID]*Transfer),
	}
}

func (e *Engine) Capabilities() engine.Capabilities { return e.Caps }

func (e *Engine) Add(cfg engine.TransferConfig) (engine.Transfer, error) {
	if e.AddErr != nil {
		err := e.AddErr
		e.AddErr = nil
		return nil, err
	}
	e.Configs = append(e.Configs, cfg)
	e.nextID++
	t := &Transfer{id: e.nextID}
	e.transfers[t.id] = t
	return t, nil
}

func (e *Engine) Remove(t engine.Transfer) error {
	ft, ok := e.transfers[t.ID()]
	if !ok {
		return fmt.Errorf("remove: unknown transfer %d", t.ID())
	}
	ft.Removed = true
	delete(e.transfers, t.ID())
	return nil
}

func (e *Engine) Rebind(t engine.Transfer, cfg engine.TransferConfig) error {
	if e.RebindErr != nil {
		err := e.RebindErr
		e.RebindErr = nil
		return err
	}
	e.Rebinds = append(e.Rebinds, cfg)
	return nil
}

func (e *Engine) Perform(timeout time.Duration) ([]engine.Completion, error) {
	e.Performs++

	for _, p := range e.pushes {
		if e.pushFn == nil || !e.pushFn(p) {
			if ft, ok := e.transfers[p.Transfer.ID()]; ok {
				ft.Removed = true
				delete(e.transfers, p.Transfer.ID())
			}
		}
	}
	e.pushes = nil

	if len(e.completed) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}

	out := e.completed
	e.completed = nil
	for _, c := range out {
		delete(e.transfers, c.ID)
	}
	return out, nil
}

func (e *Engine) SetPushHandler(fn engine.PushHandler) { e.pushFn = fn }

func (e *Engine) Reset() error {
	e.Resets++
	e.transfers = make(map[engine.TransferID]*Transfer)
	e.completed = nil
	e.pushes = nil
	return nil
}

func (e *Engine) Close() error {
	e.Closed = true
	return nil
}

// Complete queues a completion for delivery on the next Perform.
func (e *Engine) Complete(id engine.TransferID, err error) {
	e.completed = append(e.completed, engine.Completion{ID: id, Err: err})
}

// Push queues a server push for delivery on the next Perform and returns
// the engine-owned pushed transfer so tests can observe its fate.
func (e *Engine) Push(parent engine.TransferID, headerLines []string, effectiveURL string) *Transfer {
	e.nextID++
	t := &Transfer{id: e.nextID}
	e.transfers[t.id] = t
	e.pushes = append(e.pushes, engine.Push{
		Parent:       parent,
		Transfer:     t,
		HeaderLines:  headerLines,
		EffectiveURL: effectiveURL,
	})
	return t
}

// Transfer returns the live fake transfer with the given id, nil if it was
// removed or completed.
func (e *Engine) Transfer(id engine.TransferID) *Transfer { return e.transfers[id] }

// Open reports how many transfers are still registered.
func (e *Engine) Open() int { return len(e.transfers) }
