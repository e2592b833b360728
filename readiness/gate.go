// Package readiness models collaborator start-up as gates that request
// handlers can await. A gate resolves once, successfully or with an error;
// a failed gate can later recover to ready.
package readiness

import (
	"context"
	"fmt"
	"sync"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/Mrlabani/mega-proxy/telemetry"
)

// State is the observable state of a Gate.
type State int

const (
	Pending State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Gate is a future that resolves once. The zero value is not usable; create
// gates with New.
type Gate struct {
	name string
	done chan struct{}
	once sync.Once

	mu  sync.RWMutex
	err error
}

// New creates a pending gate.
func New(name string) *Gate {
	telemetry.RecordReadiness(context.Background(), name, 0)
	return &Gate{name: name, done: make(chan struct{})}
}

// Opened returns a gate that is already ready, for collaborators that need
// no start-up work.
func Opened(name string) *Gate {
	g := New(name)
	g.Resolve(nil)
	return g
}

// Name returns the gate's name.
func (g *Gate) Name() string {
	return g.name
}

// Resolve completes the gate. A nil err marks it ready; otherwise failed.
// The first call resolves the gate. After that, a nil err moves a failed
// gate to ready and a ready gate never fails.
func (g *Gate) Resolve(err error) {
	first := false
	g.once.Do(func() {
		first = true
		g.mu.Lock()
		g.err = err
		g.mu.Unlock()

		state := int64(1)
		if err != nil {
			state = -1
		}
		telemetry.RecordReadiness(context.Background(), g.name, state)
		close(g.done)
	})
	if first || err != nil {
		return
	}

	g.mu.Lock()
	recovered := g.err != nil
	g.err = nil
	g.mu.Unlock()
	if recovered {
		telemetry.RecordReadiness(context.Background(), g.name, 1)
	}
}

// Done is closed when the gate resolves.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Err returns the failure, or nil while pending or once ready.
func (g *Gate) Err() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.err
}

// State reports the current state without blocking.
func (g *Gate) State() State {
	select {
	case <-g.done:
		if g.Err() != nil {
			return Failed
		}
		return Ready
	default:
		return Pending
	}
}

// Wait blocks until the gate resolves or ctx is done. Every error it
// returns matches megaproxy.ErrNotReady.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		if err := g.Err(); err != nil {
			return fmt.Errorf("%s %w: %w", g.name, megaproxy.ErrNotReady, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %w: %w", g.name, megaproxy.ErrNotReady, ctx.Err())
	}
}

// WaitAll waits for every gate in order and returns the first failure.
func WaitAll(ctx context.Context, gates ...*Gate) error {
	for _, g := range gates {
		if g == nil {
			continue
		}
		if err := g.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the state of each gate keyed by name.
func Snapshot(gates ...*Gate) map[string]string {
	out := make(map[string]string, len(gates))
	for _, g := range gates {
		if g == nil {
			continue
		}
		out[g.name] = g.State().String()
	}
	return out
}
