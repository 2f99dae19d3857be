package dbgateway

import (
	"context"
	"sync"
)

// warmupGate blocks queries until the engine has served a probe. It can be
// reset when the underlying pool is replaced (reconnect), which re-closes
// the gate until the new engine proves itself.
type warmupGate struct {
	mu   sync.Mutex
	done chan struct{}
	open bool
}

func newWarmupGate() *warmupGate {
	return &warmupGate{done: make(chan struct{})}
}

// Wait blocks until the gate is open or ctx is done.
func (g *warmupGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	done := g.done
	g.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open marks warmup as complete and releases all waiters.
func (g *warmupGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.done)
	}
}

// Reset re-closes the gate. Queries issued after a Reset block until the
// next Open.
func (g *warmupGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.done = make(chan struct{})
	}
}

// IsOpen reports whether warmup has completed.
func (g *warmupGate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
