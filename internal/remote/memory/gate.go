package memory

import (
	"context"
	"sync"
)

// Gate holds transfers of one node until released
type Gate struct {
	started   chan struct{}
	released  chan struct{}
	startOnce sync.Once
	relOnce   sync.Once
}

// Block makes transfers of op for id wait for Release. Use it to keep an
// operation in the Loading state for as long as a test needs.
func (r *Repository) Block(op Op, id string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := &Gate{started: make(chan struct{}), released: make(chan struct{})}
	r.gates[key(op, id)] = g
	return g
}

// Unblock removes the gate for op and id and releases waiting transfers
func (r *Repository) Unblock(op Op, id string) {
	r.mu.Lock()
	g := r.gates[key(op, id)]
	delete(r.gates, key(op, id))
	r.mu.Unlock()
	g.Release()
}

// Started is closed once a transfer reaches the gate
func (g *Gate) Started() <-chan struct{} {
	return g.started
}

// Release lets waiting and future transfers through
func (g *Gate) Release() {
	if g == nil {
		return
	}
	g.relOnce.Do(func() { close(g.released) })
}

func (g *Gate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.startOnce.Do(func() { close(g.started) })
	select {
	case <-g.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
