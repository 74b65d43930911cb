package privilege

import (
	"context"
	"sync"
)

// Barrier is a one-shot gate. Waiters block until Release is called once.
type Barrier struct {
	once sync.Once
	done chan struct{}
}

// NewBarrier creates a closed gate.
func NewBarrier() *Barrier {
	return &Barrier{done: make(chan struct{})}
}

// Release opens the gate. Further calls do nothing.
func (b *Barrier) Release() {
	b.once.Do(func() { close(b.done) })
}

// Released reports whether Release has been called.
func (b *Barrier) Released() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate opens or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed on Release.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}
