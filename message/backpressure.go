package message

import (
	"context"
	"sync"
)

// BackPressure is the writability signal of one outbound stream. The
// connection flips it; the single producer of the stream waits on it
// between chunks.
type BackPressure struct {
	mu       sync.Mutex
	writable bool
	ready    chan struct{}
}

func NewBackPressure() *BackPressure {
	return &BackPressure{writable: true}
}

func (b *BackPressure) NotifyUnwritable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.writable {
		return
	}
	b.writable = false
	b.ready = make(chan struct{})
}

func (b *BackPressure) NotifyWritable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writable {
		return
	}
	b.writable = true
	close(b.ready)
	b.ready = nil
}

func (b *BackPressure) Writable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writable
}

// Wait blocks until the stream is writable or ctx is done.
func (b *BackPressure) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.writable {
		b.mu.Unlock()
		return nil
	}
	ready := b.ready
	b.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
