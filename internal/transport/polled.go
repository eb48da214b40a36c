package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Fetcher pulls zero or more messages, waiting at most timeout.
// A fetch that times out returns no messages and no error.
type Fetcher interface {
	Fetch(ctx context.Context, timeout time.Duration) ([][]byte, error)
	Close() error
}

// PolledInbound adapts a Fetcher to Inbound by buffering fetched messages
type PolledInbound struct {
	fetcher Fetcher

	mu      sync.Mutex
	pending [][]byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewPolledInbound wraps f
func NewPolledInbound(f Fetcher) *PolledInbound {
	return &PolledInbound{fetcher: f}
}

// Poll implements Inbound
func (p *PolledInbound) Poll(ctx context.Context, timeout time.Duration) (bool, error) {
	if p.closed.Load() {
		return false, ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) > 0 {
		return true, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	batch, err := p.fetcher.Fetch(fetchCtx, timeout)
	if len(batch) > 0 {
		p.pending = append(p.pending, batch...)
	}
	if err != nil {
		if p.closed.Load() {
			return len(p.pending) > 0, ErrClosed
		}
		return len(p.pending) > 0, fmt.Errorf("poll: %w", err)
	}
	return len(p.pending) > 0, nil
}

// Receive implements Inbound. It returns ErrTimeout when nothing was polled.
func (p *PolledInbound) Receive(ctx context.Context) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return nil, ErrTimeout
	}
	next := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return next, nil
}

// Buffered returns the number of fetched but not yet received messages
func (p *PolledInbound) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close implements Inbound
func (p *PolledInbound) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.fetcher.Close()
	})
	return p.closeErr
}
