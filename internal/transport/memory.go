package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDriver is the registry name of the in-process driver
const MemoryDriver = "memory"

func init() {
	Register(MemoryDriver, Driver{
		Outbound: openMemoryOutbound,
		Inbound:  openMemoryInbound,
	})
}

// Hub holds named in-process queues. Queues are created on first use with the
// opener's high-water mark as capacity and are never closed, so a late sender
// can never panic on a closed channel.
type Hub struct {
	mu     sync.Mutex
	queues map[string]chan []byte
}

// DefaultHub is used when Options.Hub is nil
var DefaultHub = NewHub()

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{queues: make(map[string]chan []byte)}
}

func (h *Hub) queue(name string, capacity int) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	q, ok := h.queues[name]
	if !ok {
		q = make(chan []byte, capacity)
		h.queues[name] = q
	}
	return q
}

// Len returns the number of messages waiting in the named queue
func (h *Hub) Len(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues[name])
}

func hubFor(opts Options) *Hub {
	if opts.Hub != nil {
		return opts.Hub
	}
	return DefaultHub
}

type memoryOutbound struct {
	name   string
	q      chan []byte
	closed atomic.Bool
}

func openMemoryOutbound(_ context.Context, opts Options, ep Endpoint) (Outbound, error) {
	if ep.Address == "" {
		return nil, fmt.Errorf("memory: empty queue name")
	}
	return &memoryOutbound{name: ep.Address, q: hubFor(opts).queue(ep.Address, opts.HWM())}, nil
}

func (m *memoryOutbound) Send(ctx context.Context, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}

	msg := append([]byte(nil), payload...)
	select {
	case m.q <- msg:
		return nil
	default:
	}

	select {
	case m.q <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("memory %s: %w", m.name, ErrBackpressure)
	}
}

func (m *memoryOutbound) Close() error {
	m.closed.Store(true)
	return nil
}

type memoryFetcher struct {
	q chan []byte
}

func openMemoryInbound(_ context.Context, opts Options, ep Endpoint) (Inbound, error) {
	if ep.Address == "" {
		return nil, fmt.Errorf("memory: empty queue name")
	}
	return NewPolledInbound(&memoryFetcher{q: hubFor(opts).queue(ep.Address, opts.HWM())}), nil
}

func (f *memoryFetcher) Fetch(ctx context.Context, timeout time.Duration) ([][]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-f.q:
		return [][]byte{msg}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (f *memoryFetcher) Close() error { return nil }
