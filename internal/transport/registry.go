package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// OutboundBuilder opens the sending side of a driver
type OutboundBuilder func(ctx context.Context, opts Options, ep Endpoint) (Outbound, error)

// InboundBuilder opens the receiving side of a driver
type InboundBuilder func(ctx context.Context, opts Options, ep Endpoint) (Inbound, error)

// Driver bundles the builders of one transport
type Driver struct {
	Outbound OutboundBuilder
	Inbound  InboundBuilder
}

// Registry maps driver names to their builders.
// Driver packages register themselves from init.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// DefaultRegistry is the global driver registry
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds or replaces a driver
func (r *Registry) Register(name string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = d
}

func (r *Registry) lookup(name string) (Driver, error) {
	r.mu.RLock()
	d, ok := r.drivers[name]
	r.mu.RUnlock()

	if !ok {
		return Driver{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDriver, name, r.Names())
	}
	return d, nil
}

// OpenOutbound opens the sending side of opts.Driver
func (r *Registry) OpenOutbound(ctx context.Context, opts Options, ep Endpoint) (Outbound, error) {
	d, err := r.lookup(opts.Driver)
	if err != nil {
		return nil, err
	}
	if d.Outbound == nil {
		return nil, fmt.Errorf("%w: %q has no outbound side", ErrUnknownDriver, opts.Driver)
	}
	return d.Outbound(ctx, opts, ep)
}

// OpenInbound opens the receiving side of opts.Driver
func (r *Registry) OpenInbound(ctx context.Context, opts Options, ep Endpoint) (Inbound, error) {
	d, err := r.lookup(opts.Driver)
	if err != nil {
		return nil, err
	}
	if d.Inbound == nil {
		return nil, fmt.Errorf("%w: %q has no inbound side", ErrUnknownDriver, opts.Driver)
	}
	return d.Inbound(ctx, opts, ep)
}

// Names returns the registered driver names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a driver is registered under name
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.drivers[name]
	return ok
}

// Register adds a driver to the default registry
func Register(name string, d Driver) {
	DefaultRegistry.Register(name, d)
}

// OpenOutbound opens an outbound endpoint using the default registry
func OpenOutbound(ctx context.Context, opts Options, ep Endpoint) (Outbound, error) {
	return DefaultRegistry.OpenOutbound(ctx, opts, ep)
}

// OpenInbound opens an inbound endpoint using the default registry
func OpenInbound(ctx context.Context, opts Options, ep Endpoint) (Inbound, error) {
	return DefaultRegistry.OpenInbound(ctx, opts, ep)
}
