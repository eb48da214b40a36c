package chaos

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// Outbound injects delay, drop and corruption in front of another Outbound
type Outbound struct {
	next   transport.Outbound
	chaos  *Chaos
	target string

	dropped   atomic.Int64
	corrupted atomic.Int64
}

// WrapOutbound returns next unchanged when c is nil or disabled
func WrapOutbound(next transport.Outbound, c *Chaos, target string) transport.Outbound {
	if c == nil || !c.cfg.Enabled {
		return next
	}
	return &Outbound{next: next, chaos: c, target: target}
}

// Send implements transport.Outbound. Dropped messages report success.
func (o *Outbound) Send(ctx context.Context, payload []byte) error {
	if err := o.chaos.MaybeDelay(ctx, o.target, "send"); err != nil {
		return fmt.Errorf("chaos delay: %w", err)
	}
	if o.chaos.MaybeDrop(o.target, "send") {
		o.dropped.Add(1)
		return nil
	}
	if corrupted, ok := o.chaos.MaybeCorrupt(o.target, payload); ok {
		o.corrupted.Add(1)
		payload = corrupted
	}
	return o.next.Send(ctx, payload)
}

// Close implements transport.Outbound
func (o *Outbound) Close() error {
	return o.next.Close()
}

// Dropped returns the number of silently dropped messages
func (o *Outbound) Dropped() int64 { return o.dropped.Load() }

// Corrupted returns the number of truncated messages
func (o *Outbound) Corrupted() int64 { return o.corrupted.Load() }
