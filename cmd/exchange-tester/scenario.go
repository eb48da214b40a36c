package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ismaiel54/exchange-tester/internal/chaos"
	"github.com/ismaiel54/exchange-tester/internal/harness"
	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// plan describes one run: a single batch pair, or repeated batches for Soak
type plan struct {
	Valid         int
	Invalid       int
	Settle        time.Duration
	Soak          time.Duration
	BatchInterval time.Duration
}

type outcome struct {
	Batches   int
	Requested int
	Sent      int
	Failed    int
	Final     harness.Counters
	StopErr   error
}

// runScenario starts listening, sends according to p, waits for responses to
// settle and stops the harness. The harness is always stopped on return.
func runScenario(ctx context.Context, h *harness.Harness, p plan, logger *zap.Logger) (out outcome) {
	defer func() {
		if err := h.Stop(); err != nil && out.StopErr == nil {
			out.StopErr = err
		}
		out.Final = h.Stats()
	}()

	if err := h.StartListening(); err != nil {
		logger.Error("failed to start listening", zap.Error(err))
		out.StopErr = err
		return out
	}

	sendBatch := func() {
		for _, r := range []harness.SendReport{h.SendValid(ctx, p.Valid), h.SendInvalid(ctx, p.Invalid)} {
			out.Requested += r.Requested
			out.Sent += r.Sent
			out.Failed += r.Failed
			if r.Err != nil {
				logger.Warn("batch had send failures", zap.Int("failed", r.Failed), zap.Error(r.Err))
			}
		}
		out.Batches++
	}

	sendBatch()
	if p.Soak > 0 {
		interval := p.BatchInterval
		if interval <= 0 {
			interval = time.Second
		}
		deadline := time.NewTimer(p.Soak)
		defer deadline.Stop()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

	soak:
		for {
			select {
			case <-ctx.Done():
				break soak
			case <-deadline.C:
				break soak
			case <-ticker.C:
				sendBatch()
				logger.Info("soak batch sent", zap.Int("batch", out.Batches), zap.Any("stats", h.Stats()))
			}
		}
	}

	logger.Info("waiting for responses to settle", zap.Duration("settle", p.Settle))
	select {
	case <-ctx.Done():
	case <-time.After(p.Settle):
	}
	return out
}

// injectedFaults reports the messages the chaos wrapper dropped or corrupted.
// Both are zero when out is not wrapped.
func injectedFaults(out transport.Outbound) (dropped, corrupted int64) {
	if co, ok := out.(*chaos.Outbound); ok {
		return co.Dropped(), co.Corrupted()
	}
	return 0, 0
}
