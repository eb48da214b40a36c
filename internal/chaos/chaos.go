package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Chaos provides deterministic failure injection
type Chaos struct {
	cfg    Config
	logger *zap.Logger
	rng    *rand.Rand
	mu     sync.Mutex
	start  time.Time
}

// New creates a new Chaos instance. A profile overrides the matching fields of cfg.
func New(cfg Config, logger *zap.Logger) *Chaos {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Profile != "" {
		p, err := ParseProfile(cfg.Profile)
		if err != nil {
			logger.Warn("failed to parse chaos profile", zap.Error(err))
		} else {
			if p.DropPct > 0 {
				cfg.DropPct = p.DropPct
			}
			if p.CorruptPct > 0 {
				cfg.CorruptPct = p.CorruptPct
			}
			if p.DelayMsMin > 0 || p.DelayMsMax > 0 {
				cfg.DelayMsMin = p.DelayMsMin
				cfg.DelayMsMax = p.DelayMsMax
			}
		}
	}

	return &Chaos{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}
}

// Effective returns the configuration after the profile was applied
func (c *Chaos) Effective() Config {
	return c.cfg
}

// EnabledFor checks if chaos applies to the given endpoint address
func (c *Chaos) EnabledFor(target string) bool {
	if !c.cfg.Enabled {
		return false
	}

	if c.cfg.WindowMs > 0 {
		elapsed := time.Since(c.start).Milliseconds()
		if elapsed > int64(c.cfg.WindowMs) {
			return false
		}
	}

	if c.cfg.Target != "" && c.cfg.Target != target {
		return false
	}

	return true
}

// MaybeDelay injects a random delay if chaos is enabled
func (c *Chaos) MaybeDelay(ctx context.Context, target, op string) error {
	if !c.EnabledFor(target) {
		return nil
	}

	if c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0 {
		return nil
	}

	c.mu.Lock()
	var delayMs int
	if c.cfg.DelayMsMin == c.cfg.DelayMsMax {
		delayMs = c.cfg.DelayMsMin
	} else {
		delayMs = c.cfg.DelayMsMin + c.rng.Intn(c.cfg.DelayMsMax-c.cfg.DelayMsMin+1)
	}
	c.mu.Unlock()

	if delayMs > 0 {
		c.logger.Debug("chaos delay injected",
			zap.String("target", target),
			zap.String("op", op),
			zap.Int("delay_ms", delayMs),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			return nil
		}
	}

	return nil
}

// MaybeDrop returns true if the message should be dropped
func (c *Chaos) MaybeDrop(target, op string) bool {
	if !c.EnabledFor(target) || c.cfg.DropPct == 0 {
		return false
	}

	c.mu.Lock()
	drop := c.rng.Intn(100) < c.cfg.DropPct
	c.mu.Unlock()

	if drop {
		c.logger.Info("chaos drop injected",
			zap.String("target", target),
			zap.String("op", op),
		)
	}

	return drop
}

// MaybeCorrupt returns a truncated copy of payload when corruption is injected.
// Truncating a JSON object always leaves it unparseable.
func (c *Chaos) MaybeCorrupt(target string, payload []byte) ([]byte, bool) {
	if !c.EnabledFor(target) || c.cfg.CorruptPct == 0 || len(payload) < 2 {
		return payload, false
	}

	c.mu.Lock()
	corrupt := c.rng.Intn(100) < c.cfg.CorruptPct
	c.mu.Unlock()

	if !corrupt {
		return payload, false
	}

	c.logger.Info("chaos corruption injected",
		zap.String("target", target),
		zap.Int("original_len", len(payload)),
	)
	return append([]byte(nil), payload[:len(payload)/2]...), true
}
