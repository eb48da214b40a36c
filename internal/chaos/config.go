package chaos

import (
	"fmt"
	"strconv"
	"strings"
)

// Config holds chaos configuration. The env tags are relative to the CHAOS_ prefix.
type Config struct {
	Enabled    bool   `env:"ENABLED" envDefault:"false"`
	Profile    string `env:"PROFILE"`
	Target     string `env:"TARGET"`
	DropPct    int    `env:"DROP_PCT" envDefault:"0"`
	CorruptPct int    `env:"CORRUPT_PCT" envDefault:"0"`
	DelayMsMin int    `env:"DELAY_MS_MIN" envDefault:"0"`
	DelayMsMax int    `env:"DELAY_MS_MAX" envDefault:"0"`
	Seed       int64  `env:"SEED" envDefault:"1"`
	WindowMs   int    `env:"WINDOW_MS" envDefault:"0"`
}

// Validate checks percentages and delay bounds
func (c *Config) Validate() error {
	if c.DropPct < 0 || c.DropPct > 100 {
		return fmt.Errorf("chaos drop pct %d out of range 0-100", c.DropPct)
	}
	if c.CorruptPct < 0 || c.CorruptPct > 100 {
		return fmt.Errorf("chaos corrupt pct %d out of range 0-100", c.CorruptPct)
	}
	if c.DelayMsMin < 0 || c.DelayMsMax < c.DelayMsMin {
		return fmt.Errorf("chaos delay range %d-%d is invalid", c.DelayMsMin, c.DelayMsMax)
	}
	if _, err := ParseProfile(c.Profile); err != nil {
		return err
	}
	return nil
}

// Profile is the parsed form of a profile string
type Profile struct {
	DropPct    int
	CorruptPct int
	DelayMsMin int
	DelayMsMax int
}

// ParseProfile parses a profile string like "drop-pct=30,corrupt-pct=10,delay=50-250"
func ParseProfile(profile string) (Profile, error) {
	var p Profile
	if profile == "" {
		return p, nil
	}

	for _, part := range strings.Split(profile, ",") {
		part = strings.TrimSpace(part)
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Profile{}, fmt.Errorf("invalid chaos profile entry %q", part)
		}

		var err error
		switch key {
		case "drop-pct":
			p.DropPct, err = parsePct(key, val)
		case "corrupt-pct":
			p.CorruptPct, err = parsePct(key, val)
		case "delay":
			p.DelayMsMin, p.DelayMsMax, err = parseRange(val)
		default:
			err = fmt.Errorf("unknown chaos profile key %q", key)
		}
		if err != nil {
			return Profile{}, err
		}
	}

	return p, nil
}

func parsePct(key, val string) (int, error) {
	pct, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if pct < 0 || pct > 100 {
		return 0, fmt.Errorf("invalid %s: %d out of range 0-100", key, pct)
	}
	return pct, nil
}

func parseRange(val string) (int, int, error) {
	lo, hi, ok := strings.Cut(val, "-")
	if !ok {
		hi = lo
	}
	minMs, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid delay min: %w", err)
	}
	maxMs, err := strconv.Atoi(hi)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid delay max: %w", err)
	}
	if minMs < 0 || maxMs < minMs {
		return 0, 0, fmt.Errorf("invalid delay range %d-%d", minMs, maxMs)
	}
	return minMs, maxMs, nil
}
