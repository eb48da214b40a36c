package harness

import "sync"

// Counters is a point-in-time view of classified responses.
// Total always equals Acks+Rejects+Fills+Unknown; DecodeErrors are not part of Total.
type Counters struct {
	Total        uint64 `json:"total"`
	Acks         uint64 `json:"acks"`
	Rejects      uint64 `json:"rejects"`
	Fills        uint64 `json:"fills"`
	Unknown      uint64 `json:"unknown"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// Consistent reports whether Total matches the per-kind counts
func (c Counters) Consistent() bool {
	return c.Total == c.Acks+c.Rejects+c.Fills+c.Unknown
}

// tally guards Counters so that a kind and Total always move together.
// After seal no further updates are applied.
type tally struct {
	mu     sync.Mutex
	c      Counters
	sealed bool
}

func (t *tally) record(kind ResponseKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return false
	}
	switch kind {
	case KindAck:
		t.c.Acks++
	case KindReject:
		t.c.Rejects++
	case KindFill:
		t.c.Fills++
	default:
		t.c.Unknown++
	}
	t.c.Total++
	return true
}

func (t *tally) recordDecodeError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return false
	}
	t.c.DecodeErrors++
	return true
}

func (t *tally) snapshot() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

func (t *tally) seal() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	return t.c
}
