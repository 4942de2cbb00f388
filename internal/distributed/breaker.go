package distributed

import (
	"sync/atomic"
	"time"
)

// breaker trips after consecutive Redis failures and stays open for a
// cooldown window before letting one probe call through, mirroring the
// original coordinator's fallbackMode flag — except here there is no
// local-accounting fallback to switch to, because Layer never carries
// authoritative state. Tripping it just means "skip the optional Redis
// call this round".
type breaker struct {
	open           atomic.Bool
	openedAtNano   atomic.Int64
	consecutiveErr atomic.Int32

	threshold int32
	cooldown  time.Duration
}

func newBreaker() *breaker {
	return &breaker{threshold: 3, cooldown: 10 * time.Second}
}

// allow reports whether a call should be attempted. When open, it permits
// exactly one probe attempt per cooldown window.
func (b *breaker) allow() bool {
	if !b.open.Load() {
		return true
	}
	openedAt := b.openedAtNano.Load()
	if time.Since(time.Unix(0, openedAt)) < b.cooldown {
		return false
	}
	// Restart the window so only the caller that wins this swap probes.
	return b.openedAtNano.CompareAndSwap(openedAt, time.Now().UnixNano())
}

// record updates the breaker's state from the outcome of an allowed call.
func (b *breaker) record(err error) {
	if err == nil {
		b.consecutiveErr.Store(0)
		b.open.Store(false)
		return
	}
	n := b.consecutiveErr.Add(1)
	if n >= b.threshold {
		if !b.open.Load() {
			b.openedAtNano.Store(time.Now().UnixNano())
		}
		b.open.Store(true)
	}
}
