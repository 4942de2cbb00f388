package pool

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionpool/dbpool/internal/metrics"
)

// Watcher is the pool's background enforcer of lease and idle timeouts
// (§4.5). It never blocks acquire/release — it only scans the registry and
// the idle queue's tail on a ticker, acting on what it finds.
type Watcher struct {
	pool *Pool
	cfg  WatcherConfig

	expiredTotal atomic.Int64
	idledTotal   atomic.Int64
	evictedTotal atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newWatcher(p *Pool, cfg WatcherConfig) *Watcher {
	return &Watcher{
		pool:   p,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

func (w *Watcher) start() {
	w.wg.Add(1)
	go w.loop()
}

// loop ticks at cfg.ScanInterval, running scanLeases then scanIdle each
// time. A panic inside a scan is recovered, logged as a WatcherFatal
// condition, and terminates the loop — the pool itself is unaffected and
// keeps serving acquire/release; it simply loses timeout enforcement.
func (w *Watcher) loop() {
	defer w.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pool] %s: watcher terminated by panic (WatcherFatal): %v", w.pool.name, r)
		}
	}()

	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.scanLeases()
			w.scanIdle()
		}
	}
}

// Stop terminates the watcher loop and waits for it to exit. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// scanLeases walks every registered entry looking for leases that have
// outrun MaxLease (§4.5 "Lease timeout"). A borrower that looks terminated
// is evicted outright regardless of EvictThreshold; one that is merely
// past EvictThreshold scans (when EvictThreshold > 0 — 0 disables this
// escalation path entirely) is evicted the same way. Anything else gets
// its Cancel invoked (if supplied) before being given another expiry
// window to wind down on its own.
func (w *Watcher) scanLeases() {
	if w.cfg.MaxLease <= 0 {
		return
	}

	w.pool.registry.Range(func(_, value any) bool {
		entry := value.(*pooledEntry)
		if !entry.isLeased() {
			return true
		}
		maxLease := entry.effectiveMaxLease(w.cfg.MaxLease)
		if entry.waitElapsed() < maxLease {
			return true
		}

		borrower, hasBorrower := entry.currentBorrower()
		state := BorrowerStateUnknown
		if hasBorrower && borrower.StateFn != nil {
			state = borrower.StateFn()
		}

		terminated := state == BorrowerStateTerminated
		entry.markDirty()
		count := entry.incrementExpired()

		w.expiredTotal.Add(1)
		metrics.ExpiredTotal.WithLabelValues(w.pool.name).Inc()

		if terminated || (w.cfg.EvictThreshold > 0 && int(count) >= w.cfg.EvictThreshold) {
			w.evict(entry, terminated, false)
			return true
		}

		interrupted := false
		if w.cfg.Interrupt && hasBorrower && borrower.Cancel != nil {
			borrower.Cancel()
			interrupted = true
		}

		if interrupted {
			log.Printf("[pool] %s: lease expired for borrower=%s (site=%s), interrupt attempt %d/%d",
				w.pool.name, borrower.ID, borrower.Site, count, w.cfg.EvictThreshold)
		} else {
			log.Printf("[pool] %s: lease expired, no interrupt available, warning %d/%d",
				w.pool.name, count, w.cfg.EvictThreshold)
		}

		entry.resetWaitStart()
		return true
	})
}

// evict removes entry from the pool's accounting immediately and decides,
// per the two closeEvicted* policy settings, whether the underlying session
// is closed right away or left for the borrower (if it ever does return
// Release) to discover it is no longer known to the pool.
func (w *Watcher) evict(entry *pooledEntry, borrowerTerminated, borrowerInterrupted bool) {
	w.evictedTotal.Add(1)
	metrics.EvictedTotal.WithLabelValues(w.pool.name).Inc()

	w.pool.registry.Delete(entry.session)
	w.pool.openCount.Add(-1)
	w.pool.updateGauges()

	closeIt := w.cfg.CloseEvicted
	if closeIt && w.cfg.CloseEvictedOnlyWhenBorrowerTerminated && !borrowerTerminated {
		closeIt = false
	}

	borrower, _ := entry.currentBorrower()
	log.Printf("[pool] %s: evicting session borrower=%s terminated=%v interrupted=%v close=%v",
		w.pool.name, borrower.ID, borrowerTerminated, borrowerInterrupted, closeIt)

	if closeIt {
		w.pool.factory.Close(entry.session, true)
	}
}

// scanIdle prunes idle sessions sitting beyond MaxIdle, down to MinSize
// (§4.5 "Idle timeout"). It only ever removes from the tail — the oldest
// idle entry — using the idle queue's verified removeOldestIdle so it
// never races a concurrent acquire for the same entry.
func (w *Watcher) scanIdle() {
	if w.cfg.MaxIdle <= 0 {
		return
	}

	for w.pool.OpenCount() > w.pool.minSize {
		candidate := w.pool.idle.peekTail()
		if candidate == nil {
			return
		}
		if candidate.waitElapsed() < w.cfg.MaxIdle {
			return
		}

		removed, ok := w.pool.idle.removeOldestIdle(candidate)
		if !ok {
			return
		}

		w.pool.registry.Delete(removed.session)
		w.pool.openCount.Add(-1)
		w.pool.updateGauges()

		w.idledTotal.Add(1)
		metrics.IdledTotal.WithLabelValues(w.pool.name).Inc()

		w.pool.factory.Close(removed.session, false)
		log.Printf("[pool] %s: idle session closed after %s", w.pool.name, w.cfg.MaxIdle)
	}
}

// ExpiredTotal is the monotonic count of lease-expiry detections.
func (w *Watcher) ExpiredTotal() int64 { return w.expiredTotal.Load() }

// IdledTotal is the monotonic count of idle-timeout prunings.
func (w *Watcher) IdledTotal() int64 { return w.idledTotal.Load() }

// EvictedTotal is the monotonic count of lease evictions.
func (w *Watcher) EvictedTotal() int64 { return w.evictedTotal.Load() }
