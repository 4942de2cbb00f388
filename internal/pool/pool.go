// Pool's core acquire/release protocol (§4.3): a warmup fast path, a short
// burst probe against the idle queue, serialized growth up to a configured
// ceiling, and a dirty-on-invalid retry loop — backed by the fair
// idleQueue and watched over by an optional background Watcher enforcing
// lease/idle timeouts.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionpool/dbpool/internal/metrics"
)

// WatcherConfig configures the background timeout-enforcement task (§4.5).
// A zero MaxLease, MaxIdle or ScanInterval is replaced by its default in
// applyDefaults, so zero does not disable a timeout; a negative MaxLease
// or MaxIdle disables that timeout.
type WatcherConfig struct {
	MaxLease     time.Duration
	MaxIdle      time.Duration
	ScanInterval time.Duration
	// EvictThreshold is the expiry count at which a lease is force-evicted:
	// the scan that records the EvictThreshold-th expiry of the same lease
	// evicts it. 0 disables eviction escalation
	// entirely — an expired lease is only ever warned about, never force
	// evicted on threshold alone (a terminated borrower is still evicted
	// immediately, independent of this setting).
	EvictThreshold int
	Interrupt      bool
	CloseEvicted   bool
	// CloseEvictedOnlyWhenBorrowerTerminated, if true, narrows
	// CloseEvicted to only fire once the borrower itself has ended.
	CloseEvictedOnlyWhenBorrowerTerminated bool
}

// applyDefaults fills in zero-valued durations with their defaults.
// EvictThreshold is intentionally left untouched: 0 is a valid,
// meaningful configuration ("never escalate on threshold"), not an unset
// field.
func (c WatcherConfig) applyDefaults() WatcherConfig {
	if c.MaxLease == 0 {
		c.MaxLease = 120 * time.Second
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 60 * time.Second
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = time.Second
	}
	return c
}

// Config configures a Pool (§6). Name identifies the pool in logs and
// metrics labels; if empty it is derived from the factory's Describe().
type Config struct {
	Name           string
	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
	BurstProbe     time.Duration

	// DisableWatcher skips starting the background watcher even if
	// Watcher.MaxLease/MaxIdle are non-zero — useful for tests that want
	// deterministic, single-threaded timeout handling.
	DisableWatcher bool
	Watcher        WatcherConfig
}

// Pool is a bounded set of live sessions lent to concurrent callers (§1,
// §4.3). The zero value is not usable; construct with New.
type Pool struct {
	name    string
	factory Factory

	minSize int
	maxSize int

	growthMu sync.Mutex

	registry sync.Map // Session -> *pooledEntry; concurrent map, lock-free reads

	openCount    atomic.Int64
	createdTotal atomic.Int64
	invalidTotal atomic.Int64

	idle *idleQueue

	closed    atomic.Bool
	closeOnce sync.Once

	watcher *Watcher

	burstProbe            time.Duration
	defaultAcquireTimeout time.Duration
	defaultLeaseTimeout   time.Duration

	borrowerSeq atomic.Uint64
}

// New constructs a Pool against factory. The pool is not yet usable for
// warmup/watcher purposes until Open is called.
func New(factory Factory, cfg Config) (*Pool, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("pool: max_size must be positive")
	}
	if cfg.MinSize < 0 || cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("pool: min_size must be between 0 and max_size")
	}

	name := cfg.Name
	if name == "" && factory != nil {
		name = factory.Describe()
	}

	burst := cfg.BurstProbe
	if burst <= 0 {
		burst = idleProbeWait
	}
	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}

	wcfg := cfg.Watcher.applyDefaults()

	p := &Pool{
		name:                  name,
		factory:               factory,
		minSize:               cfg.MinSize,
		maxSize:               cfg.MaxSize,
		idle:                  newIdleQueue(cfg.MaxSize),
		burstProbe:            burst,
		defaultAcquireTimeout: acquireTimeout,
		defaultLeaseTimeout:   cfg.Watcher.MaxLease,
	}

	if !cfg.DisableWatcher && (wcfg.MaxLease > 0 || wcfg.MaxIdle > 0) {
		p.watcher = newWatcher(p, wcfg)
	}

	metrics.Max.WithLabelValues(p.name).Set(float64(cfg.MaxSize))

	return p, nil
}

// SetFactory swaps the pool's factory. Intended for use before Open.
func (p *Pool) SetFactory(f Factory) { p.factory = f }

// Factory returns the pool's current factory.
func (p *Pool) Factory() Factory { return p.factory }

// Open warms the pool up to MinSize sessions and, if any time bound is
// configured, starts the watcher (§4.3 "Open"). It is rejected if the pool
// was previously closed — close is terminal.
func (p *Pool) Open(failFast bool) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if p.factory == nil {
		return ErrFactoryMissing
	}

	warmed := 0
	for i := 0; i < p.minSize; i++ {
		session, err := p.acquireWarmup()
		if err != nil {
			if failFast {
				p.forceRemoveAll()
				return fmt.Errorf("pool: %s: warmup failed: %w", p.name, err)
			}
			log.Printf("[pool] %s: warmup session %d/%d failed, continuing with fewer: %v",
				p.name, i+1, p.minSize, err)
			continue
		}
		warmed++
		p.Release(session)
	}

	if p.watcher != nil {
		p.watcher.start()
	}

	log.Printf("[pool] %s: opened with %d/%d warm sessions, max=%d", p.name, warmed, p.minSize, p.maxSize)
	return nil
}

func (p *Pool) acquireWarmup() (Session, error) {
	return p.AcquireWithBorrower(context.Background(), p.defaultAcquireTimeout, p.defaultLeaseTimeout,
		Borrower{ID: "warmup"})
}

// forceRemoveAll closes and removes every entry created so far. Used when
// Open(failFast=true) aborts partway through warmup.
func (p *Pool) forceRemoveAll() {
	p.registry.Range(func(key, value any) bool {
		entry := value.(*pooledEntry)
		p.registry.Delete(key)
		p.openCount.Add(-1)
		p.factory.Close(entry.session, false)
		return true
	})
}

// Acquire borrows a session using the pool's default acquire and lease
// timeouts.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	return p.AcquireWithBorrower(ctx, 0, 0, p.anonymousBorrower(ctx))
}

// AcquireTimeout borrows a session, bounding the wait to acquireTimeout.
func (p *Pool) AcquireTimeout(ctx context.Context, acquireTimeout time.Duration) (Session, error) {
	return p.AcquireWithBorrower(ctx, acquireTimeout, 0, p.anonymousBorrower(ctx))
}

// AcquireLease borrows a session, bounding both the wait and the lease
// itself once granted.
func (p *Pool) AcquireLease(ctx context.Context, acquireTimeout, leaseTimeout time.Duration) (Session, error) {
	return p.AcquireWithBorrower(ctx, acquireTimeout, leaseTimeout, p.anonymousBorrower(ctx))
}

func (p *Pool) anonymousBorrower(ctx context.Context) Borrower {
	id := fmt.Sprintf("borrower-%d", p.borrowerSeq.Add(1))
	return Borrower{
		ID: id,
		StateFn: func() BorrowerState {
			if ctx.Err() != nil {
				return BorrowerStateTerminated
			}
			return BorrowerStateRunning
		},
	}
}

// AcquireWithBorrower is the full acquire algorithm (§4.3). borrower is
// recorded on the entry for the duration of the lease, so the watcher can
// attempt an interrupt or recognize termination on lease expiry.
//
// Step 1 is the warmup fast path: below MinSize, growth bypasses the idle
// queue entirely. The main loop then alternates a short burst probe against
// the idle queue (so a sudden release can be reused before paying for a
// new session), a growth attempt, and a longer wait bounded by the
// remaining acquire budget — retrying on any popped entry that turns out
// to be dirty or fails validation.
func (p *Pool) AcquireWithBorrower(ctx context.Context, acquireTimeout, leaseTimeout time.Duration, borrower Borrower) (Session, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	if acquireTimeout <= 0 {
		acquireTimeout = p.defaultAcquireTimeout
	}
	if leaseTimeout <= 0 {
		leaseTimeout = p.defaultLeaseTimeout
	}
	deadline := start.Add(acquireTimeout)

	// Warmup fast path.
	if p.OpenCount() < p.minSize {
		entry, err := p.grow(ctx)
		if err == nil {
			entry.markLeased(borrower, leaseTimeout)
			metrics.AcquireResult.WithLabelValues(p.name, "created").Inc()
			return entry.session, nil
		}
		if !errors.Is(err, errPoolFull) {
			return nil, err
		}
	}

	for {
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}
		if !time.Now().Before(deadline) {
			return nil, ErrAcquireTimeout
		}

		entry := p.idle.takeEntry(ctx, p.burstProbe)

		if entry == nil && p.OpenCount() < p.maxSize {
			grown, err := p.grow(ctx)
			if err == nil {
				grown.markLeased(borrower, leaseTimeout)
				metrics.AcquireResult.WithLabelValues(p.name, "created").Inc()
				return grown.session, nil
			}
			if !errors.Is(err, errPoolFull) {
				return nil, err
			}
		}

		if entry == nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("pool: %s: %w", p.name, ErrAcquireInterrupted)
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrAcquireTimeout
			}
			entry = p.idle.takeEntry(ctx, remaining)
			if entry == nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("pool: %s: %w", p.name, ErrAcquireInterrupted)
				}
				return nil, ErrAcquireTimeout
			}
		}

		if !entry.isDirty() {
			if err := p.factory.Validate(ctx, entry.session); err != nil {
				entry.markDirty()
				p.invalidTotal.Add(1)
				metrics.InvalidTotal.WithLabelValues(p.name).Inc()
			}
		}

		if entry.isDirty() {
			p.removeFromRegistry(entry)
			p.factory.Close(entry.session, false)
			metrics.AcquireResult.WithLabelValues(p.name, "retry_dirty").Inc()
			continue
		}

		entry.markLeased(borrower, leaseTimeout)
		metrics.AcquireResult.WithLabelValues(p.name, "reused").Inc()
		metrics.AcquireWaitSeconds.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
		return entry.session, nil
	}
}

// grow serializes session creation under a dedicated mutex so the database
// is never stormed by concurrent opens. The factory call happens inside
// the lock — sessions are created one at a time, by design (§4.3
// "Growth").
func (p *Pool) grow(ctx context.Context) (*pooledEntry, error) {
	p.growthMu.Lock()
	defer p.growthMu.Unlock()

	if p.OpenCount() >= p.maxSize {
		return nil, errPoolFull
	}

	session, err := p.factory.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: %s: opening session: %w", p.name, err)
	}

	entry := newPooledEntry(session)
	p.registry.Store(session, entry)
	p.openCount.Add(1)
	p.createdTotal.Add(1)
	metrics.CreatedTotal.WithLabelValues(p.name).Inc()
	p.updateGauges()
	return entry, nil
}

// Release returns session to the pool, or discards it if it was marked
// dirty (§4.3 "Release").
func (p *Pool) Release(session Session) {
	if session == nil {
		return
	}

	v, ok := p.registry.Load(session)
	if !ok {
		log.Printf("[pool] %s: release of a session not in pool, closing directly", p.name)
		p.factory.Close(session, false)
		metrics.AcquireResult.WithLabelValues(p.name, "release_not_in_pool").Inc()
		return
	}
	entry := v.(*pooledEntry)

	if !entry.isLeased() {
		log.Printf("[pool] %s: release of an already-released session, ignoring", p.name)
		metrics.AcquireResult.WithLabelValues(p.name, "release_already_released").Inc()
		return
	}

	entry.markReleased()

	if entry.isDirty() {
		p.removeFromRegistry(entry)
		p.factory.Close(entry.session, true)
		metrics.AcquireResult.WithLabelValues(p.name, "release_dirty").Inc()
		return
	}

	p.idle.returnEntry(entry)
	p.updateGauges()
	metrics.AcquireResult.WithLabelValues(p.name, "released").Inc()
}

// MarkDirty flags session for removal on its next release or acquire
// validation pass. Returns false if session is not known to the pool.
func (p *Pool) MarkDirty(session Session) bool {
	v, ok := p.registry.Load(session)
	if !ok {
		return false
	}
	v.(*pooledEntry).markDirty()
	return true
}

// Flush marks every entry dirty. No session closes immediately — closure
// happens lazily on release or on acquire's validation path, so concurrent
// acquires/releases continue undisturbed.
func (p *Pool) Flush() {
	p.registry.Range(func(_, value any) bool {
		value.(*pooledEntry).markDirty()
		return true
	})
}

// Close transitions the pool to its terminal closed state: the watcher is
// stopped, every registered session is closed via the factory, and the
// registry is cleared. Close is idempotent and never fails.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.watcher != nil {
			p.watcher.Stop()
		}
		p.registry.Range(func(key, value any) bool {
			entry := value.(*pooledEntry)
			p.factory.Close(entry.session, true)
			p.registry.Delete(key)
			p.openCount.Add(-1)
			return true
		})
		p.updateGauges()
		log.Printf("[pool] %s: closed", p.name)
	})
	return nil
}

func (p *Pool) removeFromRegistry(entry *pooledEntry) {
	p.registry.Delete(entry.session)
	p.openCount.Add(-1)
	p.updateGauges()
}

func (p *Pool) updateGauges() {
	metrics.Open.WithLabelValues(p.name).Set(float64(p.OpenCount()))
	metrics.Idle.WithLabelValues(p.name).Set(float64(p.IdleCount()))
}

// OpenCount is the number of live sessions, leased or idle.
func (p *Pool) OpenCount() int { return int(p.openCount.Load()) }

// IdleCount is the number of sessions currently sitting in the idle queue.
func (p *Pool) IdleCount() int { return p.idle.length() }

// UsedCount is the number of sessions currently leased.
func (p *Pool) UsedCount() int { return p.OpenCount() - p.IdleCount() }

// CreatedTotal is the monotonic count of sessions ever opened.
func (p *Pool) CreatedTotal() int64 { return p.createdTotal.Load() }

// InvalidTotal is the monotonic count of validation failures observed.
func (p *Pool) InvalidTotal() int64 { return p.invalidTotal.Load() }

// Name returns the pool's identity, used in logs and metrics labels.
func (p *Pool) Name() string { return p.name }

// Status renders a one-line human-readable summary for logs/diagnostics.
func (p *Pool) Status() string {
	return fmt.Sprintf("pool=%s open=%d idle=%d used=%d max=%d closed=%v",
		p.name, p.OpenCount(), p.IdleCount(), p.UsedCount(), p.maxSize, p.closed.Load())
}

// Watcher exposes the pool's background watcher, or nil if none is
// configured.
func (p *Pool) Watcher() *Watcher { return p.watcher }
