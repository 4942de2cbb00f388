package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// BorrowerState is a best-effort snapshot of what a borrower is doing,
// used by the watcher to decide whether an expired lease should be
// escalated to an interrupt or an eviction (§4.5, §9).
type BorrowerState int

const (
	// BorrowerStateUnknown means no state introspection was available.
	BorrowerStateUnknown BorrowerState = iota
	// BorrowerStateRunning means the borrower is actively working.
	BorrowerStateRunning
	// BorrowerStateWaiting means the borrower is blocked in an
	// interruptible wait and can be woken by Cancel.
	BorrowerStateWaiting
	// BorrowerStateTerminated means the borrower has already ended.
	BorrowerStateTerminated
)

// Borrower identifies whoever currently holds a leased session and how the
// watcher may reach them. Cancel and StateFn are optional: without them
// the watcher can still mark a lease dirty and log a warning, but cannot
// interrupt or force-evict based on borrower lifecycle. Site substitutes
// for a captured call stack when the host has no richer introspection
// (§9 "Stack snapshot").
type Borrower struct {
	ID      string
	Cancel  func()
	StateFn func() BorrowerState
	Site    string
}

// pooledEntry is the per-session bookkeeping record (§3). Exactly one
// exists per live session, for its entire lifetime from creation to
// termination.
type pooledEntry struct {
	session Session

	// leased and dirty are read by the watcher without holding any lock;
	// atomicity is required only per-field (§5, ordering guarantee 4).
	leased atomic.Bool
	dirty  atomic.Bool

	// waitStartNano marks either "lease began" or "became idle", in
	// UnixNano, so it can be read lock-free alongside leased.
	waitStartNano atomic.Int64
	maxLeaseNano  atomic.Int64
	expiredCount  atomic.Int32

	borrowerMu  sync.Mutex
	borrower    Borrower
	hasBorrower bool
}

func newPooledEntry(session Session) *pooledEntry {
	e := &pooledEntry{session: session}
	e.waitStartNano.Store(time.Now().UnixNano())
	return e
}

// markLeased sets leased=true, records the borrower, resets waitStart to
// now, and stores the lease's deadline bound (§4.2).
func (e *pooledEntry) markLeased(b Borrower, maxLease time.Duration) {
	e.borrowerMu.Lock()
	e.borrower = b
	e.hasBorrower = true
	e.borrowerMu.Unlock()

	e.maxLeaseNano.Store(int64(maxLease))
	e.waitStartNano.Store(time.Now().UnixNano())
	e.leased.Store(true)
}

// markReleased clears the borrower, sets leased=false, resets waitStart.
func (e *pooledEntry) markReleased() {
	e.borrowerMu.Lock()
	e.borrower = Borrower{}
	e.hasBorrower = false
	e.borrowerMu.Unlock()

	e.leased.Store(false)
	e.waitStartNano.Store(time.Now().UnixNano())
}

// markDirty is idempotent: once true, always true.
func (e *pooledEntry) markDirty() {
	e.dirty.Store(true)
}

func (e *pooledEntry) isDirty() bool  { return e.dirty.Load() }
func (e *pooledEntry) isLeased() bool { return e.leased.Load() }

// waitElapsed returns now minus waitStart.
func (e *pooledEntry) waitElapsed() time.Duration {
	return time.Since(time.Unix(0, e.waitStartNano.Load()))
}

// resetWaitStart silences duplicate lease-expiry warnings within the same
// expiry window (§4.2).
func (e *pooledEntry) resetWaitStart() {
	e.waitStartNano.Store(time.Now().UnixNano())
}

func (e *pooledEntry) currentBorrower() (Borrower, bool) {
	e.borrowerMu.Lock()
	defer e.borrowerMu.Unlock()
	return e.borrower, e.hasBorrower
}

func (e *pooledEntry) incrementExpired() int32 {
	return e.expiredCount.Add(1)
}

// effectiveMaxLease returns the lease timeout recorded for this entry's
// current borrow (via AcquireLease/AcquireWithBorrower), or fallback if
// none was set (0 means "use the watcher's pool-wide default").
func (e *pooledEntry) effectiveMaxLease(fallback time.Duration) time.Duration {
	if v := e.maxLeaseNano.Load(); v > 0 {
		return time.Duration(v)
	}
	return fallback
}
