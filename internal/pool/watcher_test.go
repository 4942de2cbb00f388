package pool

import (
	"context"
	"testing"
	"time"
)

// TestScanLeasesEvictsTerminatedBorrower verifies a lease past MaxLease
// whose borrower reports itself terminated is evicted on the first scan,
// without waiting for EvictThreshold warnings (§4.5 "Lease timeout").
func TestScanLeasesEvictsTerminatedBorrower(t *testing.T) {
	factory := newFakeFactory()
	p, err := New(factory, Config{
		Name: "lease-evict", MinSize: 0, MaxSize: 1, DisableWatcher: true,
		Watcher: WatcherConfig{MaxLease: time.Millisecond, CloseEvicted: true},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Open(true); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()

	terminated := true
	_, err = p.AcquireWithBorrower(context.Background(), 0, time.Millisecond, Borrower{
		ID: "b1",
		StateFn: func() BorrowerState {
			if terminated {
				return BorrowerStateTerminated
			}
			return BorrowerStateRunning
		},
	})
	if err != nil {
		t.Fatalf("AcquireWithBorrower() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	w := newWatcher(p, WatcherConfig{MaxLease: time.Millisecond, EvictThreshold: 3, CloseEvicted: true}.applyDefaults())
	w.scanLeases()

	if got := w.EvictedTotal(); got != 1 {
		t.Fatalf("EvictedTotal() = %d, want 1", got)
	}
	if got := p.OpenCount(); got != 0 {
		t.Fatalf("OpenCount() after eviction = %d, want 0", got)
	}
	if got := factory.closes.Load(); got != 1 {
		t.Fatalf("factory closes = %d, want 1", got)
	}
}

// TestScanLeasesWarnsBeforeEvictThreshold verifies a lease past MaxLease
// with a running (non-terminated) borrower is only warned about, not
// evicted, until EvictThreshold scans have observed it.
func TestScanLeasesWarnsBeforeEvictThreshold(t *testing.T) {
	factory := newFakeFactory()
	p, err := New(factory, Config{
		Name: "lease-warn", MinSize: 0, MaxSize: 1, DisableWatcher: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Open(true); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()

	_, err = p.AcquireWithBorrower(context.Background(), 0, time.Millisecond, Borrower{
		ID:      "b1",
		StateFn: func() BorrowerState { return BorrowerStateRunning },
	})
	if err != nil {
		t.Fatalf("AcquireWithBorrower() error = %v", err)
	}

	time.Sleep(3 * time.Millisecond)

	wcfg := WatcherConfig{MaxLease: time.Millisecond, EvictThreshold: 3}.applyDefaults()
	w := newWatcher(p, wcfg)

	w.scanLeases()
	if got := w.EvictedTotal(); got != 0 {
		t.Fatalf("EvictedTotal() after first scan = %d, want 0", got)
	}
	if got := p.OpenCount(); got != 1 {
		t.Fatalf("OpenCount() after first scan = %d, want 1 (not yet evicted)", got)
	}
}

// TestScanIdlePrunesDownToMinSize verifies idle sessions older than
// MaxIdle are closed one at a time until OpenCount reaches MinSize, and
// no further (§4.5 "Idle timeout").
func TestScanIdlePrunesDownToMinSize(t *testing.T) {
	factory := newFakeFactory()
	p, err := New(factory, Config{
		Name: "idle-prune", MinSize: 1, MaxSize: 3, DisableWatcher: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Open(true); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	s1, _ := p.Acquire(ctx)
	s2, _ := p.Acquire(ctx)
	p.Release(s1)
	p.Release(s2)

	if got := p.OpenCount(); got != 2 {
		t.Fatalf("OpenCount() before prune = %d, want 2", got)
	}

	time.Sleep(3 * time.Millisecond)

	wcfg := WatcherConfig{MaxIdle: time.Millisecond}.applyDefaults()
	w := newWatcher(p, wcfg)
	w.scanIdle()

	if got := p.OpenCount(); got != 1 {
		t.Fatalf("OpenCount() after prune = %d, want 1 (MinSize)", got)
	}
	if got := w.IdledTotal(); got != 1 {
		t.Fatalf("IdledTotal() = %d, want 1", got)
	}
}
