package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestPool(t *testing.T, factory *fakeFactory, cfg Config) *Pool {
	t.Helper()
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 5
	}
	cfg.DisableWatcher = true
	p, err := New(factory, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Open(true); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// TestAcquireGrowsUpToMax verifies the pool grows sessions on demand but
// never beyond MaxSize (§3 invariant 1, §8 Bound).
func TestAcquireGrowsUpToMax(t *testing.T) {
	factory := newFakeFactory()
	p := newTestPool(t, factory, Config{Name: "bound", MinSize: 0, MaxSize: 3})

	ctx := context.Background()
	var sessions []Session
	for i := 0; i < 3; i++ {
		s, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire() #%d error = %v", i, err)
		}
		sessions = append(sessions, s)
	}

	if got := p.OpenCount(); got != 3 {
		t.Fatalf("OpenCount() = %d, want 3", got)
	}

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx2); !errors.Is(err, ErrAcquireTimeout) && !errors.Is(err, ErrAcquireInterrupted) {
		t.Fatalf("Acquire() beyond max error = %v, want timeout/interrupted", err)
	}

	for _, s := range sessions {
		p.Release(s)
	}
}

// TestReleaseReusesIdleSession verifies a released session is handed back
// out on the next acquire rather than a new one being created.
func TestReleaseReusesIdleSession(t *testing.T) {
	factory := newFakeFactory()
	p := newTestPool(t, factory, Config{Name: "reuse", MinSize: 0, MaxSize: 2})

	ctx := context.Background()
	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(s1)

	s2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if factory.opens.Load() != 1 {
		t.Fatalf("factory opens = %d, want 1 (session should have been reused)", factory.opens.Load())
	}
	if s1 != s2 {
		t.Fatalf("expected the same session to be reused")
	}
	p.Release(s2)
}

// TestMarkDirtyDiscardsOnRelease verifies a session flagged dirty is
// closed rather than returned to the idle queue.
func TestMarkDirtyDiscardsOnRelease(t *testing.T) {
	factory := newFakeFactory()
	p := newTestPool(t, factory, Config{Name: "dirty", MinSize: 0, MaxSize: 2})

	ctx := context.Background()
	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if ok := p.MarkDirty(s1); !ok {
		t.Fatalf("MarkDirty() = false, want true")
	}
	p.Release(s1)

	if got := factory.closes.Load(); got != 1 {
		t.Fatalf("factory closes = %d, want 1", got)
	}
	if got := p.OpenCount(); got != 0 {
		t.Fatalf("OpenCount() = %d, want 0", got)
	}
}

// TestFlushMarksEverythingDirtyLazily verifies Flush doesn't close
// anything synchronously — only release/validate discovers the dirty
// flag and discards the session (§4.3 "Flush").
func TestFlushMarksEverythingDirtyLazily(t *testing.T) {
	factory := newFakeFactory()
	p := newTestPool(t, factory, Config{Name: "flush", MinSize: 0, MaxSize: 2})

	ctx := context.Background()
	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	p.Flush()
	if got := factory.closes.Load(); got != 0 {
		t.Fatalf("factory closes = %d immediately after Flush, want 0", got)
	}

	p.Release(s1)
	if got := factory.closes.Load(); got != 1 {
		t.Fatalf("factory closes = %d after releasing a flushed session, want 1", got)
	}
}

// TestAcquireRetriesPastInvalidSession verifies that a session failing
// validation during acquire is discarded and replaced transparently.
func TestAcquireRetriesPastInvalidSession(t *testing.T) {
	factory := newFakeFactory()
	p := newTestPool(t, factory, Config{Name: "invalid", MinSize: 0, MaxSize: 1})

	ctx := context.Background()
	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	factory.markInvalid(s1.(*fakeSession))
	p.Release(s1)

	s2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after invalid release error = %v", err)
	}
	if s2 == s1 {
		t.Fatalf("expected a fresh session after the prior one failed validation")
	}
	if got := factory.opens.Load(); got != 2 {
		t.Fatalf("factory opens = %d, want 2", got)
	}
	p.Release(s2)
}

// TestReleaseUnknownSessionClosesDirectly verifies releasing a session the
// pool never issued is closed rather than silently accepted.
func TestReleaseUnknownSessionClosesDirectly(t *testing.T) {
	factory := newFakeFactory()
	p := newTestPool(t, factory, Config{Name: "unknown", MinSize: 0, MaxSize: 1})

	p.Release(&fakeSession{id: -1})
	if got := factory.closes.Load(); got != 1 {
		t.Fatalf("factory closes = %d, want 1", got)
	}
}

// TestDoubleReleaseIsIgnored verifies releasing the same session twice
// does not double-count it back into the idle queue.
func TestDoubleReleaseIsIgnored(t *testing.T) {
	factory := newFakeFactory()
	p := newTestPool(t, factory, Config{Name: "double-release", MinSize: 0, MaxSize: 1})

	ctx := context.Background()
	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(s1)
	p.Release(s1)

	if got := p.IdleCount(); got != 1 {
		t.Fatalf("IdleCount() = %d, want 1 (second release must be a no-op)", got)
	}
}

// TestCloseClosesEverySession verifies Close discards all open sessions,
// leased or idle, and rejects further acquires (§4.3 "Close").
func TestCloseClosesEverySession(t *testing.T) {
	factory := newFakeFactory()
	p, err := New(factory, Config{Name: "close", MinSize: 2, MaxSize: 2, DisableWatcher: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Open(true); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := factory.closes.Load(); got != 2 {
		t.Fatalf("factory closes = %d, want 2", got)
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Acquire() after Close error = %v, want ErrPoolClosed", err)
	}

	// Close must be idempotent.
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

// TestConcurrentAcquireReleaseStaysWithinBound hammers the pool from many
// goroutines and asserts OpenCount never exceeds MaxSize (§8 Bound).
func TestConcurrentAcquireReleaseStaysWithinBound(t *testing.T) {
	factory := newFakeFactory()
	p := newTestPool(t, factory, Config{Name: "concurrent", MinSize: 0, MaxSize: 4, AcquireTimeout: time.Second})

	const workers = 20
	const iterations = 25

	var wg sync.WaitGroup
	var maxObserved atomicMaxTracker

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				s, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire() error = %v", err)
					return
				}
				maxObserved.observe(p.OpenCount())
				p.Release(s)
			}
		}()
	}
	wg.Wait()

	if maxObserved.get() > 4 {
		t.Fatalf("observed OpenCount %d exceeding MaxSize 4", maxObserved.get())
	}
}

type atomicMaxTracker struct {
	mu  sync.Mutex
	max int
}

func (t *atomicMaxTracker) observe(v int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v > t.max {
		t.max = v
	}
}

func (t *atomicMaxTracker) get() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max
}
