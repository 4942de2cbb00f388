package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// idleQueue pairs a LIFO deque of ready entries with a fair counting
// semaphore whose *available* permits equal the deque length (§3 invariant
// 3, §4.4). golang.org/x/sync/semaphore.Weighted grants access in FIFO
// order, which is exactly the fairness guarantee §5 requires among blocked
// acquirers — newest idle entry is reused first (deque), oldest waiter is
// served first (semaphore).
//
// semaphore.Weighted itself counts the opposite way: a fresh Weighted(n)
// starts with all n units free for Acquire and panics if Release is called
// before a matching Acquire. An idle queue needs the reverse — it starts
// with zero idle entries, so Acquire (takeEntry) must block until a
// session is actually returned. newIdleQueue reconciles this by
// pre-acquiring every unit up front: the semaphore then starts "full" (no
// unit available), and returnEntry's Release donates exactly one unit per
// idle entry it pushes, while takeEntry's Acquire consumes one.
type idleQueue struct {
	mu    sync.Mutex
	deque *list.List

	sem *semaphore.Weighted
}

func newIdleQueue(maxSize int) *idleQueue {
	sem := semaphore.NewWeighted(int64(maxSize))
	if maxSize > 0 {
		// Never blocks: nothing else holds a reference to sem yet.
		if err := sem.Acquire(context.Background(), int64(maxSize)); err != nil {
			panic("pool: newIdleQueue: seeding semaphore: " + err.Error())
		}
	}
	return &idleQueue{
		deque: list.New(),
		sem:   sem,
	}
}

// returnEntry pushes e to the front of the deque and releases one permit.
// Pushing before releasing guarantees any waiter woken by the release finds
// a matching entry already in the deque.
func (q *idleQueue) returnEntry(e *pooledEntry) {
	q.mu.Lock()
	q.deque.PushFront(e)
	q.mu.Unlock()
	q.sem.Release(1)
}

// takeEntry tries to acquire one permit bounded by waitBudget (itself
// further bounded by ctx); on success it pops the front of the deque. A nil
// return with ctx.Err() != nil means the caller's context was cancelled,
// not merely that waitBudget elapsed.
func (q *idleQueue) takeEntry(ctx context.Context, waitBudget time.Duration) *pooledEntry {
	wctx, cancel := context.WithTimeout(ctx, waitBudget)
	defer cancel()

	if err := q.sem.Acquire(wctx, 1); err != nil {
		return nil
	}

	q.mu.Lock()
	front := q.deque.Front()
	var entry *pooledEntry
	if front != nil {
		entry = front.Value.(*pooledEntry)
		q.deque.Remove(front)
	}
	q.mu.Unlock()

	if entry == nil {
		// A permit existed with nothing to pop — should not happen given
		// the push-before-release / acquire-before-pop protocol, but stay
		// safe and hand the permit back rather than leak it.
		q.sem.Release(1)
	}
	return entry
}

// peekTail returns the current tail entry (oldest idle) without removing
// it, for the watcher's idle-prune scan.
func (q *idleQueue) peekTail() *pooledEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	back := q.deque.Back()
	if back == nil {
		return nil
	}
	return back.Value.(*pooledEntry)
}

// removeOldestIdle atomically acquires a permit (bounded to at most 1ms)
// and removes the tail entry, verifying it is still the entry the watcher
// peeked at. If a burst of acquirers took either the permit or the actual
// tail entry first, it puts things back and aborts cleanly (§4.4) — the
// watcher must never evict a session that has already been handed to a
// waiter.
func (q *idleQueue) removeOldestIdle(expected *pooledEntry) (*pooledEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), idleProbeWait)
	defer cancel()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return nil, false
	}

	q.mu.Lock()
	back := q.deque.Back()
	if back == nil {
		q.mu.Unlock()
		q.sem.Release(1)
		return nil, false
	}
	popped := back.Value.(*pooledEntry)
	q.deque.Remove(back)

	if popped != expected {
		// Wrong entry — the real tail changed under us. Put it back and
		// release the permit we borrowed; let the next scan cycle retry.
		q.deque.PushBack(popped)
		q.mu.Unlock()
		q.sem.Release(1)
		return nil, false
	}
	q.mu.Unlock()

	return popped, true
}

func (q *idleQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deque.Len()
}

// idleProbeWait is the bounded wait used for the watcher's idle-prune
// permit attempt and, unless Config.BurstProbe sets another value, for the
// acquire loop's burst probe (§4.4). Zero would race
// too aggressively with fair wake-ups; longer would make either path block
// noticeably on a busy pool.
const idleProbeWait = time.Millisecond
