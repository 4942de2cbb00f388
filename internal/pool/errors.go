package pool

import "errors"

// Error kinds surfaced to callers (§7). SessionInvalid and WatcherFatal
// never reach a caller directly — they are handled internally by the
// retry loop and the watcher, respectively.
var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrFactoryMissing is returned by Open when no factory is configured.
	ErrFactoryMissing = errors.New("pool: no factory configured")

	// ErrAcquireTimeout is returned when the acquire deadline elapses
	// before a session becomes available.
	ErrAcquireTimeout = errors.New("pool: acquire timeout")

	// ErrAcquireInterrupted is returned when the caller's context is
	// cancelled while Acquire is waiting.
	ErrAcquireInterrupted = errors.New("pool: acquire interrupted")

	// errPoolFull is an internal sentinel: growth declined because
	// openCount has already reached maxSize. It is never returned to a
	// caller directly — it just tells the acquire loop to fall back to
	// waiting on the idle queue.
	errPoolFull = errors.New("pool: at max size")
)
