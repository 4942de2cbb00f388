// Package pool implements a generic, driver-agnostic database session pool:
// bounded acquire/release with a LIFO idle stack, a fair waiter queue, and a
// background watcher enforcing lease and idle timeouts.
//
// The pool never speaks to a concrete database itself — it borrows, lends,
// and discards opaque sessions through a Factory. The concrete factory for
// SQL Server lives in internal/driver/mssql.
package pool

import "context"

// Session is the opaque handle a Factory hands back. Concrete factories
// return whatever their driver considers "a connection" (e.g. *sql.DB);
// the pool only ever uses it as a registry key and passes it through.
type Session = any

// Factory opens, validates, and closes raw sessions on the pool's behalf.
// All four operations are collaborator contracts — concrete database
// wiring, retries, and pooling-of-the-driver-itself are out of scope here.
type Factory interface {
	// Open synchronously establishes a new session. Errors surface to the
	// acquiring caller, except during Pool.Open's warmup phase with
	// failFast=false, where they are logged and absorbed.
	Open(ctx context.Context) (Session, error)

	// Validate cheaply checks that session is still usable. Any error is
	// treated as "this session is bad" and the session is discarded.
	Validate(ctx context.Context, session Session) error

	// Close finalizes session. If rollback is true the factory should also
	// attempt to roll back any open transaction before closing (e.g. on
	// eviction or on release of a dirty session); errors are logged, never
	// propagated — Close must never fail.
	Close(session Session, rollback bool)

	// Describe returns a stable identity for the factory's target, used in
	// log messages and as a metrics/label key.
	Describe() string
}
