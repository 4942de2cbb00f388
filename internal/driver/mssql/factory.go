// Package mssql implements pool.Factory against a single SQL Server
// instance using github.com/microsoft/go-mssqldb. Each pooled entry wraps
// its own *sql.DB pinned to exactly one physical connection
// (SetMaxOpenConns(1)), so the dbpool pool — not database/sql's own
// pool — owns all acquire/release/lifetime decisions.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"time"

	_ "github.com/microsoft/go-mssqldb"
)

// Spec is the connection configuration for one SQL Server instance.
type Spec struct {
	Host              string
	Port              int
	Database          string
	Username          string
	Password          string
	ConnectionTimeout time.Duration
}

func (s Spec) dsn() string {
	return "sqlserver://" + s.Username + ":" + s.Password +
		"@" + s.Host + ":" + strconv.Itoa(s.Port) +
		"?database=" + s.Database +
		"&connection+timeout=" + strconv.Itoa(int(s.ConnectionTimeout.Seconds()))
}

// Factory opens one *sql.DB per pooled session, each capped to a single
// physical connection so dbpool's Pool is the sole arbiter of reuse.
type Factory struct {
	spec Spec
}

// New constructs a Factory for spec. It performs no I/O itself — each
// Open call lazily dials its own connection.
func New(spec Spec) *Factory {
	return &Factory{spec: spec}
}

// Open establishes one single-connection *sql.DB and confirms it is
// reachable before handing it back.
func (f *Factory) Open(ctx context.Context) (any, error) {
	db, err := sql.Open("sqlserver", f.spec.dsn())
	if err != nil {
		return nil, fmt.Errorf("mssql: opening %s: %w", f.Describe(), err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(ctx, f.spec.ConnectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mssql: pinging %s: %w", f.Describe(), err)
	}

	return db, nil
}

// Validate pings the session with a short bounded timeout.
func (f *Factory) Validate(ctx context.Context, session any) error {
	db := session.(*sql.DB)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("mssql: validate %s: %w", f.Describe(), err)
	}
	return nil
}

// Close rolls back any open transaction state via sp_reset_connection
// before closing, when rollback is requested; errors are logged, never
// returned, per the Factory contract.
func (f *Factory) Close(session any, rollback bool) {
	db := session.(*sql.DB)
	if rollback {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := db.ExecContext(ctx, "sp_reset_connection"); err != nil {
			log.Printf("[driver] %s: reset before close failed: %v", f.Describe(), err)
		}
		cancel()
	}
	if err := db.Close(); err != nil {
		log.Printf("[driver] %s: close failed: %v", f.Describe(), err)
	}
}

// Describe returns a sanitized identity (no credentials) for logs and
// metrics labels.
func (f *Factory) Describe() string {
	return fmt.Sprintf("sqlserver://%s:%d/%s", f.spec.Host, f.spec.Port, f.spec.Database)
}
