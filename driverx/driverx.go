// Package driverx owns the seam to the native database client. A Handle
// is one dedicated session: database/sql's own pooling is pinned down to
// a single connection so savepoints, session variables and health are
// per-session, and the pool layer above stays the only pool.
package driverx

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"  // mysql
	_ "github.com/jackc/pgx/v5/stdlib"  // pgx
)

// Handle is the per-session surface the connection layer executes on.
type Handle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	PingContext(ctx context.Context) error
	Close() error
	// Host reports the endpoint this session is attached to, for logs
	// and health bookkeeping.
	Host() string
}

// OpenFunc opens a session. Package var so tests can substitute a
// sqlmock-backed handle.
var OpenFunc = openSession

// Open dials one dedicated session on the given driver and DSN.
func Open(ctx context.Context, driver, dsn, host string) (Handle, error) {
	return OpenFunc(ctx, driver, dsn, host)
}

func openSession(ctx context.Context, driver, dsn, host string) (Handle, error) {
	name, err := sqlDriverName(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, err
	}
	// One session per handle; the registry above owns pooling.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	return &session{db: db, conn: conn, host: host}, nil
}

// sqlDriverName maps config driver names onto registered sql drivers.
func sqlDriverName(driver string) (string, error) {
	switch driver {
	case "mysql":
		return "mysql", nil
	case "postgres", "pgsql":
		return "pgx", nil
	default:
		return "", fmt.Errorf("driverx: unsupported driver %q", driver)
	}
}

type session struct {
	db   *sql.DB
	conn *sql.Conn
	host string
}

func (s *session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(ctx, query, args...)
}

func (s *session) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return s.conn.PrepareContext(ctx, query)
}

func (s *session) PingContext(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *session) Close() error {
	err := s.conn.Close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *session) Host() string { return s.host }

// FromDB wraps an existing *sql.DB as a Handle. Used by tests to back a
// handle with sqlmock, and by callers embedding dbkit behind an already
// configured database/sql instance.
func FromDB(db *sql.DB, host string) Handle {
	return &dbHandle{db: db, host: host}
}

type dbHandle struct {
	db   *sql.DB
	host string
}

func (h *dbHandle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return h.db.ExecContext(ctx, query, args...)
}

func (h *dbHandle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return h.db.QueryContext(ctx, query, args...)
}

func (h *dbHandle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return h.db.QueryRowContext(ctx, query, args...)
}

func (h *dbHandle) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return h.db.PrepareContext(ctx, query)
}

func (h *dbHandle) PingContext(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

func (h *dbHandle) Close() error { return h.db.Close() }

func (h *dbHandle) Host() string { return h.host }
