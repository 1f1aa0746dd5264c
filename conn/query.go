package conn

import (
	"context"
	"database/sql"
	"time"

	"github.com/solentra/dbkit/analyzer"
	"github.com/solentra/dbkit/dberr"
	"github.com/solentra/dbkit/driverx"
)

// Query runs a statement and returns its rows. Routing follows the
// read/write split; callers must close the returned rows. Write
// statements issued through Query are guarded and stamp the sticky
// window the same as Exec.
func (c *Connection) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !isReadQuery(query) {
		if err := c.guardStatement(query); err != nil {
			return nil, err
		}
	}

	h, err := c.handleForLocked(ctx, query)
	if err != nil {
		return nil, err
	}

	start := c.clock.Now()
	rows, err := c.queryLocked(ctx, h, query, args...)
	c.observeLocked(query, c.clock.Since(start), isReadQuery(query))
	if err != nil {
		return nil, c.fail(err, query)
	}
	if isWriteQuery(query) {
		c.lastWriteAt = c.clock.Now()
	}
	return rows, nil
}

// Exec runs a statement on the write session, records the sticky stamp
// and enforces the dangerous-statement guard.
func (c *Connection) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardStatement(query); err != nil {
		return nil, err
	}
	if err := c.ensureWriteLocked(ctx); err != nil {
		return nil, err
	}

	start := c.clock.Now()
	res, err := c.write.ExecContext(ctx, query, args...)
	elapsed := c.clock.Since(start)
	c.observeLocked(query, elapsed, isReadQuery(query))
	if err != nil {
		return nil, c.fail(err, query)
	}
	if isWriteQuery(query) {
		c.lastWriteAt = c.clock.Now()
	}
	return res, nil
}

// Fetch scans the first result row into dest columns. Returns
// sql.ErrNoRows when the statement matches nothing.
func (c *Connection) Fetch(ctx context.Context, query string, args []any, dest ...any) error {
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	return rows.Close()
}

// FetchAll runs a read statement and returns every row as a column
// name to value map, in result order.
func (c *Connection) FetchAll(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(map[string]any, len(cols))
		for i, col := range cols {
			rec[col] = vals[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// queryLocked prefers a cached prepared statement when the cache is
// enabled and the statement carries bind parameters.
func (c *Connection) queryLocked(ctx context.Context, h driverx.Handle, query string, args ...any) (*sql.Rows, error) {
	if c.stmts.max > 0 && len(args) > 0 {
		stmt, err := c.stmts.prepare(ctx, h, query)
		if err == nil {
			return stmt.QueryContext(ctx, args...)
		}
		c.log.Debugw("statement prepare failed, falling back to direct query", "error", err)
	}
	return h.QueryContext(ctx, query, args...)
}

// observeLocked feeds the analyzer and metrics. The slow threshold
// check lives here so every code path reports consistently.
func (c *Connection) observeLocked(query string, elapsed time.Duration, read bool) {
	c.lastActivity = c.clock.Now()
	if c.analyzer != nil {
		c.analyzer.Record(query, elapsed, analyzer.Caller())
	}
	kind := "write"
	if read {
		kind = "read"
	}
	c.metrics.IncQuery(c.cfg.Name, kind)
	if threshold := c.cfg.SlowQueryThreshold.Std(); threshold > 0 && elapsed >= threshold {
		c.metrics.IncSlowQuery(c.cfg.Name)
		c.log.Warnw("slow query", "elapsed", elapsed, "sql", query)
	}
}

// fail classifies a statement error and marks the connection unhealthy
// when the session itself is gone.
func (c *Connection) fail(err error, query string) error {
	if dberr.IsLostConnection(err) {
		c.healthy = false
		c.audit.Warning("connection %q: session lost during statement: %v", c.cfg.Name, err)
	}
	kind := dberr.KindOf(err)
	if kind == dberr.KindUnknown {
		kind = dberr.KindDriver
	}
	return &dberr.Error{
		Kind:    kind,
		Name:    c.cfg.Name,
		Pattern: analyzer.Normalize(query),
		Msg:     "statement failed",
		Err:     err,
	}
}
