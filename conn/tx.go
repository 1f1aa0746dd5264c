package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/solentra/dbkit/dberr"
)

// BeginTransaction opens a transaction, or a savepoint when one is
// already active. Savepoints are named trans2, trans3, ... by depth so
// an inner rollback only unwinds its own level.
func (c *Connection) BeginTransaction(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureWriteLocked(ctx); err != nil {
		return err
	}

	stmt := "BEGIN"
	if c.txDepth > 0 {
		stmt = fmt.Sprintf("SAVEPOINT trans%d", c.txDepth+1)
	}
	if _, err := c.write.ExecContext(ctx, stmt); err != nil {
		return c.fail(err, stmt)
	}
	c.txDepth++
	c.lastWriteAt = c.clock.Now()
	return nil
}

// Commit releases the innermost level. Only the outermost commit hits
// the server's COMMIT; inner levels release their savepoint.
func (c *Connection) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.txDepth == 0 {
		return dberr.New(dberr.KindDriver, "commit outside transaction")
	}

	stmt := "COMMIT"
	if c.txDepth > 1 {
		stmt = fmt.Sprintf("RELEASE SAVEPOINT trans%d", c.txDepth)
	}
	if _, err := c.write.ExecContext(ctx, stmt); err != nil {
		return c.fail(err, stmt)
	}
	c.txDepth--
	c.lastWriteAt = c.clock.Now()
	return nil
}

// Rollback unwinds the innermost level. Inner levels roll back to their
// savepoint and stay inside the enclosing transaction.
func (c *Connection) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.txDepth == 0 {
		return dberr.New(dberr.KindDriver, "rollback outside transaction")
	}

	stmt := "ROLLBACK"
	if c.txDepth > 1 {
		stmt = fmt.Sprintf("ROLLBACK TO SAVEPOINT trans%d", c.txDepth)
	}
	if _, err := c.write.ExecContext(ctx, stmt); err != nil {
		c.txDepth = 0
		c.healthy = false
		return c.fail(err, stmt)
	}
	c.txDepth--
	c.lastWriteAt = c.clock.Now()
	return nil
}

// TxDepth reports the current nesting level.
func (c *Connection) TxDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txDepth
}

// Transaction runs fn inside a transaction, committing on nil and
// rolling back on error. Deadlocks retry up to attempts times with a
// short pause; only the outermost level retries, because a savepoint
// rollback cannot undo work the outer transaction already did.
func (c *Connection) Transaction(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.BeginTransaction(ctx); err != nil {
			return err
		}
		nested := c.TxDepth() > 1

		err := fn(ctx)
		if err == nil {
			if cerr := c.Commit(ctx); cerr == nil {
				return nil
			} else {
				err = cerr
			}
		}

		if rberr := c.Rollback(ctx); rberr != nil {
			c.log.Warnw("rollback after failed transaction", "error", rberr)
		}

		if nested || !dberr.IsDeadlock(err) || attempt == attempts {
			return err
		}
		lastErr = err
		c.log.Infow("deadlock detected, retrying transaction",
			"attempt", attempt, "of", attempts)
		if serr := c.clock.Sleep(ctx, time.Duration(attempt)*50*time.Millisecond); serr != nil {
			return serr
		}
	}
	return lastErr
}
