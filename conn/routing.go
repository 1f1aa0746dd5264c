package conn

import (
	"context"
	"regexp"
	"strings"

	"github.com/solentra/dbkit/dberr"
	"github.com/solentra/dbkit/driverx"
)

var (
	reReadVerb  = regexp.MustCompile(`(?i)^\s*(select|show|describe|desc|explain)\b`)
	reWriteVerb = regexp.MustCompile(`(?i)^\s*(insert|update|delete|replace|create|alter|drop|truncate)\b`)
	reDangerous = regexp.MustCompile(`(?i)^\s*(update|delete)\b`)
	reHasWhere  = regexp.MustCompile(`(?i)\bwhere\b`)
)

// isReadQuery classifies by leading verb; anything unrecognized is
// treated as a write so it never lands on a lagging replica.
func isReadQuery(query string) bool {
	return reReadVerb.MatchString(query)
}

func isWriteQuery(query string) bool {
	return reWriteVerb.MatchString(query)
}

// handleForLocked routes a statement to a session. Writes, statements
// inside a transaction and reads within the sticky window after a write
// all use the write session; only plain reads outside the window go to
// the replica side.
func (c *Connection) handleForLocked(ctx context.Context, query string) (driverx.Handle, error) {
	useWrite := !isReadQuery(query) || c.txDepth > 0 || c.withinStickyWindowLocked()
	if useWrite {
		if err := c.ensureWriteLocked(ctx); err != nil {
			return nil, err
		}
		return c.write, nil
	}
	c.checkReadHealthLocked(ctx)
	if err := c.ensureReadLocked(ctx); err != nil {
		return nil, err
	}
	return c.read, nil
}

func (c *Connection) withinStickyWindowLocked() bool {
	if !c.cfg.Sticky || c.lastWriteAt.IsZero() {
		return false
	}
	return c.clock.Since(c.lastWriteAt) < c.cfg.StickyWindow.Std()
}

// guardStatement audits UPDATE and DELETE statements that carry no WHERE
// clause. With strict guards enabled the statement is refused outright.
func (c *Connection) guardStatement(query string) error {
	if !reDangerous.MatchString(query) || reHasWhere.MatchString(query) {
		return nil
	}
	verb := strings.ToUpper(strings.Fields(query)[0])
	c.audit.Warning("connection %q: %s without WHERE clause: %s",
		c.cfg.Name, verb, strings.TrimSpace(query))
	if c.cfg.StrictGuards {
		return dberr.Newf(dberr.KindDangerousStatement,
			"%s without WHERE clause refused", verb)
	}
	return nil
}
