package conn

import (
	"context"
	"database/sql"

	"github.com/cespare/xxhash/v2"

	"github.com/solentra/dbkit/driverx"
)

// stmtCache keeps prepared statements keyed by the xxhash of the SQL
// text, bounded with FIFO eviction. Entries remember the handle they
// were prepared on: a statement prepared on the replica session must not
// serve the write session.
type cachedStmt struct {
	key   uint64
	stmt  *sql.Stmt
	owner driverx.Handle
}

type stmtCache struct {
	max     int
	order   []uint64
	entries map[uint64]*cachedStmt
}

func newStmtCache(max int) *stmtCache {
	return &stmtCache{
		max:     max,
		entries: make(map[uint64]*cachedStmt, max),
	}
}

func stmtKey(query string) uint64 {
	return xxhash.Sum64String(query)
}

// prepare prepares query on h and caches it, evicting the oldest entry
// when full. A cached statement owned by another handle is replaced.
func (sc *stmtCache) prepare(ctx context.Context, h driverx.Handle, query string) (*sql.Stmt, error) {
	key := stmtKey(query)
	if e, ok := sc.entries[key]; ok {
		if e.owner == h {
			return e.stmt, nil
		}
		sc.evict(key)
	}

	stmt, err := h.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	for len(sc.entries) >= sc.max && len(sc.order) > 0 {
		sc.evict(sc.order[0])
	}
	sc.entries[key] = &cachedStmt{key: key, stmt: stmt, owner: h}
	sc.order = append(sc.order, key)
	return stmt, nil
}

func (sc *stmtCache) evict(key uint64) {
	e, ok := sc.entries[key]
	if !ok {
		return
	}
	_ = e.stmt.Close()
	delete(sc.entries, key)
	for i, k := range sc.order {
		if k == key {
			sc.order = append(sc.order[:i], sc.order[i+1:]...)
			break
		}
	}
}

// dropOwned removes every statement prepared on h. Called when a session
// is torn down.
func (sc *stmtCache) dropOwned(h driverx.Handle) {
	for key, e := range sc.entries {
		if e.owner == h {
			sc.evict(key)
		}
	}
}

func (sc *stmtCache) purge() {
	for _, e := range sc.entries {
		_ = e.stmt.Close()
	}
	sc.entries = make(map[uint64]*cachedStmt, sc.max)
	sc.order = sc.order[:0]
}

func (sc *stmtCache) len() int { return len(sc.entries) }
