// Package conn implements the logical database connection: one write
// session plus an optional read-replica session, lazy connects with
// failover, read/write routing with sticky windows, savepoint-based
// nested transactions and query analysis.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/solentra/dbkit/analyzer"
	"github.com/solentra/dbkit/audit"
	"github.com/solentra/dbkit/balancer"
	"github.com/solentra/dbkit/config"
	"github.com/solentra/dbkit/dberr"
	"github.com/solentra/dbkit/driverx"
	"github.com/solentra/dbkit/logger"
	"github.com/solentra/dbkit/metrics"
	"github.com/solentra/dbkit/retry"
	"github.com/solentra/dbkit/timeutil"
)

const (
	connectAttempts    = 3
	connectBackoffStep = 100 * time.Millisecond
	readHealthInterval = 60 * time.Second
)

type Options struct {
	Clock    timeutil.Clock
	Logger   *logger.Logger
	Audit    *audit.Log
	Analyzer *analyzer.Analyzer
	Metrics  *metrics.Metrics
}

// Connection is owned exclusively by one caller between checkout and
// release; the mutex only guards against accidental sharing.
type Connection struct {
	id  string
	cfg config.ConnectionConfig

	clock    timeutil.Clock
	log      *logger.Logger
	audit    *audit.Log
	analyzer *analyzer.Analyzer
	metrics  *metrics.Metrics

	writeBal *balancer.Balancer // nil for a single write host
	readBal  *balancer.Balancer // nil without read replicas

	mu            sync.Mutex
	write         driverx.Handle
	read          driverx.Handle // may alias write
	stmts         *stmtCache
	txDepth       int
	lastWriteAt   time.Time
	lastReadCheck time.Time
	lastActivity  time.Time
	healthy       bool
}

// New builds a connection without touching the network; the underlying
// sessions open on first use or on an explicit Connect.
func New(cfg config.ConnectionConfig, opts Options) (*Connection, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, dberr.Wrap(dberr.KindConfig, err, "invalid connection config")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Default
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	c := &Connection{
		id:       uuid.NewString(),
		cfg:      cfg,
		clock:    opts.Clock,
		log:      opts.Logger.With("connection", cfg.Name),
		audit:    opts.Audit,
		analyzer: opts.Analyzer,
		metrics:  opts.Metrics,
		stmts:    newStmtCache(cfg.StatementCacheSize),
		healthy:  true,
	}

	lbOpts := balancer.Options{
		Strategy:    cfg.LoadBalancing.Strategy,
		MaxFailures: cfg.LoadBalancing.MaxFailures,
		Cooldown:    cfg.LoadBalancing.HealthCheckCooldown.Std(),
		Clock:       opts.Clock,
		Logger:      c.log,
	}
	if hosts := cfg.WriteHosts(); len(hosts) > 1 {
		b, err := balancer.New(hosts, lbOpts)
		if err != nil {
			return nil, err
		}
		c.writeBal = b
	}
	if hosts := cfg.ReadHosts(); len(hosts) > 0 {
		b, err := balancer.New(hosts, lbOpts)
		if err != nil {
			return nil, err
		}
		c.readBal = b
	}
	return c, nil
}

// ID is the pool identity of this connection.
func (c *Connection) ID() string { return c.id }

// Name is the logical connection name.
func (c *Connection) Name() string { return c.cfg.Name }

// Config returns the immutable configuration record.
func (c *Connection) Config() config.ConnectionConfig { return c.cfg }

// WriteBalancer exposes the write-side balancer, nil for single hosts.
func (c *Connection) WriteBalancer() *balancer.Balancer { return c.writeBal }

// ReadBalancer exposes the replica balancer, nil without replicas.
func (c *Connection) ReadBalancer() *balancer.Balancer { return c.readBal }

// Connect opens the write session eagerly. Used by pool warm-up.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureWriteLocked(ctx)
}

// Ping verifies the write session, lazily connecting first.
func (c *Connection) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureWriteLocked(ctx); err != nil {
		return err
	}
	if err := c.write.PingContext(ctx); err != nil {
		c.healthy = false
		return dberr.Wrap(dberr.KindConnect, err, "ping failed")
	}
	return nil
}

// Reconnect drops both sessions and dials the write side again.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
	c.healthy = true
	return c.ensureWriteLocked(ctx)
}

// Disconnect closes both sessions and all cached statements. The
// connection is unusable afterwards.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

// Healthy reports whether the connection is eligible for pool reuse.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Touch stamps activity time; the pool uses it for idle pruning.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()
}

// IdleFor reports how long the connection has been unused.
func (c *Connection) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastActivity.IsZero() {
		return 0
	}
	return c.clock.Since(c.lastActivity)
}

// ResetSession rolls back any open transaction, zeroes the nesting
// counter and clears the sticky-write stamp. The pool calls it on
// release so session state never leaks across checkouts.
func (c *Connection) ResetSession(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txDepth > 0 && c.write != nil {
		if _, err := c.write.ExecContext(ctx, "ROLLBACK"); err != nil {
			c.log.Warnw("rollback on release failed", "error", err)
			c.healthy = false
		}
	}
	c.txDepth = 0
	c.lastWriteAt = time.Time{}
}

func (c *Connection) disconnectLocked() {
	c.stmts.purge()
	if c.read != nil && c.read != c.write {
		_ = c.read.Close()
	}
	if c.write != nil {
		_ = c.write.Close()
	}
	c.read = nil
	c.write = nil
	c.txDepth = 0
	c.healthy = false
}

// ensureWriteLocked lazily opens the write session. Multi-host configs
// delegate host choice to the balancer; connect errors retry with linear
// backoff except "too many connections", which fails fast because
// retrying would worsen the condition.
func (c *Connection) ensureWriteLocked(ctx context.Context) error {
	if c.write != nil {
		return nil
	}

	database, username, password := c.cfg.WriteCredentials()

	open := func(h balancer.Host) (driverx.Handle, error) {
		dsn, err := driverx.BuildDSN(c.cfg, h, database, username, password)
		if err != nil {
			return nil, err
		}
		return driverx.Open(ctx, c.cfg.Driver, dsn, h.Key())
	}

	var handle driverx.Handle
	err := retry.Linear(ctx, c.clock, connectAttempts, connectBackoffStep, func(attempt int) error {
		var cerr error
		if c.writeBal != nil {
			_, cerr = c.writeBal.SelectWithFailover(func(h balancer.Host) error {
				var oerr error
				handle, oerr = open(h)
				if oerr != nil {
					c.metrics.SetHostUp(c.cfg.Name, h.Key(), false)
				}
				return oerr
			})
		} else {
			handle, cerr = open(c.cfg.WriteHosts()[0])
		}
		if cerr != nil {
			// Failover wraps the last cause in an all-hosts-down error,
			// so saturation must be detected on the cause itself.
			cause := cerr
			var de *dberr.Error
			if errors.As(cerr, &de) && de.Err != nil {
				cause = de.Err
			}
			if dberr.IsTooManyConnections(cause) {
				return backoff.Permanent(cerr)
			}
			c.log.Warnw("connect attempt failed", "attempt", attempt, "error", cerr)
		}
		return cerr
	})
	if err != nil {
		c.audit.Critical("connection %q: write connect failed after %d attempts: %v",
			c.cfg.Name, connectAttempts, err)
		return dberr.Wrap(connectKind(err), err, "write connect failed")
	}

	c.write = handle
	c.lastActivity = c.clock.Now()
	c.metrics.SetHostUp(c.cfg.Name, handle.Host(), true)
	return nil
}

// ensureReadLocked resolves the read session: the configured replica set
// when present, otherwise an alias of the write session. Replica
// exhaustion downgrades to the write handle with a warning: reads keep
// working at the cost of replica-lag protection.
func (c *Connection) ensureReadLocked(ctx context.Context) error {
	if c.read != nil {
		return nil
	}
	if c.readBal == nil {
		if err := c.ensureWriteLocked(ctx); err != nil {
			return err
		}
		c.read = c.write
		return nil
	}

	database, username, password := c.cfg.ReadCredentials()

	var handle driverx.Handle
	_, err := c.readBal.SelectWithFailover(func(h balancer.Host) error {
		dsn, derr := driverx.BuildDSN(c.cfg, h, database, username, password)
		if derr != nil {
			return derr
		}
		var oerr error
		handle, oerr = driverx.Open(ctx, c.cfg.Driver, dsn, h.Key())
		c.metrics.SetHostUp(c.cfg.Name, h.Key(), oerr == nil)
		return oerr
	})
	if err != nil {
		c.log.Warnw("all read replicas unreachable, falling back to write handle", "error", err)
		c.audit.Warning("connection %q: replica set exhausted, reads downgraded to primary: %v",
			c.cfg.Name, err)
		if werr := c.ensureWriteLocked(ctx); werr != nil {
			return werr
		}
		c.read = c.write
		return nil
	}

	c.read = handle
	c.lastReadCheck = c.clock.Now()
	return nil
}

// checkReadHealthLocked re-pings the read session at most once per
// readHealthInterval, independent of the write session. A failed ping
// drops the replica session so the next read reconnects, potentially to
// a different replica.
func (c *Connection) checkReadHealthLocked(ctx context.Context) {
	if c.read == nil || c.read == c.write || c.readBal == nil {
		return
	}
	if !c.lastReadCheck.IsZero() && c.clock.Since(c.lastReadCheck) < readHealthInterval {
		return
	}
	c.lastReadCheck = c.clock.Now()
	if err := c.read.PingContext(ctx); err != nil {
		c.log.Warnw("read replica ping failed, reconnecting", "host", c.read.Host(), "error", err)
		c.readBal.RecordFailure(c.read.Host())
		c.metrics.SetHostUp(c.cfg.Name, c.read.Host(), false)
		c.stmts.dropOwned(c.read)
		_ = c.read.Close()
		c.read = nil
	}
}

func connectKind(err error) dberr.Kind {
	if dberr.IsTooManyConnections(err) {
		return dberr.KindTooManyConnections
	}
	if dberr.Is(err, dberr.KindAllHostsDown) {
		return dberr.KindAllHostsDown
	}
	return dberr.KindConnect
}
