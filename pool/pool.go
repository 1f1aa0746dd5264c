// Package pool manages checkout and reuse of logical connections per
// connection name, bounded by the configured maximum with a timed wait
// when the pool is saturated.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/solentra/dbkit/analyzer"
	"github.com/solentra/dbkit/audit"
	"github.com/solentra/dbkit/config"
	"github.com/solentra/dbkit/conn"
	"github.com/solentra/dbkit/dberr"
	"github.com/solentra/dbkit/logger"
	"github.com/solentra/dbkit/metrics"
	"github.com/solentra/dbkit/timeutil"
)

const (
	waitBackoffInitial = 10 * time.Millisecond
	waitBackoffMax     = 500 * time.Millisecond
)

// LockStrategy guards registry state. The default is a mutex; callers
// that confine the registry to one goroutine can pass NoopLock.
type LockStrategy interface {
	Lock()
	Unlock()
}

// MutexLock is the safe default.
type MutexLock struct{ mu sync.Mutex }

func (l *MutexLock) Lock()   { l.mu.Lock() }
func (l *MutexLock) Unlock() { l.mu.Unlock() }

// NoopLock disables locking for single-goroutine use.
type NoopLock struct{}

func (NoopLock) Lock()   {}
func (NoopLock) Unlock() {}

type Options struct {
	Lock     LockStrategy
	Clock    timeutil.Clock
	Logger   *logger.Logger
	Audit    *audit.Log
	Analyzer *analyzer.Analyzer
	Metrics  *metrics.Metrics
}

// Stats is a point-in-time snapshot of one named pool.
type Stats struct {
	Name      string
	Total     int
	InUse     int
	Available int
	Max       int
}

type namedPool struct {
	cfg       config.ConnectionConfig
	available []*conn.Connection // FIFO, oldest first
	inUse     map[string]*conn.Connection
	total     int
}

// Registry owns one pool per configured connection name. All state is
// explicit; there are no package-level singletons.
type Registry struct {
	poolCfg config.PoolConfig

	lock     LockStrategy
	clock    timeutil.Clock
	log      *logger.Logger
	audit    *audit.Log
	analyzer *analyzer.Analyzer
	metrics  *metrics.Metrics

	pools map[string]*namedPool
}

// NewRegistry builds a registry from pool tunables and the configured
// connection records. Connections open lazily on first Acquire or on
// Warm.
func NewRegistry(poolCfg config.PoolConfig, conns map[string]config.ConnectionConfig, opts Options) (*Registry, error) {
	if opts.Lock == nil {
		opts.Lock = &MutexLock{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Default
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if poolCfg.MaxConnections <= 0 {
		return nil, dberr.New(dberr.KindConfig, "pool: max_connections must be positive")
	}
	if poolCfg.MinConnections > poolCfg.MaxConnections {
		return nil, dberr.New(dberr.KindConfig, "pool: min_connections exceeds max_connections")
	}

	r := &Registry{
		poolCfg:  poolCfg,
		lock:     opts.Lock,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "pool"),
		audit:    opts.Audit,
		analyzer: opts.Analyzer,
		metrics:  opts.Metrics,
		pools:    make(map[string]*namedPool, len(conns)),
	}
	for name, cfg := range conns {
		cfg.Name = name
		cfg = cfg.WithDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, dberr.Wrap(dberr.KindConfig, err, "pool: connection "+name)
		}
		r.pools[name] = &namedPool{
			cfg:   cfg,
			inUse: make(map[string]*conn.Connection),
		}
	}
	return r, nil
}

// Acquire checks out a connection for name, creating one under the
// maximum or waiting with backoff up to connection_timeout when the
// pool is saturated.
func (r *Registry) Acquire(ctx context.Context, name string) (*conn.Connection, error) {
	deadline := r.clock.Now().Add(r.poolCfg.ConnectionTimeout.Std())
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = waitBackoffInitial
	bo.MaxInterval = waitBackoffMax
	bo.Reset()
	waited := false

	for {
		c, err := r.tryAcquire(ctx, name)
		if err != nil {
			return nil, err
		}
		if c != nil {
			c.Touch()
			return c, nil
		}

		if !waited {
			waited = true
			r.metrics.IncWait(name)
		}
		if !r.clock.Now().Before(deadline) {
			break
		}
		// A released idle connection may free a slot for us.
		r.pruneName(name)
		if err := r.clock.Sleep(ctx, bo.NextBackOff()); err != nil {
			return nil, err
		}
	}

	p := r.pool(name)
	r.lock.Lock()
	total, inUse := p.total, len(p.inUse)
	r.lock.Unlock()
	r.metrics.IncExhausted(name)
	r.audit.Warning("pool %q exhausted: %d connections, %d in use, max %d",
		name, total, inUse, r.poolCfg.MaxConnections)
	return nil, dberr.Newf(dberr.KindPoolExhausted,
		"pool %q exhausted after %s: %d connections, %d in use, max %d",
		name, r.poolCfg.ConnectionTimeout.Std(), total, inUse, r.poolCfg.MaxConnections)
}

// tryAcquire makes one pass: reuse an available connection, then create
// under the cap. Returns (nil, nil) when the pool is saturated.
func (r *Registry) tryAcquire(ctx context.Context, name string) (*conn.Connection, error) {
	p := r.pool(name)
	if p == nil {
		return nil, dberr.Newf(dberr.KindConfig, "pool: unknown connection %q", name)
	}

	for {
		r.lock.Lock()
		var c *conn.Connection
		if len(p.available) > 0 {
			c = p.available[0]
			p.available = p.available[1:]
			p.inUse[c.ID()] = c
		}
		r.lock.Unlock()
		if c == nil {
			break
		}
		if r.validate(ctx, c) {
			r.observe(name)
			return c, nil
		}
		r.discard(p, c)
	}

	r.lock.Lock()
	if p.total >= r.poolCfg.MaxConnections {
		r.lock.Unlock()
		return nil, nil
	}
	p.total++
	r.lock.Unlock()

	c, err := r.dial(ctx, p)
	if err != nil {
		r.lock.Lock()
		p.total--
		r.lock.Unlock()
		return nil, err
	}
	r.lock.Lock()
	p.inUse[c.ID()] = c
	r.lock.Unlock()
	r.observe(name)
	return c, nil
}

func (r *Registry) dial(ctx context.Context, p *namedPool) (*conn.Connection, error) {
	c, err := conn.New(p.cfg, conn.Options{
		Clock:    r.clock,
		Logger:   r.log,
		Audit:    r.audit,
		Analyzer: r.analyzer,
		Metrics:  r.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// validate checks a pooled connection before handing it out. The ping
// only runs when validate_on_checkout is set; staleness is always
// enforced.
func (r *Registry) validate(ctx context.Context, c *conn.Connection) bool {
	if !c.Healthy() {
		return false
	}
	if maxIdle := c.Config().MaxIdleTime.Std(); maxIdle > 0 && c.IdleFor() > maxIdle {
		return false
	}
	if r.poolCfg.ValidateOnCheckout {
		if err := c.Ping(ctx); err != nil {
			r.log.Debugw("checkout validation failed", "connection", c.Name(), "error", err)
			return false
		}
	}
	return true
}

// Release returns a connection to its pool. Session state is reset
// first; unhealthy connections are closed instead of pooled. Releasing
// a connection twice, or one the registry does not own, is a no-op.
func (r *Registry) Release(ctx context.Context, c *conn.Connection) {
	if c == nil {
		return
	}
	p := r.pool(c.Name())
	if p == nil {
		return
	}

	r.lock.Lock()
	_, owned := p.inUse[c.ID()]
	if owned {
		delete(p.inUse, c.ID())
	}
	r.lock.Unlock()
	if !owned {
		return
	}

	c.ResetSession(ctx)
	c.Touch()

	if !c.Healthy() {
		r.lock.Lock()
		p.total--
		r.lock.Unlock()
		c.Disconnect()
		r.observe(c.Name())
		return
	}

	r.lock.Lock()
	p.available = append(p.available, c)
	r.lock.Unlock()
	r.observe(c.Name())
}

func (r *Registry) discard(p *namedPool, c *conn.Connection) {
	r.lock.Lock()
	delete(p.inUse, c.ID())
	p.total--
	r.lock.Unlock()
	c.Disconnect()
}

// Warm fills every pool up to min_connections concurrently. Used at
// startup so the first requests do not pay connect latency. Slots are
// reserved under the maximum before dialing, so the total bound holds
// no matter how often Warm runs or how full the pool already is.
func (r *Registry) Warm(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, p := range r.pools {
		r.lock.Lock()
		deficit := r.poolCfg.MinConnections - p.total
		if room := r.poolCfg.MaxConnections - p.total; deficit > room {
			deficit = room
		}
		p.total += max(deficit, 0)
		r.lock.Unlock()

		for i := 0; i < deficit; i++ {
			g.Go(func() error {
				c, err := r.dial(ctx, p)
				if err != nil {
					r.lock.Lock()
					p.total--
					r.lock.Unlock()
					return dberr.Wrap(dberr.KindOf(err), err, "pool: warm "+name)
				}
				r.lock.Lock()
				p.available = append(p.available, c)
				r.lock.Unlock()
				r.observe(name)
				return nil
			})
		}
	}
	return g.Wait()
}

// PruneIdle closes available connections idle past idle_timeout, never
// dropping a pool below min_connections.
func (r *Registry) PruneIdle() {
	for name := range r.pools {
		r.pruneName(name)
	}
}

func (r *Registry) pruneName(name string) {
	p := r.pool(name)
	if p == nil {
		return
	}
	idleTimeout := r.poolCfg.IdleTimeout.Std()
	if idleTimeout <= 0 {
		return
	}

	var pruned []*conn.Connection
	r.lock.Lock()
	for len(p.available) > 0 && p.total > r.poolCfg.MinConnections {
		c := p.available[0]
		if c.IdleFor() <= idleTimeout {
			break
		}
		p.available = p.available[1:]
		p.total--
		pruned = append(pruned, c)
	}
	r.lock.Unlock()

	for _, c := range pruned {
		c.Disconnect()
	}
	if len(pruned) > 0 {
		r.log.Debugw("pruned idle connections", "connection", name, "count", len(pruned))
		r.observe(name)
	}
}

// StatsFor snapshots one named pool.
func (r *Registry) StatsFor(name string) (Stats, bool) {
	p := r.pool(name)
	if p == nil {
		return Stats{}, false
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return Stats{
		Name:      name,
		Total:     p.total,
		InUse:     len(p.inUse),
		Available: len(p.available),
		Max:       r.poolCfg.MaxConnections,
	}, true
}

// StatsAll snapshots every pool.
func (r *Registry) StatsAll() []Stats {
	out := make([]Stats, 0, len(r.pools))
	for name := range r.pools {
		if s, ok := r.StatsFor(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll disconnects everything, in-use connections included. Call it
// on shutdown only.
func (r *Registry) CloseAll() {
	r.lock.Lock()
	var conns []*conn.Connection
	for _, p := range r.pools {
		conns = append(conns, p.available...)
		for _, c := range p.inUse {
			conns = append(conns, c)
		}
		p.available = nil
		p.inUse = make(map[string]*conn.Connection)
		p.total = 0
	}
	r.lock.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	for name := range r.pools {
		r.observe(name)
	}
}

func (r *Registry) pool(name string) *namedPool { return r.pools[name] }

func (r *Registry) observe(name string) {
	if r.metrics == nil {
		return
	}
	if s, ok := r.StatsFor(name); ok {
		r.metrics.ObservePool(name, s.Total, s.InUse)
	}
}
