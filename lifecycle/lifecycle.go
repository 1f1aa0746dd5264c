// Package lifecycle coordinates orderly teardown of the resources a
// process builds around dbkit: drain pools, close audit logs, flush
// loggers. Closers run concurrently under one deadline so a stuck
// database cannot stall process exit.
package lifecycle

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/solentra/dbkit/dberr"
	"github.com/solentra/dbkit/logger"
	"github.com/solentra/dbkit/pool"
)

const defaultTimeout = 10 * time.Second

// Closer is one resource participating in shutdown.
type Closer interface {
	Name() string
	Close(ctx context.Context) error
}

// CloserFunc adapts a function to the Closer interface.
type CloserFunc struct {
	CloserName string
	Fn         func(ctx context.Context) error
}

func (c CloserFunc) Name() string                    { return c.CloserName }
func (c CloserFunc) Close(ctx context.Context) error { return c.Fn(ctx) }

type Config struct {
	// Timeout bounds the whole shutdown pass. Zero means 10s.
	Timeout time.Duration
	// HandleSignals makes Wait return on SIGINT or SIGTERM.
	HandleSignals bool
	Logger        *logger.Logger
}

// Manager collects closers and runs them once, in registration order
// groups but concurrently, when the process winds down.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	closers []Closer
	done    bool
}

func New(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Manager{cfg: cfg}
}

// Register adds a closer. Registration after shutdown is ignored.
func (m *Manager) Register(c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return
	}
	m.closers = append(m.closers, c)
}

// RegisterFunc registers a named close function.
func (m *Manager) RegisterFunc(name string, fn func(ctx context.Context) error) {
	m.Register(CloserFunc{CloserName: name, Fn: fn})
}

// RegisterRegistry registers a pool registry; its connections are
// disconnected during shutdown.
func (m *Manager) RegisterRegistry(r *pool.Registry) {
	m.RegisterFunc("pool", func(context.Context) error {
		r.CloseAll()
		return nil
	})
}

// Wait blocks until ctx is cancelled or, with HandleSignals, a
// termination signal arrives, then runs Shutdown.
func (m *Manager) Wait(ctx context.Context) error {
	if m.cfg.HandleSignals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}
	<-ctx.Done()
	m.cfg.Logger.Infow("shutdown requested")
	return m.Shutdown()
}

// Shutdown runs every registered closer concurrently under the
// configured timeout. It is idempotent; the first call does the work.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	closers := make([]Closer, len(m.closers))
	copy(closers, m.closers)
	m.mu.Unlock()

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	g := new(errgroup.Group)
	for _, c := range closers {
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- c.Close(ctx) }()
			select {
			case err := <-done:
				if err != nil {
					m.cfg.Logger.Warnw("close failed", "resource", c.Name(), "error", err)
					return err
				}
				m.cfg.Logger.Infow("closed", "resource", c.Name())
				return nil
			case <-ctx.Done():
				m.cfg.Logger.Warnw("close deadline exceeded, abandoning", "resource", c.Name())
				return dberr.Newf(dberr.KindDriver, "lifecycle: close %s: %v", c.Name(), ctx.Err())
			}
		})
	}
	err := g.Wait()
	m.cfg.Logger.Infow("shutdown complete", "elapsed", time.Since(started))
	return err
}
