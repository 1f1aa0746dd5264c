// Package balancer selects hosts from a weighted pool, tracks per-host
// health and drives failover across candidates. One Balancer serves one
// replica set (or multi-host write endpoint) and lives for the process.
package balancer

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/solentra/dbkit/config"
	"github.com/solentra/dbkit/dberr"
	"github.com/solentra/dbkit/logger"
	"github.com/solentra/dbkit/timeutil"
)

// Host is a normalized host entry; config owns the normalization.
type Host = config.HostConfig

// HostHealth is one entry of the health report.
type HostHealth struct {
	Host     string    `json:"host"`
	Down     bool      `json:"down"`
	Failures int       `json:"failures"`
	DownAt   time.Time `json:"down_at,omitempty"`
}

type healthState struct {
	failures int
	downAt   time.Time // zero when the host is up
}

type Options struct {
	Strategy    string // random, round-robin, weighted
	MaxFailures int    // consecutive failures before a host goes down (default 3)
	Cooldown    time.Duration
	Clock       timeutil.Clock
	Rand        func(n int) int // seedable for tests
	Logger      *logger.Logger
}

type Balancer struct {
	mu          sync.Mutex
	strategy    string
	hosts       []Host
	health      map[string]*healthState
	next        uint64
	maxFailures int
	cooldown    time.Duration
	clock       timeutil.Clock
	randInt     func(n int) int
	log         *logger.Logger
}

func New(hosts []Host, opts Options) (*Balancer, error) {
	if len(hosts) == 0 {
		return nil, dberr.New(dberr.KindConfig, "balancer: no hosts")
	}
	switch opts.Strategy {
	case "":
		opts.Strategy = config.StrategyRoundRobin
	case config.StrategyRandom, config.StrategyRoundRobin, config.StrategyWeighted:
	default:
		return nil, dberr.Newf(dberr.KindConfig, "balancer: unknown strategy %q", opts.Strategy)
	}
	if opts.MaxFailures < 1 {
		opts.MaxFailures = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Default
	}
	if opts.Rand == nil {
		opts.Rand = rand.Intn
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	b := &Balancer{
		strategy:    opts.Strategy,
		hosts:       hosts,
		health:      make(map[string]*healthState, len(hosts)),
		maxFailures: opts.MaxFailures,
		cooldown:    opts.Cooldown,
		clock:       opts.Clock,
		randInt:     opts.Rand,
		log:         opts.Logger,
	}
	for _, h := range hosts {
		b.health[h.Key()] = &healthState{}
	}
	return b, nil
}

// Select picks one host among those not currently down. When every host
// is down it first recovers the ones whose cooldown elapsed; if none
// qualify the call fails with the full failure breakdown.
func (b *Balancer) Select() (Host, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectLocked(nil)
}

// SelectWithFailover tries up to len(hosts) distinct hosts, never
// repeating one within the call. fn returning nil records a success and
// wins; an error records a failure and moves on. Exhausting every host
// surfaces the last underlying cause.
func (b *Balancer) SelectWithFailover(fn func(Host) error) (Host, error) {
	tried := make(map[string]bool, len(b.hosts))
	var lastErr error

	for range b.hosts {
		b.mu.Lock()
		host, err := b.selectLocked(tried)
		b.mu.Unlock()
		if err != nil {
			break
		}

		if ferr := fn(host); ferr != nil {
			lastErr = ferr
			tried[host.Key()] = true
			b.RecordFailure(host.Key())
			b.log.Warnw("host failed, trying next candidate",
				"host", host.Key(), "error", ferr)
			continue
		}

		b.RecordSuccess(host.Key())
		return host, nil
	}

	b.mu.Lock()
	err := b.allDownErrorLocked()
	b.mu.Unlock()
	err.Err = lastErr
	return Host{}, err
}

// RecordFailure bumps the consecutive-failure counter and marks the host
// down once it reaches the limit. One transient error never trips a host.
func (b *Balancer) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.health[key]
	if !ok {
		return
	}
	st.failures++
	if st.failures >= b.maxFailures && st.downAt.IsZero() {
		st.downAt = b.clock.Now()
		b.log.Warnw("host marked down", "host", key, "failures", st.failures)
	}
}

// RecordSuccess fully resets the host.
func (b *Balancer) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.health[key]; ok {
		st.failures = 0
		st.downAt = time.Time{}
	}
}

// MarkDown forces the host down regardless of its counter.
func (b *Balancer) MarkDown(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.health[key]; ok {
		st.failures = b.maxFailures
		st.downAt = b.clock.Now()
	}
}

// MarkUp forces the host back up with a clean slate.
func (b *Balancer) MarkUp(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.health[key]; ok {
		st.failures = 0
		st.downAt = time.Time{}
	}
}

// HealthReport returns a snapshot keyed by host, sorted stably for
// display by callers that iterate.
func (b *Balancer) HealthReport() map[string]HostHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	report := make(map[string]HostHealth, len(b.hosts))
	for _, h := range b.hosts {
		key := h.Key()
		st := b.health[key]
		report[key] = HostHealth{
			Host:     key,
			Down:     b.isDownLocked(st),
			Failures: st.failures,
			DownAt:   st.downAt,
		}
	}
	return report
}

// Hosts returns the configured host list.
func (b *Balancer) Hosts() []Host {
	out := make([]Host, len(b.hosts))
	copy(out, b.hosts)
	return out
}

func (b *Balancer) selectLocked(exclude map[string]bool) (Host, error) {
	available := b.availableLocked(exclude)
	if len(available) == 0 {
		return Host{}, b.allDownErrorLocked()
	}

	switch b.strategy {
	case config.StrategyRoundRobin:
		idx := int(b.next % uint64(len(available)))
		b.next++
		return available[idx], nil
	case config.StrategyWeighted:
		return b.pickWeighted(available), nil
	default:
		return available[b.randInt(len(available))], nil
	}
}

// availableLocked recomputes the up subset each call so a down host is
// skipped transparently, not merely delayed. Hosts whose cooldown has
// elapsed are recovered on the way: down_at is cleared but the failure
// counter is set to maxFailures-1, not zero, so a recovered host is one
// failure away from being re-tripped. That prevents flapping.
func (b *Balancer) availableLocked(exclude map[string]bool) []Host {
	out := make([]Host, 0, len(b.hosts))
	for _, h := range b.hosts {
		key := h.Key()
		if exclude[key] {
			continue
		}
		st := b.health[key]
		if !st.downAt.IsZero() {
			if b.clock.Since(st.downAt) < b.cooldown {
				continue
			}
			st.downAt = time.Time{}
			st.failures = b.maxFailures - 1
			b.log.Infow("host recovered after cooldown", "host", key)
		}
		out = append(out, h)
	}
	return out
}

func (b *Balancer) isDownLocked(st *healthState) bool {
	return st != nil && !st.downAt.IsZero() && b.clock.Since(st.downAt) < b.cooldown
}

// pickWeighted draws an integer in [1, totalWeight] and walks the hosts
// accumulating weight until the draw is covered.
func (b *Balancer) pickWeighted(available []Host) Host {
	total := 0
	for _, h := range available {
		total += h.Weight
	}
	if total <= 0 {
		return available[b.randInt(len(available))]
	}
	draw := b.randInt(total) + 1
	acc := 0
	for _, h := range available {
		acc += h.Weight
		if draw <= acc {
			return h
		}
	}
	return available[len(available)-1]
}

func (b *Balancer) allDownErrorLocked() *dberr.Error {
	parts := make([]string, 0, len(b.hosts))
	for _, h := range b.hosts {
		key := h.Key()
		parts = append(parts, fmt.Sprintf("%s (failures=%d)", key, b.health[key].failures))
	}
	sort.Strings(parts)
	return dberr.Newf(dberr.KindAllHostsDown, "no reachable host: %s", strings.Join(parts, ", "))
}
