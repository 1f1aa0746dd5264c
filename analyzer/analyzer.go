// Package analyzer aggregates executed queries per normalized pattern and
// surfaces the two signals worth acting on: slow queries and suspected
// N+1 loops (the same pattern re-executed in a tight window).
package analyzer

import (
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/solentra/dbkit/logger"
	"github.com/solentra/dbkit/timeutil"
)

// QueryStat is the per-pattern aggregate.
type QueryStat struct {
	Pattern     string
	Count       int64
	TotalTime   time.Duration
	MaxTime     time.Duration
	MinTime     time.Duration
	Consecutive int
	LastSeen    time.Time
	Locations   []string

	warned bool
}

// SlowQuery is one over-threshold execution.
type SlowQuery struct {
	Pattern  string
	Elapsed  time.Duration
	At       time.Time
	Location string
}

// Report is the analysis snapshot handed to callers.
type Report struct {
	TopPatterns       []QueryStat
	SlowQueries       []SlowQuery
	SuspectedNPlusOne []QueryStat
	NPlusOneWarnings  int64
}

type Options struct {
	Clock             timeutil.Clock
	Logger            *logger.Logger
	NPlusOneThreshold int           // consecutive repeats before warning (default 10)
	NPlusOneWindow    time.Duration // max gap between repeats (default 100ms)
	SlowThreshold     time.Duration // default 1s
	MaxPatterns       int           // bounded pattern map, FIFO eviction (default 256)
	MaxSlow           int           // bounded slow list (default 100)
	MaxLocations      int           // distinct call sites kept per pattern (default 5)
}

type Analyzer struct {
	mu    sync.Mutex
	clock timeutil.Clock
	log   *logger.Logger

	threshold    int
	window       time.Duration
	slowAfter    time.Duration
	maxPatterns  int
	maxSlow      int
	maxLocations int

	stats    map[string]*QueryStat
	order    []string // insertion order for FIFO eviction
	slow     []SlowQuery
	warnings int64
}

func New(opts Options) *Analyzer {
	if opts.Clock == nil {
		opts.Clock = timeutil.Default
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.NPlusOneThreshold <= 0 {
		opts.NPlusOneThreshold = 10
	}
	if opts.NPlusOneWindow <= 0 {
		opts.NPlusOneWindow = 100 * time.Millisecond
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = time.Second
	}
	if opts.MaxPatterns <= 0 {
		opts.MaxPatterns = 256
	}
	if opts.MaxSlow <= 0 {
		opts.MaxSlow = 100
	}
	if opts.MaxLocations <= 0 {
		opts.MaxLocations = 5
	}
	return &Analyzer{
		clock:        opts.Clock,
		log:          opts.Logger,
		threshold:    opts.NPlusOneThreshold,
		window:       opts.NPlusOneWindow,
		slowAfter:    opts.SlowThreshold,
		maxPatterns:  opts.MaxPatterns,
		maxSlow:      opts.MaxSlow,
		maxLocations: opts.MaxLocations,
		stats:        make(map[string]*QueryStat),
	}
}

// Record feeds one execution into the aggregates. location is the caller
// site outside this library (see Caller), may be empty.
func (a *Analyzer) Record(sqlText string, elapsed time.Duration, location string) {
	pattern := Normalize(sqlText)
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.stats[pattern]
	if !ok {
		a.evictIfFullLocked()
		st = &QueryStat{Pattern: pattern, MinTime: elapsed}
		a.stats[pattern] = st
		a.order = append(a.order, pattern)
	} else if now.Sub(st.LastSeen) < a.window {
		st.Consecutive++
	} else {
		st.Consecutive = 0
		st.warned = false
	}

	st.Count++
	st.TotalTime += elapsed
	if elapsed > st.MaxTime {
		st.MaxTime = elapsed
	}
	if elapsed < st.MinTime {
		st.MinTime = elapsed
	}
	st.LastSeen = now
	a.addLocationLocked(st, location)

	if st.Consecutive >= a.threshold && !st.warned {
		st.warned = true
		a.warnings++
		a.log.Warnw("possible N+1 query pattern",
			"pattern", pattern,
			"consecutive", st.Consecutive,
			"locations", st.Locations,
		)
	}

	if elapsed >= a.slowAfter {
		if len(a.slow) >= a.maxSlow {
			a.slow = a.slow[1:]
		}
		a.slow = append(a.slow, SlowQuery{
			Pattern:  pattern,
			Elapsed:  elapsed,
			At:       now,
			Location: location,
		})
		a.log.Warnw("slow query",
			"pattern", pattern,
			"elapsed", elapsed,
			"location", location,
		)
	}
}

// Report returns a snapshot: top patterns by count, the slow list and the
// patterns that tripped the N+1 detector.
func (a *Analyzer) Report() Report {
	const topN = 10

	a.mu.Lock()
	defer a.mu.Unlock()

	top := make([]QueryStat, 0, len(a.stats))
	var nplus []QueryStat
	for _, st := range a.stats {
		top = append(top, *st)
		if st.warned {
			nplus = append(nplus, *st)
		}
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Pattern < top[j].Pattern
	})
	if len(top) > topN {
		top = top[:topN]
	}
	sort.Slice(nplus, func(i, j int) bool { return nplus[i].Pattern < nplus[j].Pattern })

	slow := make([]SlowQuery, len(a.slow))
	copy(slow, a.slow)

	return Report{
		TopPatterns:       top,
		SlowQueries:       slow,
		SuspectedNPlusOne: nplus,
		NPlusOneWarnings:  a.warnings,
	}
}

// Reset drops all aggregates, typically between requests in tests.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats = make(map[string]*QueryStat)
	a.order = nil
	a.slow = nil
	a.warnings = 0
}

func (a *Analyzer) evictIfFullLocked() {
	for len(a.order) >= a.maxPatterns {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.stats, oldest)
	}
}

func (a *Analyzer) addLocationLocked(st *QueryStat, location string) {
	if location == "" || len(st.Locations) >= a.maxLocations {
		return
	}
	for _, l := range st.Locations {
		if l == location {
			return
		}
	}
	st.Locations = append(st.Locations, location)
}

// Caller walks the stack and reports the first frame outside this module,
// the place in application code that issued the query.
func Caller() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "solentra/dbkit") {
			return trimFile(frame.File) + ":" + strconv.Itoa(frame.Line)
		}
		if !more {
			return ""
		}
	}
}

func trimFile(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
