// Package audit appends timestamped audit lines to a file. It records the
// events that must survive process logs: dangerous statements, connect
// failures after retries, failover and all-hosts-down events.
package audit

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/solentra/dbkit/timeutil"
)

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Log is safe for concurrent use. A nil *Log discards everything, so
// callers never branch on whether auditing is configured.
type Log struct {
	mu    sync.Mutex
	f     *os.File
	clock timeutil.Clock
}

// Open appends to path, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{f: f, clock: timeutil.Default}, nil
}

// WithClock replaces the time source. Returns l for chaining.
func (l *Log) WithClock(c timeutil.Clock) *Log {
	if l != nil && c != nil {
		l.clock = c
	}
	return l
}

func (l *Log) Info(format string, args ...any)     { l.write(LevelInfo, format, args...) }
func (l *Log) Warning(format string, args ...any)  { l.write(LevelWarning, format, args...) }
func (l *Log) Critical(format string, args ...any) { l.write(LevelCritical, format, args...) }

func (l *Log) write(level Level, format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.clock.Now().Format(time.RFC3339)
	fmt.Fprintf(l.f, "%s [%s] %s\n", ts, level, fmt.Sprintf(format, args...))
}

func (l *Log) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
