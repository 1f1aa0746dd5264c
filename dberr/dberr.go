package dberr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies errors produced by the connection layer so retry and
// failover logic can branch without matching message text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfig
	KindConnect
	KindTooManyConnections
	KindPoolExhausted
	KindReplicaFailure
	KindDeadlock
	KindDangerousStatement
	KindAllHostsDown
	KindDriver
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnect:
		return "connect"
	case KindTooManyConnections:
		return "too_many_connections"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindReplicaFailure:
		return "replica_failure"
	case KindDeadlock:
		return "deadlock"
	case KindDangerousStatement:
		return "dangerous_statement"
	case KindAllHostsDown:
		return "all_hosts_down"
	case KindDriver:
		return "driver"
	default:
		return "unknown"
	}
}

// Error carries the kind plus enough context to diagnose without re-running:
// connection name, host, normalized SQL pattern, attempt count.
type Error struct {
	Kind     Kind
	Name     string // logical connection name
	Host     string
	Pattern  string // normalized SQL, when relevant
	Attempts int
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("dbkit: ")
	b.WriteString(e.Kind.String())
	if e.Name != "" {
		fmt.Fprintf(&b, " [%s]", e.Name)
	}
	if e.Host != "" {
		fmt.Fprintf(&b, " host=%s", e.Host)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " attempts=%d", e.Attempts)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, classifying driver errors when err
// does not already carry one.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
