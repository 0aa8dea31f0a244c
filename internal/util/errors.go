package util

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes
var (
	// ErrNotReady indicates storage or the database is not open yet, or the
	// requested frame lives in a chunk that has not been flushed. Callers
	// should retry shortly rather than treat it as a failure.
	ErrNotReady = errors.New("not ready")

	// ErrCorrupt indicates a file is corrupt or unreadable
	ErrCorrupt = errors.New("corrupt file")

	// ErrQuarantined indicates a chunk was quarantined and will not be read
	ErrQuarantined = errors.New("chunk quarantined")

	// ErrExhausted indicates a bounded resource overflowed or a subprocess
	// failed too many times in a row
	ErrExhausted = errors.New("resource exhausted")

	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPermission indicates a permission error
	ErrPermission = errors.New("permission denied")

	// ErrDiskFull indicates insufficient disk space
	ErrDiskFull = errors.New("disk full")
)

// Kind classifies failures so call sites can decide between retrying,
// quarantining, resetting or waiting.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient: a subprocess failed to start or a pipe write failed.
	KindTransient
	// KindCorruption: malformed container or malformed database file.
	KindCorruption
	// KindExhausted: buffer cap or consecutive-failure threshold crossed.
	KindExhausted
	// KindNotReady: database closed, storage unconfigured, chunk still open.
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCorruption:
		return "corruption"
	case KindExhausted:
		return "exhausted"
	case KindNotReady:
		return "not_ready"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotReady) and friends match on the kind alone.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotReady:
		return e.Kind == KindNotReady
	case ErrCorrupt:
		return e.Kind == KindCorruption
	case ErrExhausted:
		return e.Kind == KindExhausted
	}
	return false
}

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrCorrupt):
		return KindCorruption
	case errors.Is(err, ErrExhausted):
		return KindExhausted
	}
	return KindUnknown
}
