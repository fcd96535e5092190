package lsm

import (
	"errors"
	"fmt"
)

// Code classifies what went wrong, independent of the operation that
// surfaced it.
type Code int

const (
	CodeOK Code = iota
	CodeNotFound
	CodeCorruption
	CodeInvalidArgument
	CodeIOError
	CodeNotSupported
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not_found"
	case CodeCorruption:
		return "corruption"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeIOError:
		return "io_error"
	case CodeNotSupported:
		return "not_supported"
	default:
		return "unknown"
	}
}

// Sentinel causes wrapped by Error, so callers can errors.Is against a
// Code-independent cause as well as against the Code itself.
var (
	ErrNotFound     = errors.New("key not found")
	ErrCorruption   = errors.New("corruption detected")
	ErrBgError      = errors.New("background operation failed, no further writes accepted")
	ErrShuttingDown = errors.New("database is shutting down")

	// ErrFreeListExhausted signals a PMEM output builder ran out of
	// free skiplist nodes mid-compaction, which fails that compaction.
	// LRUTiering's inline eviction also returns it when no PMEM instance
	// at the output level can be evicted; openWarmBuilder then opens an
	// SST output instead.
	ErrFreeListExhausted = errors.New("pmem free list exhausted")
)

// Error is the structured error type returned from DB operations: it names
// the failing operation, the Code that classifies it, and an optional
// underlying cause.
type Error struct {
	Code  Code
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error's Cause, or the Code
// sentinel values above when target is one of them.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrCorruption:
		return e.Code == CodeCorruption
	}
	return errors.Is(e.Cause, target)
}

// NewError builds an *Error for op with the given code and cause.
func NewError(op string, code Code, cause error) *Error {
	return &Error{Op: op, Code: code, Cause: cause}
}

// NotFoundError builds a NotFound error for a missing key lookup.
func NotFoundError(op string) *Error {
	return &Error{Op: op, Code: CodeNotFound, Cause: ErrNotFound}
}

// CorruptionError builds a Corruption error, e.g. from a checksum mismatch.
func CorruptionError(op string, cause error) *Error {
	return &Error{Op: op, Code: CodeCorruption, Cause: cause}
}

// IOErrorf builds an IOError with a formatted cause.
func IOErrorf(op, format string, args ...any) *Error {
	return &Error{Op: op, Code: CodeIOError, Cause: fmt.Errorf(format, args...)}
}

// InvalidArgumentError builds an InvalidArgument error.
func InvalidArgumentError(op string, cause error) *Error {
	return &Error{Op: op, Code: CodeInvalidArgument, Cause: cause}
}

// IsNotFound reports whether err is (or wraps) a NotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
