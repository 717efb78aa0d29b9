// Package storeerr defines the error taxonomy shared by the store and mmr
// packages.
//
// NotFound is ordinary control flow for a map lookup, not a fault; everything
// else propagates to the caller as a wrapped sentinel so callers can branch
// on it with errors.Is / errors.As instead of parsing a message.
package storeerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a KeyValueMap Get for an absent key;
	// Contains reports the same case as false with a nil error.
	ErrNotFound = errors.New("key not found")

	// ErrOutOfRange is returned by an OrderedSequence Get/Set for an index
	// outside [0, length).
	ErrOutOfRange = errors.New("index out of range")

	// ErrBadLength is returned when a constant-length OrderedSequence is
	// given a value whose length does not equal the configured item length.
	ErrBadLength = errors.New("value length does not match configured item length")

	// ErrUnknownTag is returned by the codec when decoding a byte string
	// whose leading tag byte is not one of s, i, b, n, r.
	ErrUnknownTag = errors.New("unknown codec tag")

	// ErrUnknownName is returned when a container reference's name has no
	// sidecar to reconstruct it from.
	ErrUnknownName = errors.New("unknown container name")

	// ErrStoreCorrupt marks a fatal inconsistency in a container's sidecar,
	// page layout, or a dangling reference. Never auto-repaired.
	ErrStoreCorrupt = errors.New("store corrupt")
)

// EngineError wraps any I/O or transaction failure surfaced by the
// underlying key/value engine, tagged with the operation that failed.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error during %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// WrapEngine tags an underlying engine error with the operation that
// produced it. Returns nil if err is nil.
func WrapEngine(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}

// NotFoundf wraps ErrNotFound with a key-specific message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// StoreCorruptf wraps ErrStoreCorrupt with a diagnostic message.
func StoreCorruptf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrStoreCorrupt)...)
}

// BadLengthf wraps ErrBadLength with a diagnostic message.
func BadLengthf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrBadLength)...)
}

// OutOfRangef wraps ErrOutOfRange with a diagnostic message.
func OutOfRangef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrOutOfRange)...)
}

// UnknownNamef wraps ErrUnknownName with a diagnostic message.
func UnknownNamef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnknownName)...)
}
