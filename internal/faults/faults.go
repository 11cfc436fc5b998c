// Package faults classifies pipeline errors so each stage can decide whether
// to reject, ignore, retry or report an item.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the class of a pipeline error.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = iota
	// KindData marks malformed input. Never retried.
	KindData
	// KindConflict marks a uniqueness collision. Callers treat it as success.
	KindConflict
	// KindTransient marks a failure worth retrying with backoff.
	KindTransient
	// KindPermanent marks a terminal failure that must be reported.
	KindPermanent
	// KindConfig marks a misconfigured entity. Skipped with a warning.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, faults.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrData      = &Error{Kind: KindData}
	ErrConflict  = &Error{Kind: KindConflict}
	ErrTransient = &Error{Kind: KindTransient}
	ErrPermanent = &Error{Kind: KindPermanent}
	ErrConfig    = &Error{Kind: KindConfig}
)

func newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Data returns a DataError for op.
func Data(op, format string, args ...interface{}) error {
	return newf(KindData, op, format, args...)
}

// Conflict returns a ConflictError for op.
func Conflict(op, format string, args ...interface{}) error {
	return newf(KindConflict, op, format, args...)
}

// Transient returns a TransientError for op.
func Transient(op, format string, args ...interface{}) error {
	return newf(KindTransient, op, format, args...)
}

// Permanent returns a PermanentFailure for op.
func Permanent(op, format string, args ...interface{}) error {
	return newf(KindPermanent, op, format, args...)
}

// Config returns a ConfigError for op.
func Config(op, format string, args ...interface{}) error {
	return newf(KindConfig, op, format, args...)
}

// Wrap classifies err under kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err should be retried. Unclassified errors
// from external collaborators count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindTransient || k == KindUnknown
}
