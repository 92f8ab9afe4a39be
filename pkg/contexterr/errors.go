// Package contexterr defines the uniform error envelope used across every
// contextd subsystem and surfaced verbatim by pkg/api: {ok: false, error,
// kind, details?}.
package contexterr

import "fmt"

// Kind is the closed set of error kinds spec.md §7 requires.
type Kind string

const (
	KindSchema      Kind = "schema"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindGate        Kind = "gate"
	KindCorruption  Kind = "corruption"
	KindIO          Kind = "io"
	KindOverflow    Kind = "overflow"
	KindUnknownBatch Kind = "unknown_batch"
)

// Error is the typed error every public operation returns on failure.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can do errors.Is(err, contexterr.Gate).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinels for errors.Is comparisons against a bare kind.
var (
	Schema       = &Error{Kind: KindSchema}
	Conflict     = &Error{Kind: KindConflict}
	NotFound     = &Error{Kind: KindNotFound}
	Gate         = &Error{Kind: KindGate}
	Corruption   = &Error{Kind: KindCorruption}
	IO           = &Error{Kind: KindIO}
	Overflow     = &Error{Kind: KindOverflow}
	UnknownBatch = &Error{Kind: KindUnknownBatch}
)
