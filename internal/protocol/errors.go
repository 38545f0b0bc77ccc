package protocol

import (
	"errors"
	"fmt"
)

const (
	// Reference/identity.
	ErrNotFound             = "E_NOT_FOUND"
	ErrAlreadyExists        = "E_ALREADY_EXISTS"
	ErrReferentialIntegrity = "E_REFERENTIAL_INTEGRITY"

	// Payload/state decoding.
	ErrSchemaMismatch   = "E_SCHEMA_MISMATCH"
	ErrCorruptSnapshot  = "E_CORRUPT_SNAPSHOT"
	ErrChecksumMismatch = "E_CHECKSUM_MISMATCH"

	// World lifecycle/ordering.
	ErrStaleTick         = "E_STALE_TICK"
	ErrInvalidState      = "E_INVALID_STATE"
	ErrProjectionStalled = "E_PROJECTION_STALLED"
	ErrBadRequest        = "E_BAD_REQUEST"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrNotFound:             {},
	ErrAlreadyExists:        {},
	ErrReferentialIntegrity: {},
	ErrSchemaMismatch:       {},
	ErrCorruptSnapshot:      {},
	ErrChecksumMismatch:     {},
	ErrStaleTick:            {},
	ErrInvalidState:         {},
	ErrProjectionStalled:    {},
	ErrBadRequest:           {},
	ErrInternal:             {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a store failure tagged with one of the E_* codes.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with code. A nil err yields nil.
func Wrap(code string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the outermost E_* code in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
