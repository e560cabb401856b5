// Package tapeerr defines the taxonomy of tape-operation failures shared by
// every transport, device and engine in this module. It generalizes the
// exit-code/stderr classification pattern of internal/cmdutil.ErrorDetail
// (originally scoped to child-process exit errors) into a single enum that
// both the ITDT child-process path and the SCSI sense-data path resolve
// into, so callers never branch on which transport produced an error.
package tapeerr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed taxonomy tags a tape operation can fail with.
type Kind string

const (
	DeviceUnavailable  Kind = "DeviceUnavailable"
	NotReady           Kind = "NotReady"
	WriteProtected     Kind = "WriteProtected"
	MediumError        Kind = "MediumError"
	HardwareError      Kind = "HardwareError"
	Timeout            Kind = "Timeout"
	InvalidCommand     Kind = "InvalidCommand"
	LabelMonthMismatch Kind = "LabelMonthMismatch"
	Busy               Kind = "Busy"
	Cancelled          Kind = "Cancelled"
	ConfigError        Kind = "ConfigError"
	EndOfMedium        Kind = "EndOfMedium"
	IntegrityError     Kind = "IntegrityError"
)

// Transient reports whether the transport layer should retry operations
// failing with this kind (bounded exponential backoff) rather than
// surfacing immediately. Mirrors the SCSI sense-key classification: UNIT
// ATTENTION, NOT READY-becoming-ready and BUSY are transient; everything
// else is permanent.
func (k Kind) Transient() bool {
	switch k {
	case NotReady, Busy, Timeout:
		return true
	default:
		return false
	}
}

// TapeError wraps an underlying cause with a taxonomy Kind and, for the
// SCSI path, the raw sense bytes that produced the classification.
type TapeError struct {
	Kind    Kind
	Message string
	Sense   []byte
	Err     error
}

func (e *TapeError) Error() string {
	if e.Message != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *TapeError) Unwrap() error { return e.Err }

// New constructs a TapeError with no wrapped cause.
func New(kind Kind, message string) *TapeError {
	return &TapeError{Kind: kind, Message: message}
}

// Wrap constructs a TapeError around an existing error.
func Wrap(kind Kind, message string, err error) *TapeError {
	return &TapeError{Kind: kind, Message: message, Err: err}
}

// WithSense attaches raw sense bytes (SCSI CheckCondition data) to a
// TapeError, returning the same error for chaining.
func (e *TapeError) WithSense(sense []byte) *TapeError {
	e.Sense = sense
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) a *TapeError,
// returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var te *TapeError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// Is reports whether err is a *TapeError of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
