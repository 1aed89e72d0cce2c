package core

import (
	"errors"
	"fmt"
)

// Failure kinds of an OTA session. Every kind is terminal for the session.
var (
	ErrNoUpdatePartition       = errors.New("no available OTA partition for update")
	ErrOpenFailed              = errors.New("OTA begin failed")
	ErrWriteFailed             = errors.New("OTA write failed")
	ErrFinalizeFailed          = errors.New("OTA end failed")
	ErrBootPointerUpdateFailed = errors.New("OTA set boot partition failed")
	ErrTransport               = errors.New("HTTP GET request failed")
)

// FailureReason names the kind carried by a Failed session.
type FailureReason string

const (
	NoUpdatePartition       FailureReason = "NoUpdatePartition"
	OpenFailed              FailureReason = "OpenFailed"
	WriteFailed             FailureReason = "WriteFailed"
	FinalizeFailed          FailureReason = "FinalizeFailed"
	BootPointerUpdateFailed FailureReason = "BootPointerUpdateFailed"
	TransportError          FailureReason = "TransportError"
)

var sentinels = map[FailureReason]error{
	NoUpdatePartition:       ErrNoUpdatePartition,
	OpenFailed:              ErrOpenFailed,
	WriteFailed:             ErrWriteFailed,
	FinalizeFailed:          ErrFinalizeFailed,
	BootPointerUpdateFailed: ErrBootPointerUpdateFailed,
	TransportError:          ErrTransport,
}

// Sentinel returns the error value errors.Is matches for r.
func (r FailureReason) Sentinel() error {
	if err, ok := sentinels[r]; ok {
		return err
	}
	return fmt.Errorf("unknown failure reason %q", string(r))
}

// SessionError is the error a failed session ends with.
type SessionError struct {
	Reason FailureReason
	Err    error
}

// Fail wraps cause as a SessionError of the given reason.
func Fail(reason FailureReason, cause error) *SessionError {
	return &SessionError{Reason: reason, Err: cause}
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Reason.Sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason.Sentinel(), e.Err)
}

// Unwrap exposes both the reason's sentinel and the underlying cause.
func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason.Sentinel()}
	}
	return []error{e.Reason.Sentinel(), e.Err}
}

// ReasonOf extracts the failure reason from err, if it carries one.
func ReasonOf(err error) (FailureReason, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}
