package aerogpu

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured aerogpu error with submission context
type Error struct {
	Op        string        // Operation that failed (e.g., "SUBMIT", "PRESENT", "WAIT_FENCE")
	ContextID uint32        // Submission context ID (0 if not applicable)
	Engine    int           // Engine ID (-1 if not applicable)
	Fence     uint64        // Fence value involved (0 if not applicable)
	Code      ErrorCode     // High-level error category
	Errno     syscall.Errno // Transport errno (0 if not applicable)
	Msg       string        // Human-readable message
	Inner     error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.ContextID != 0 {
		parts = append(parts, fmt.Sprintf("ctx=%d", e.ContextID))
	}

	if e.Engine >= 0 {
		parts = append(parts, fmt.Sprintf("engine=%d", e.Engine))
	}

	if e.Fence != 0 {
		parts = append(parts, fmt.Sprintf("fence=%d", e.Fence))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("aerogpu: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("aerogpu: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for code comparison
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// ErrCodeProtocol: shared structure failed validation, or the device
	// reported a decode fault. The submission that triggered it is lost.
	ErrCodeProtocol ErrorCode = "protocol violation"

	// ErrCodeTransport: the transport could not deliver a submission or
	// query. Retryable unless the device is lost.
	ErrCodeTransport ErrorCode = "transport failure"

	// ErrCodeTimeout: a bounded wait elapsed. Never raised by fence waits,
	// which report not-ready instead; this covers ring-full stalls that
	// exhaust their retry budget.
	ErrCodeTimeout ErrorCode = "timeout"

	// ErrCodeDeviceLost: a hard failure was latched; all later
	// submissions on the device fail with this code.
	ErrCodeDeviceLost ErrorCode = "device lost"

	// ErrCodeInvalidParameters: caller error (bad engine, nil transport,
	// oversized command buffer request).
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"

	// ErrCodeCapacity never escapes the coordinator; it drives the
	// internal flush-and-retry paths and is surfaced only if a retry
	// fails in a way the coordinator cannot absorb.
	ErrCodeCapacity ErrorCode = "capacity exhausted"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Engine: -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewContextError creates a new submission-context error
func NewContextError(op string, contextID uint32, engine int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:        op,
		ContextID: contextID,
		Engine:    engine,
		Code:      code,
		Msg:       msg,
	}
}

// NewFenceError creates a new fence-related error
func NewFenceError(op string, fence uint64, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Engine: -1,
		Fence:  fence,
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with aerogpu context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if ae, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			ContextID: ae.ContextID,
			Engine:    ae.Engine,
			Fence:     ae.Fence,
			Code:      ae.Code,
			Errno:     ae.Errno,
			Msg:       ae.Msg,
			Inner:     ae.Inner,
		}
	}

	// Transport errnos keep their kernel identity alongside the code
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:     op,
			Engine: -1,
			Code:   code,
			Errno:  errno,
			Msg:    errno.Error(),
			Inner:  inner,
		}
	}

	return &Error{
		Op:     op,
		Engine: -1,
		Code:   code,
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Errno == errno
	}
	return false
}
