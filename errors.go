package rnvme

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/behrlich/go-rnvme/hw"
)

// Error is a structured controller error with operation context and,
// for command failures, the device status code.
type Error struct {
	Op         string    // operation that failed (e.g. "identify", "read")
	Controller string    // controller instance id, empty if not applicable
	Queue      int       // queue id, -1 if not applicable
	Code       ErrorCode // high-level error category
	Status     uint16    // device status code, 0 if not applicable
	Msg        string    // human-readable message
	Inner      error     // wrapped error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Controller != "" {
		parts = append(parts, fmt.Sprintf("ctrl=%s", e.Controller))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("qid=%d", e.Queue))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%#x", e.Status))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("rnvme: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("rnvme: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two structured errors by category.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories.
type ErrorCode string

const (
	ErrCodeNotSupported  ErrorCode = "not supported"
	ErrCodeOffline       ErrorCode = "controller offline"
	ErrCodeInvalidParams ErrorCode = "invalid parameters"
	ErrCodeTimeout       ErrorCode = "timeout"
	ErrCodeAborted       ErrorCode = "command aborted"
	ErrCodeIOError       ErrorCode = "I/O error"
	ErrCodeNoMemory      ErrorCode = "out of memory"
	ErrCodeBusy          ErrorCode = "controller busy"
	ErrCodeProtocol      ErrorCode = "protocol violation"
	ErrCodeCrashed       ErrorCode = "coprocessor crashed"
)

// Common sentinel errors. These match any *Error carrying the same
// code, so call sites can use errors.Is regardless of how much context
// the error gained on the way up.
var (
	ErrClosed     = &Error{Code: ErrCodeOffline, Queue: -1, Msg: "controller closed"}
	ErrNotReady   = &Error{Code: ErrCodeBusy, Queue: -1, Msg: "controller not ready"}
	ErrTimeout    = &Error{Code: ErrCodeTimeout, Queue: -1, Msg: "command timed out"}
	ErrAborted    = &Error{Code: ErrCodeAborted, Queue: -1, Msg: "command aborted"}
	ErrOutOfRange = &Error{Code: ErrCodeInvalidParams, Queue: -1, Msg: "address out of range"}
	ErrTooLarge   = &Error{Code: ErrCodeInvalidParams, Queue: -1, Msg: "transfer exceeds device limit"}
	ErrUnaligned  = &Error{Code: ErrCodeInvalidParams, Queue: -1, Msg: "offset or length not block aligned"}
	ErrDeviceGone = &Error{Code: ErrCodeOffline, Queue: -1, Msg: "device not responding"}
)

// NewError creates a structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewQueueError creates a queue-scoped error.
func NewQueueError(op, ctrlID string, qid int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Controller: ctrlID, Queue: qid, Code: code, Msg: msg}
}

// StatusError builds an error from a command's completion status.
func StatusError(op, ctrlID string, qid int, status uint16) *Error {
	return &Error{
		Op:         op,
		Controller: ctrlID,
		Queue:      qid,
		Code:       mapStatusToCode(status),
		Status:     status,
		Msg:        statusMessage(status),
	}
}

// WrapError wraps an existing error with controller context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// Already structured: keep its context, update the operation.
	if se, ok := inner.(*Error); ok {
		return &Error{
			Op:         op,
			Controller: se.Controller,
			Queue:      se.Queue,
			Code:       se.Code,
			Status:     se.Status,
			Msg:        se.Msg,
			Inner:      se.Inner,
		}
	}

	code := ErrCodeIOError
	switch {
	case errors.Is(inner, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case errors.Is(inner, context.Canceled):
		code = ErrCodeAborted
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapStatusToCode maps device status codes to error categories.
func mapStatusToCode(status uint16) ErrorCode {
	switch status {
	case hw.StatusInvalidOpcode, hw.StatusInvalidField,
		hw.StatusLBAOutOfRange, hw.StatusCapacityExceeded:
		return ErrCodeInvalidParams
	case hw.StatusAbortRequested, hw.StatusAbortedSQDeleted,
		hw.StatusAbortedPowerLoss:
		return ErrCodeAborted
	case hw.StatusNSNotReady:
		return ErrCodeBusy
	case hw.StatusAbortLimit:
		return ErrCodeBusy
	default:
		return ErrCodeIOError
	}
}

func statusMessage(status uint16) string {
	switch status {
	case hw.StatusInvalidOpcode:
		return "invalid opcode"
	case hw.StatusInvalidField:
		return "invalid field in command"
	case hw.StatusDataTransferErr:
		return "data transfer error"
	case hw.StatusAbortedPowerLoss:
		return "aborted due to power loss notification"
	case hw.StatusInternal:
		return "internal device error"
	case hw.StatusAbortRequested:
		return "abort requested"
	case hw.StatusAbortedSQDeleted:
		return "aborted due to queue deletion"
	case hw.StatusLBAOutOfRange:
		return "LBA out of range"
	case hw.StatusCapacityExceeded:
		return "capacity exceeded"
	case hw.StatusNSNotReady:
		return "namespace not ready"
	default:
		return fmt.Sprintf("device status %#x", status)
	}
}

// IsCode checks whether an error matches a specific error category.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsStatus checks whether an error carries a specific device status.
func IsStatus(err error, status uint16) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Status == status
	}
	return false
}
