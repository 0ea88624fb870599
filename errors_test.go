package rnvme

import (
	"context"
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"

	"github.com/behrlich/go-rnvme/hw"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			"full context",
			&Error{Op: "read", Controller: "c1", Queue: 1, Code: ErrCodeTimeout,
				Status: hw.StatusAbortRequested, Msg: "command timed out"},
			"rnvme: command timed out (op=read ctrl=c1 qid=1 status=0x7)",
		},
		{
			"message falls back to code",
			&Error{Op: "flush", Queue: -1, Code: ErrCodeBusy},
			"rnvme: controller busy (op=flush)",
		},
		{
			"bare",
			&Error{Queue: -1, Code: ErrCodeOffline, Msg: "controller closed"},
			"rnvme: controller closed",
		},
		{
			"queue zero is admin, not absent",
			&Error{Op: "abort", Queue: 0, Code: ErrCodeBusy, Msg: "no admin tag free"},
			"rnvme: no admin tag free (op=abort qid=0)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSentinelsMatchByCode(t *testing.T) {
	// A status error and a sentinel with the same category must match,
	// however much context the error gained on the way up.
	err := StatusError("write", "c1", 1, hw.StatusAbortRequested)
	if !errors.Is(err, ErrAborted) {
		t.Errorf("status error does not match ErrAborted: %v", err)
	}
	wrapped := WrapError("transfer", err)
	if !errors.Is(wrapped, ErrAborted) {
		t.Errorf("wrapped status error does not match ErrAborted: %v", wrapped)
	}
	if errors.Is(wrapped, ErrTimeout) {
		t.Errorf("aborted error matches ErrTimeout: %v", wrapped)
	}
}

func TestWrapError(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Error("WrapError(nil) != nil")
	}

	// Structured errors keep their context and take the new operation.
	inner := NewQueueError("identify", "c1", 0, ErrCodeProtocol, "bad payload")
	out := WrapError("connect", inner)
	if out.Op != "connect" || out.Controller != "c1" || out.Queue != 0 || out.Code != ErrCodeProtocol {
		t.Errorf("rewrapped error lost context: %+v", out)
	}

	// Context errors map to their categories.
	if e := WrapError("op", context.DeadlineExceeded); e.Code != ErrCodeTimeout {
		t.Errorf("deadline maps to %q, want timeout", e.Code)
	}
	if e := WrapError("op", context.Canceled); e.Code != ErrCodeAborted {
		t.Errorf("cancel maps to %q, want aborted", e.Code)
	}

	// Foreign errors stay reachable through the chain, including ones
	// that already carry their own wrapping.
	base := pkgerrors.New("ring exhausted")
	e := WrapError("submit", pkgerrors.Wrap(base, "queue"))
	if e.Code != ErrCodeIOError {
		t.Errorf("generic error maps to %q, want io error", e.Code)
	}
	if !errors.Is(e, base) {
		t.Errorf("inner error unreachable: %v", e)
	}
}

func TestStatusErrorCategories(t *testing.T) {
	tests := []struct {
		status uint16
		code   ErrorCode
	}{
		{hw.StatusInvalidOpcode, ErrCodeInvalidParams},
		{hw.StatusInvalidField, ErrCodeInvalidParams},
		{hw.StatusLBAOutOfRange, ErrCodeInvalidParams},
		{hw.StatusCapacityExceeded, ErrCodeInvalidParams},
		{hw.StatusAbortRequested, ErrCodeAborted},
		{hw.StatusAbortedSQDeleted, ErrCodeAborted},
		{hw.StatusAbortedPowerLoss, ErrCodeAborted},
		{hw.StatusNSNotReady, ErrCodeBusy},
		{hw.StatusAbortLimit, ErrCodeBusy},
		{hw.StatusInternal, ErrCodeIOError},
		{0x3ff, ErrCodeIOError},
	}
	for _, tt := range tests {
		err := StatusError("op", "", 1, tt.status)
		if err.Code != tt.code {
			t.Errorf("status %#x maps to %q, want %q", tt.status, err.Code, tt.code)
		}
		if err.Status != tt.status {
			t.Errorf("status %#x not preserved", tt.status)
		}
	}
}

func TestIsCodeIsStatus(t *testing.T) {
	err := StatusError("read", "c1", 1, hw.StatusLBAOutOfRange)

	if !IsCode(err, ErrCodeInvalidParams) {
		t.Error("IsCode missed the category")
	}
	if IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode matched the wrong category")
	}
	if !IsStatus(err, hw.StatusLBAOutOfRange) {
		t.Error("IsStatus missed the status")
	}
	if IsStatus(err, hw.StatusSuccess) {
		t.Error("IsStatus matched the wrong status")
	}

	// Both helpers see through foreign wrapping.
	wrapped := pkgerrors.Wrap(err, "io")
	if !IsCode(wrapped, ErrCodeInvalidParams) || !IsStatus(wrapped, hw.StatusLBAOutOfRange) {
		t.Error("helpers do not unwrap")
	}

	// And neither matches a plain error.
	plain := pkgerrors.New("nope")
	if IsCode(plain, ErrCodeIOError) || IsStatus(plain, hw.StatusSuccess) {
		t.Error("helpers matched an unstructured error")
	}
}
