package kozos

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents a structured kernel error with context.
type Error struct {
	Op        string        // operation that failed, e.g. "run", "send"
	ThreadID  int32         // thread id (-1 if not applicable)
	MailboxID int           // mailbox id (-1 if not applicable)
	Code      ErrorCode     // high-level error category
	Reason    unix.Signal   // fault reason, for Code == ErrCodeFault (0 otherwise)
	Msg       string        // human-readable message
	Inner     error         // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ThreadID >= 0 {
		parts = append(parts, fmt.Sprintf("thread=%d", e.ThreadID))
	}
	if e.MailboxID >= 0 {
		parts = append(parts, fmt.Sprintf("mailbox=%d", e.MailboxID))
	}
	if e.Reason != 0 {
		parts = append(parts, fmt.Sprintf("reason=%s", e.Reason))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("kozos: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("kozos: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is provides errors.Is support keyed on error code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents high-level kernel error categories.
type ErrorCode string

const (
	ErrCodeNoFreeThread    ErrorCode = "no free thread slot"
	ErrCodeStackExhausted  ErrorCode = "stack arena exhausted"
	ErrCodeOutOfMemory     ErrorCode = "out of memory"
	ErrCodeDoubleFree      ErrorCode = "double free"
	ErrCodeReceiverBusy    ErrorCode = "mailbox receiver already waiting"
	ErrCodeInvalidMailbox  ErrorCode = "invalid mailbox id"
	ErrCodeFault           ErrorCode = "thread fault"
	ErrCodeSchedulerStall  ErrorCode = "no runnable thread"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ThreadID: -1, MailboxID: -1, Code: code, Msg: msg}
}

// NewThreadError creates a thread-specific error.
func NewThreadError(op string, threadID int32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ThreadID: threadID, MailboxID: -1, Code: code, Msg: msg}
}

// NewMailboxError creates a mailbox-specific error.
func NewMailboxError(op string, mailboxID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ThreadID: -1, MailboxID: mailboxID, Code: code, Msg: msg}
}

// NewFaultError creates an error describing a soft-error thread termination.
func NewFaultError(threadID int32, reason unix.Signal) *Error {
	return &Error{
		Op:       "fault",
		ThreadID: threadID,
		MailboxID: -1,
		Code:     ErrCodeFault,
		Reason:   reason,
		Msg:      reason.String(),
	}
}

// WrapError wraps an existing error with kernel context, preserving an
// already-structured error's fields when possible.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ke, ok := inner.(*Error); ok {
		return &Error{
			Op: op, ThreadID: ke.ThreadID, MailboxID: ke.MailboxID,
			Code: ke.Code, Reason: ke.Reason, Msg: ke.Msg, Inner: ke.Inner,
		}
	}
	return &Error{Op: op, ThreadID: -1, MailboxID: -1, Code: ErrCodeFault, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}
