package kozos

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestStructuredError(t *testing.T) {
	err := NewError("send", ErrCodeInvalidMailbox, "bad mailbox id")

	if err.Op != "send" {
		t.Errorf("Expected Op=send, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidMailbox {
		t.Errorf("Expected Code=ErrCodeInvalidMailbox, got %s", err.Code)
	}

	expected := "kozos: bad mailbox id (op=send)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestThreadError(t *testing.T) {
	err := NewThreadError("chpri", 3, ErrCodeNoFreeThread, "no such thread")

	if err.ThreadID != 3 {
		t.Errorf("Expected ThreadID=3, got %d", err.ThreadID)
	}

	expected := "kozos: no such thread (op=chpri)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestMailboxError(t *testing.T) {
	err := NewMailboxError("recv", 2, ErrCodeReceiverBusy, "receiver already waiting")

	if err.MailboxID != 2 {
		t.Errorf("Expected MailboxID=2, got %d", err.MailboxID)
	}

	expected := "kozos: receiver already waiting (op=recv)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestFaultError(t *testing.T) {
	err := NewFaultError(7, unix.SIGSEGV)

	if err.ThreadID != 7 {
		t.Errorf("Expected ThreadID=7, got %d", err.ThreadID)
	}
	if err.Code != ErrCodeFault {
		t.Errorf("Expected Code=ErrCodeFault, got %s", err.Code)
	}
	if err.Reason != unix.SIGSEGV {
		t.Errorf("Expected Reason=SIGSEGV, got %v", err.Reason)
	}
}

func TestWrapError(t *testing.T) {
	inner := errors.New("heap corrupt")
	err := WrapError("kmfree", inner)

	if err.Op != "kmfree" {
		t.Errorf("Expected Op=kmfree, got %s", err.Op)
	}
	if !errors.Is(err, inner) {
		t.Error("Expected wrapped error to satisfy errors.Is for the inner error")
	}
}

func TestWrapErrorPreservesStructuredFields(t *testing.T) {
	original := NewMailboxError("send", 1, ErrCodeOutOfMemory, "no envelope class big enough")
	wrapped := WrapError("send-retry", original)

	if wrapped.MailboxID != 1 {
		t.Errorf("Expected MailboxID to survive rewrap, got %d", wrapped.MailboxID)
	}
	if wrapped.Code != ErrCodeOutOfMemory {
		t.Errorf("Expected Code to survive rewrap, got %s", wrapped.Code)
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("noop", nil) != nil {
		t.Error("Expected WrapError(op, nil) to return nil")
	}
}

func TestErrorIs(t *testing.T) {
	a := NewError("kmalloc", ErrCodeOutOfMemory, "first")
	b := NewError("kmalloc", ErrCodeOutOfMemory, "second")
	c := NewError("kmalloc", ErrCodeDoubleFree, "third")

	if !errors.Is(a, b) {
		t.Error("Expected errors with the same code to satisfy errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("Expected errors with different codes not to satisfy errors.Is")
	}
}

func TestErrorAs(t *testing.T) {
	var err error = NewFaultError(4, unix.SIGBUS)

	var ke *Error
	if !errors.As(err, &ke) {
		t.Fatal("Expected errors.As to unwrap a *Error")
	}
	if ke.ThreadID != 4 {
		t.Errorf("Expected ThreadID=4, got %d", ke.ThreadID)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("test", ErrCodeSchedulerStall, "no runnable thread")

	if !IsCode(err, ErrCodeSchedulerStall) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeOutOfMemory) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeSchedulerStall) {
		t.Error("IsCode should return false for nil error")
	}
}
