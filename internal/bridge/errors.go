package bridge

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable class of a failed command.
type Kind string

const (
	KindNoActiveTarget      Kind = "NoActiveTarget"
	KindExecutorUnreachable Kind = "ExecutorUnreachable"
	KindElementNotFound     Kind = "ElementNotFound"
	KindStaleReference      Kind = "StaleReference"
	KindNotInteractable     Kind = "NotInteractable"
	KindUnsupported         Kind = "UnsupportedOperationForElementKind"
	KindTimeout             Kind = "Timeout"
	KindTransport           Kind = "TransportError"
	KindInvalidCommand      Kind = "InvalidCommand"
)

var (
	// ErrClosed is returned when posting on a port whose channel is gone.
	ErrClosed = errors.New("port closed")
	// ErrNoReceiver is returned when nothing on the other side is listening.
	ErrNoReceiver = errors.New("receiving end does not exist")
)

// Error is a command failure scoped to a single request.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	m := err.Error()
	if msg != "" {
		m = msg + ": " + m
	}
	return &Error{Kind: kind, Message: m, cause: err}
}

// KindOf reports the kind of err. Errors that carry no kind are transport errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransport
}

// AsError converts any error to a *Error, keeping an existing kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return Wrap(KindTransport, err, "")
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
