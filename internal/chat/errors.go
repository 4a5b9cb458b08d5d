package chat

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuthentication Kind = "AuthenticationError"
	KindAuthorization  Kind = "AuthorizationError"
	KindValidation     Kind = "ValidationError"
	KindNotFound       Kind = "NotFoundError"
	KindStorage        Kind = "StorageError"
)

// Error is the single error type the core reports to callers. A zero Message
// matches any error of the same kind with errors.Is.
type Error struct {
	Kind           Kind
	Message        string
	ConversationID string
	Err            error
}

var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrStorage        = &Error{Kind: KindStorage}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StorageErr wraps a driver error. Deadline errors keep their cause so callers
// can tell a timeout from a failure.
func StorageErr(op string, err error) *Error {
	msg := op + " failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = op + " timed out"
	}
	return &Error{Kind: KindStorage, Message: msg, Err: err}
}

// KindOf classifies err. Anything outside the taxonomy counts as a storage error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// WithConversation scopes err to a conversation, keeping its kind.
func WithConversation(err error, conversationID string) *Error {
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.ConversationID = conversationID
		return &cp
	}
	return &Error{Kind: KindStorage, Message: "internal error", ConversationID: conversationID, Err: err}
}
