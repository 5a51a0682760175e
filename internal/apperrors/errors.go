// Package apperrors defines the error taxonomy shared by the connection,
// routing and moderation layers. Every error carries a stable code that is
// surfaced to clients in error frames.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the session must react to it.
type Kind string

const (
	KindAuth          Kind = "auth"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation"
	KindPermission    Kind = "permission"
	KindRateLimit     Kind = "rate_limit"
	KindInternal      Kind = "internal"
)

// Stable error codes.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeChatNotFound        = "chat_not_found"
	CodeInvalidJSON         = "invalid_json"
	CodeUnknownMessageType  = "unknown_message_type"
	CodeInvalidData         = "invalid_data"
	CodeEmptyMessage        = "empty_message"
	CodePermissionDenied    = "permission_denied"
	CodeSlowMode            = "slow_mode"
	CodeMessageNotFound     = "message_not_found"
	CodeParticipantNotFound = "participant_not_found"
	CodeCallNotFound        = "call_not_found"
	CodeCallActive          = "call_already_active"
	CodeEditDenied          = "edit_denied"
	CodeDeleteDenied        = "delete_denied"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Remaining is the wait hint in whole seconds for rate limit errors.
	Remaining int
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Auth reports a missing or invalid credential.
func Auth(message string, err error) *Error {
	return &Error{Kind: KindAuth, Code: CodeUnauthenticated, Message: message, Err: err}
}

// Authorization reports an authenticated user that may not access the chat.
func Authorization(message string) *Error {
	return &Error{Kind: KindAuthorization, Code: CodeForbidden, Message: message}
}

// NotFound reports a referenced entity that does not exist in the chat.
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Validation reports a malformed or out-of-range payload.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// Permission reports a participant lacking a specific capability.
func Permission(code, message string) *Error {
	return &Error{Kind: KindPermission, Code: code, Message: message}
}

// RateLimit reports a rejected action with the seconds left until it is allowed.
func RateLimit(code string, remaining int) *Error {
	return &Error{
		Kind:      KindRateLimit,
		Code:      code,
		Message:   fmt.Sprintf("please wait %d seconds", remaining),
		Remaining: remaining,
	}
}

// Internal wraps a store, cache or encoding failure.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: message, Err: err}
}

// As extracts the classified error from err.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err is classified with kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
