package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures for the user-facing error state.
type ErrorKind string

const (
	KindConnectivity  ErrorKind = "connectivity"
	KindAuthorization ErrorKind = "authorization"
	KindNotFound      ErrorKind = "not_found"
	KindValidation    ErrorKind = "validation"
	KindUnknown       ErrorKind = "unknown"
)

// User-facing messages recorded in Store.LastError.
const (
	msgSessionExpired   = "Your session has expired. Please sign in again."
	msgNotParticipant   = "You are not a participant in this conversation."
	msgMessageGone      = "This message no longer exists."
	msgConversationGone = "This conversation no longer exists."
	msgConnectivity     = "Connection to chat was lost. Reconnecting…"
	msgRetry            = "Something went wrong. Please try again."
)

var (
	// ErrNoToken is returned by REST calls when the token source is empty.
	ErrNoToken = errors.New("chatsync: no session token")
	// ErrNotConnected is returned by Session.Emit without a live connection.
	ErrNotConnected = errors.New("chatsync: not connected")
)

// SyncError is the error type returned by Store operations. Callers can use
// errors.As to extract it:
//
//	var syncErr *chatsync.SyncError
//	if errors.As(err, &syncErr) && syncErr.Kind == chatsync.KindAuthorization { ... }
type SyncError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chatsync: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("chatsync: %s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// UserMessage is the string shown to the user for this failure.
func (e *SyncError) UserMessage() string {
	return e.Message
}

// IsKind reports whether err is a *SyncError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind == kind
	}
	return false
}

// notFoundTarget selects the 404 wording, or disables the NotFound mapping.
type notFoundTarget int

const (
	notFoundGeneric notFoundTarget = iota
	notFoundMessage
	notFoundConversation
)

// classify turns a REST or transport failure into a *SyncError.
func classify(op string, err error, target notFoundTarget) *SyncError {
	if err == nil {
		return nil
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}
	if errors.Is(err, ErrNoToken) {
		return &SyncError{Kind: KindAuthorization, Op: op, StatusCode: http.StatusUnauthorized, Message: msgSessionExpired, Err: err}
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return &SyncError{Kind: KindUnknown, Op: op, Message: msgRetry, Err: err}
	}

	out := &SyncError{Op: op, StatusCode: apiErr.StatusCode, Err: err}
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		out.Kind, out.Message = KindAuthorization, msgSessionExpired
	case apiErr.StatusCode == http.StatusForbidden:
		out.Kind, out.Message = KindAuthorization, msgNotParticipant
	case apiErr.StatusCode == http.StatusNotFound && target == notFoundMessage:
		out.Kind, out.Message = KindNotFound, msgMessageGone
	case apiErr.StatusCode == http.StatusNotFound && target == notFoundConversation:
		out.Kind, out.Message = KindNotFound, msgConversationGone
	default:
		out.Kind, out.Message = KindUnknown, msgRetry
	}
	return out
}

func validationError(op string, err error) *SyncError {
	return &SyncError{Kind: KindValidation, Op: op, Message: err.Error(), Err: err}
}

func connectivityError(op string, err error) *SyncError {
	return &SyncError{Kind: KindConnectivity, Op: op, Message: msgConnectivity, Err: err}
}
