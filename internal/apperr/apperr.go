// Package apperr classifies the failures surfaced by the session, transfer
// and terminal layers.
//
// Errors keep the message of the error that caused them untouched; the kind
// only exists so callers can branch with errors.Is:
//
//	if errors.Is(err, apperr.ErrSessionNotFound) {
//	    // reconnect and retry
//	}
package apperr

import "errors"

// Error kinds. Match them with errors.Is.
var (
	// ErrConnect covers authentication and network failures while opening a
	// transport or channel. Never retried internally.
	ErrConnect = errors.New("connect failure")
	// ErrSessionNotFound means the session key is absent or its entry is no
	// longer valid; the caller must reconnect.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRemoteOperation is a protocol-level failure reported by the remote
	// host during list/stat/mkdir/rm/rename.
	ErrRemoteOperation = errors.New("remote operation failure")
	// ErrStreaming is an I/O error in the middle of a transfer.
	ErrStreaming = errors.New("streaming failure")
	// ErrDuplicateConnection is returned when a terminal session id is
	// already bound to a live shell.
	ErrDuplicateConnection = errors.New("duplicate connection")
	// ErrCancelled is returned by a copy loop aborted because its transfer
	// was cancelled.
	ErrCancelled = errors.New("transfer cancelled")
)

// Error carries a kind alongside the original failure.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// Error returns the message of the wrapped failure, or the kind when there
// is none.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Connect classifies err as ErrConnect. Returns nil for a nil err.
func Connect(op string, err error) error { return wrap(ErrConnect, op, err) }

// Remote classifies err as ErrRemoteOperation. Returns nil for a nil err.
func Remote(op string, err error) error { return wrap(ErrRemoteOperation, op, err) }

// Streaming classifies err as ErrStreaming. Returns nil for a nil err.
// Cancellation errors keep their own kind.
func Streaming(op string, err error) error {
	if err == nil || errors.Is(err, ErrCancelled) {
		return err
	}
	return wrap(ErrStreaming, op, err)
}

// SessionNotFound builds an ErrSessionNotFound for the given key.
func SessionNotFound(key string) error {
	return &Error{Kind: ErrSessionNotFound, Op: "resolve", Err: errors.New("SFTP session not found or invalid: " + key)}
}

// Duplicate builds the ErrDuplicateConnection reported for a terminal
// session id that is already bound.
func Duplicate() error {
	return &Error{Kind: ErrDuplicateConnection, Op: "connect", Err: errors.New("Connection already exists for this session")}
}

// Cancelled builds an ErrCancelled. cause may be nil.
func Cancelled(op string, cause error) error {
	return &Error{Kind: ErrCancelled, Op: op, Err: cause}
}

// KindOf returns the kind of err, or nil when err is not classified.
func KindOf(err error) error {
	for _, k := range []error{ErrConnect, ErrSessionNotFound, ErrRemoteOperation, ErrStreaming, ErrDuplicateConnection, ErrCancelled} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
