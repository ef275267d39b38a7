package core

import (
	"errors"
	"fmt"
)

// Error codes for protocol errors that are not specific to one backend.
const (
	ErrCodeRoomNotFound  = "room_not_found"
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeUnsupported   = "unsupported"
	ErrCodeUnknown       = "unknown"
	ErrCodeAlreadyJoined = "already_joined"
)

var (
	ErrNotConnected    = errors.New("not connected to server")
	ErrLoginFailed     = errors.New("login failed")
	ErrRoomNotFound    = errors.New("room not found")
	ErrUsernameTaken   = errors.New("username taken")
	ErrUsernameInvalid = errors.New("invalid username")
	ErrCaptchaRequired = errors.New("captcha required for registration")
	ErrNoRoom          = errors.New("no room joined")
	ErrMalformedEvent  = errors.New("malformed event")
	ErrQueueStopped    = errors.New("operation queue stopped")
)

// ProtocolError is returned when the server rejected an action.
// Code carries the backend error code (M_FORBIDDEN, room_not_found, ...).
type ProtocolError struct {
	Code    string
	Message string
	Status  int
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func protocolError(code, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Message: msg}
}

// UnsupportedError reports an action the current backend cannot perform.
func UnsupportedError(action string) error {
	return protocolError(ErrCodeUnsupported, action+" is not supported by this server")
}

// ConnectionError wraps a transport failure: the request never produced a
// server response.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// AsProtocolError extracts a *ProtocolError from err.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr, true
	}
	return nil, false
}
