package http

import (
	"errors"
	"fmt"
)

// Error definitions
var (
	ErrWouldBlock    = errors.New("http: operation would block")
	ErrTimeout       = errors.New("http: i/o timeout")
	ErrConnClosed    = errors.New("http: connection closed")
	ErrStageNotFound = errors.New("http: stage not found")
	ErrStageExists   = errors.New("http: stage already registered")
	ErrCannotJoin    = errors.New("http: cannot join deferred packet")
	ErrNoPipeline    = errors.New("http: no pipeline")
	ErrBadChunk      = errors.New("http: bad chunk specification")
	ErrBadRange      = errors.New("http: range not satisfiable")
)

// StatusError carries the HTTP status a failure should be reported with.
// Err is the underlying cause, if any.
type StatusError struct {
	Status int
	Msg    string
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http %d: %s: %v", e.Status, e.Msg, e.Err)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Msg)
}

func (e *StatusError) Unwrap() error { return e.Err }

// NewStatusError creates a StatusError with a formatted message
func NewStatusError(status int, format string, args ...any) *StatusError {
	return &StatusError{Status: status, Msg: fmt.Sprintf(format, args...)}
}
