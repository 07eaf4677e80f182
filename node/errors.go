package node

import (
	"errors"
	"fmt"
)

// Code classifies startup failures. It doubles as the process exit status.
type Code uint8

const (
	CodeClientInit    Code = 1
	CodeMalformedAddr Code = 2
	CodeIdentity      Code = 3
	CodeTransport     Code = 4
	CodeListen        Code = 5
	CodeSubscribe     Code = 6
	CodeConfig        Code = 7
)

// Error is a fatal initialisation error.
type Error struct {
	Code  Code
	Msg   string
	Inner error
}

func newError(code Code, msg string, inner error) *Error {
	return &Error{Code: code, Msg: msg, Inner: inner}
}

func (e *Error) Error() string {
	if e.Inner == nil {
		return fmt.Sprintf("E%d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("E%d: %s due to %v", e.Code, e.Msg, e.Inner)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// ExitCode maps err to a process exit status. Errors that are not *Error
// exit with CodeClientInit.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return int(e.Code)
	}
	return int(CodeClientInit)
}
