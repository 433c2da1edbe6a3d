package match

import (
	"errors"
	"fmt"
)

// Code is the wire error taxonomy reported in requestError events.
type Code string

const (
	CodeInvalidRequest    Code = "InvalidRequest"
	CodeRoomNotFound      Code = "RoomNotFound"
	CodeRoomFull          Code = "RoomFull"
	CodeNotYourTurn       Code = "NotYourTurn"
	CodeIllegalMove       Code = "IllegalMove"
	CodeOracleUnavailable Code = "OracleUnavailable"
	CodeStoreUnavailable  Code = "StoreUnavailable"
)

// Error carries a taxonomy code. errors.Is matches on Code only.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest}
	ErrRoomNotFound      = &Error{Code: CodeRoomNotFound, Message: "room does not exist"}
	ErrRoomFull          = &Error{Code: CodeRoomFull, Message: "room is already full"}
	ErrNotYourTurn       = &Error{Code: CodeNotYourTurn, Message: "not your turn"}
	ErrIllegalMove       = &Error{Code: CodeIllegalMove, Message: "illegal move"}
	ErrOracleUnavailable = &Error{Code: CodeOracleUnavailable, Message: "evaluation oracle unavailable"}
	ErrStoreUnavailable  = &Error{Code: CodeStoreUnavailable, Message: "store unavailable"}
)

func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf maps err onto the taxonomy. Untyped failures count as store failures.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStoreUnavailable
}

// MessageOf returns the human message part of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Code)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
