package types

import "errors"

type ErrorCode string

const (
	CodeInvalidInput     ErrorCode = "invalid_input"
	CodeInvalidConfig    ErrorCode = "invalid_config"
	CodeAuthInvalid      ErrorCode = "auth_invalid"
	CodeCodeMismatch     ErrorCode = "code_mismatch"
	CodeChallengeExpired ErrorCode = "challenge_expired"
	CodeTooManyAttempts  ErrorCode = "too_many_attempts"
	CodeRoomNotFound     ErrorCode = "room_not_found"
	CodeRoomExpired      ErrorCode = "room_expired"
	CodeRoomFull         ErrorCode = "room_full"
	CodeForbidden        ErrorCode = "forbidden"
	CodeRoomNotActive    ErrorCode = "room_not_active"
	CodeSenderNotPresent ErrorCode = "sender_not_present"
	CodeAlreadyEnded     ErrorCode = "already_ended"
	CodeAlreadyConsumed  ErrorCode = "already_consumed"
	CodeRateLimited      ErrorCode = "rate_limited"
	CodeInternal         ErrorCode = "internal"
)

// Error is a member of the chat core's error taxonomy. The package level
// values are sentinels; callers add detail with fmt.Errorf("%w: ...").
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidInput     = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrInvalidConfig    = &Error{Code: CodeInvalidConfig, Message: "invalid room configuration"}
	ErrAuthInvalid      = &Error{Code: CodeAuthInvalid, Message: "authentication invalid"}
	ErrCodeMismatch     = &Error{Code: CodeCodeMismatch, Message: "code does not match"}
	ErrChallengeExpired = &Error{Code: CodeChallengeExpired, Message: "challenge expired"}
	ErrTooManyAttempts  = &Error{Code: CodeTooManyAttempts, Message: "too many attempts"}
	ErrRoomNotFound     = &Error{Code: CodeRoomNotFound, Message: "room not found"}
	ErrRoomExpired      = &Error{Code: CodeRoomExpired, Message: "room expired"}
	ErrRoomFull         = &Error{Code: CodeRoomFull, Message: "room full"}
	ErrForbidden        = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrRoomNotActive    = &Error{Code: CodeRoomNotActive, Message: "room not active"}
	ErrSenderNotPresent = &Error{Code: CodeSenderNotPresent, Message: "sender not present"}
	ErrAlreadyEnded     = &Error{Code: CodeAlreadyEnded, Message: "room already ended"}
	ErrAlreadyConsumed  = &Error{Code: CodeAlreadyConsumed, Message: "token already consumed"}
	ErrRateLimited      = &Error{Code: CodeRateLimited, Message: "rate limited"}
)

// CodeOf returns the taxonomy code carried by err, or CodeInternal when err
// is not one of ours.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
