package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/ephemeral-chat/internal/types"
)

type ApiError struct {
	StatusCode int             `json:"status_code"`
	Code       types.ErrorCode `json:"code,omitempty"`
	Message    string          `json:"message"`
	Err        error           `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

var statusByCode = map[types.ErrorCode]int{
	types.CodeInvalidInput:     http.StatusBadRequest,
	types.CodeInvalidConfig:    http.StatusBadRequest,
	types.CodeAuthInvalid:      http.StatusUnauthorized,
	types.CodeCodeMismatch:     http.StatusUnauthorized,
	types.CodeChallengeExpired: http.StatusUnauthorized,
	types.CodeForbidden:        http.StatusForbidden,
	types.CodeRoomNotFound:     http.StatusNotFound,
	types.CodeRoomExpired:      http.StatusGone,
	types.CodeRoomFull:         http.StatusConflict,
	types.CodeRoomNotActive:    http.StatusConflict,
	types.CodeSenderNotPresent: http.StatusConflict,
	types.CodeAlreadyEnded:     http.StatusConflict,
	types.CodeAlreadyConsumed:  http.StatusConflict,
	types.CodeTooManyAttempts:  http.StatusTooManyRequests,
	types.CodeRateLimited:      http.StatusTooManyRequests,
}

// NewApiError translates err into a response. Errors outside the chat
// error taxonomy become a 500 that does not leak their text.
func NewApiError(err error) *ApiError {
	var typed *types.Error
	if !errors.As(err, &typed) {
		return NewInternalServerError(err)
	}

	status, ok := statusByCode[typed.Code]
	if !ok {
		return NewInternalServerError(err)
	}

	return &ApiError{
		StatusCode: status,
		Code:       typed.Code,
		Message:    err.Error(),
	}
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Code:       types.CodeInvalidInput,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Code:       types.CodeInternal,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Code:       types.CodeAuthInvalid,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}
