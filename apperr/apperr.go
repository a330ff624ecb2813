// Package apperr defines the coded error type shared by the relay and its transports.
package apperr

import (
	"errors"
	"fmt"
)

// AppError carries a stable code, a client-visible message and an optional cause.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match two AppErrors by code.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap returns a copy of e with err attached as the cause.
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Wrapf is Wrap with a formatted cause.
func (e *AppError) Wrapf(format string, args ...any) *AppError {
	return e.Wrap(fmt.Errorf(format, args...))
}

// Is reports whether err is an AppError with the same code as target.
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode returns the code of err, or CodeServerError for foreign errors.
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage returns the client-visible message of err.
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Internal error"
}

const (
	CodeSuccess = 0

	// auth 10000-10999
	CodeUsernameExists     = 10001
	CodeInvalidCredentials = 10002
	CodeTokenInvalid       = 10003
	CodeNotAuthenticated   = 10004

	// users 11000-11999
	CodeUserNotFound  = 11001
	CodeInvalidParams = 11002

	// relay 12000-12999
	CodeCodecError       = 12001
	CodeStoreUnavailable = 12002
	CodeRateLimited      = 12003

	// system 50000-50999
	CodeServerError = 50001
)

var (
	ErrUsernameExists     = New(CodeUsernameExists, "Username already exists")
	ErrInvalidCredentials = New(CodeInvalidCredentials, "Invalid credentials")
	ErrTokenInvalid       = New(CodeTokenInvalid, "Invalid token")
	ErrNotAuthenticated   = New(CodeNotAuthenticated, "Not authenticated")
)

var (
	ErrUserNotFound  = New(CodeUserNotFound, "User not found")
	ErrInvalidParams = New(CodeInvalidParams, "Invalid parameters")
)

var (
	ErrCodec            = New(CodeCodecError, "Malformed key or ciphertext")
	ErrStoreUnavailable = New(CodeStoreUnavailable, "Store unavailable, retry later")
	ErrRateLimited      = New(CodeRateLimited, "Too many messages, slow down")
)

var ErrServerError = New(CodeServerError, "Internal error")
