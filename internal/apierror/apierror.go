// Package apierror maps internal failures to status-coded JSON envelopes.
package apierror

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Kind describes an outward failure class.
type Kind struct {
	Status  int
	Code    string
	Message string
}

var (
	KindInvalidInput       = Kind{Status: http.StatusBadRequest, Code: "COMMON_400", Message: "invalid request"}
	KindInternal           = Kind{Status: http.StatusInternalServerError, Code: "COMMON_500", Message: "internal server error"}
	KindTooManyRequests    = Kind{Status: http.StatusTooManyRequests, Code: "COMMON_429", Message: "too many requests"}
	KindUserNotFound       = Kind{Status: http.StatusNotFound, Code: "USER_404", Message: "user not found"}
	KindEmailAlreadyExists = Kind{Status: http.StatusBadRequest, Code: "USER_400_1", Message: "email already exists"}
	KindInvalidCredentials = Kind{Status: http.StatusBadRequest, Code: "USER_400_2", Message: "password does not match"}
	KindUnauthorized       = Kind{Status: http.StatusUnauthorized, Code: "AUTH_401", Message: "authentication required"}
	KindForbidden          = Kind{Status: http.StatusForbidden, Code: "AUTH_403", Message: "access denied"}
	KindInvalidToken       = Kind{Status: http.StatusUnauthorized, Code: "AUTH_401_1", Message: "invalid token"}
)

// ValidationErrorCode is reported when request binding fails.
const ValidationErrorCode = "VALIDATION_ERROR"

// Error is a typed rejection carrying its Kind and an optional cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.Code + ": " + e.Cause.Error()
	}
	return e.Kind.Code + ": " + e.Kind.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same code so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind.Code == e.Kind.Code
}

// New returns a rejection of the given kind.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap returns a rejection of the given kind that records cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidInput       = New(KindInvalidInput)
	ErrInternal           = New(KindInternal)
	ErrTooManyRequests    = New(KindTooManyRequests)
	ErrUserNotFound       = New(KindUserNotFound)
	ErrEmailAlreadyExists = New(KindEmailAlreadyExists)
	ErrInvalidCredentials = New(KindInvalidCredentials)
	ErrUnauthorized       = New(KindUnauthorized)
	ErrForbidden          = New(KindForbidden)
	ErrInvalidToken       = New(KindInvalidToken)
)

// KindOf resolves the outward kind for err; unknown errors are Internal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// Envelope is the JSON body of every API response.
type Envelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Fail builds a failure envelope.
func Fail(code string, message string) Envelope {
	return Envelope{Success: false, Code: code, Message: message}
}

// WriteSuccess writes a success envelope with data.
func WriteSuccess(contextGin *gin.Context, status int, data any) {
	contextGin.JSON(status, Envelope{Success: true, Code: "SUCCESS", Message: "ok", Data: data})
}

// Write aborts the request with the envelope for err.
func Write(contextGin *gin.Context, logger *zap.Logger, err error) {
	kind := KindOf(err)
	if kind.Status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed",
			zap.String("code", "api.internal"),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Error(err))
	}
	contextGin.AbortWithStatusJSON(kind.Status, Fail(kind.Code, kind.Message))
}

// WriteValidation aborts the request with a VALIDATION_ERROR envelope.
func WriteValidation(contextGin *gin.Context, message string) {
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, Fail(ValidationErrorCode, message))
}
