package errors

import (
	"net/http"
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common Error Codes
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeUnauthorized       ErrorCode = "COMMON_003"
	ErrCodeForbidden          ErrorCode = "COMMON_004"
	ErrCodeNotFound           ErrorCode = "COMMON_005"
	ErrCodeTooManyRequests    ErrorCode = "COMMON_007"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_008"
	ErrCodeTimeout            ErrorCode = "COMMON_009"
	ErrCodeValidation         ErrorCode = "COMMON_010"
	ErrCodeSerialization      ErrorCode = "COMMON_011"
	ErrCodeCacheError         ErrorCode = "COMMON_013"
	ErrCodeExternalService    ErrorCode = "COMMON_014"
	ErrCodeNotImplemented     ErrorCode = "COMMON_016"
)

// Aliases used by call sites that predate the module-prefixed codes.
const (
	CodeInternal       = ErrCodeInternal
	CodeInvalidParam   = ErrCodeBadRequest
	CodeUnauthorized   = ErrCodeUnauthorized
	CodeForbidden      = ErrCodeForbidden
	CodeNotFound       = ErrCodeNotFound
	CodeNotImplemented = ErrCodeNotImplemented
	CodeOK             = ErrorCode("OK")
	CodeUnknown        = ErrorCode("UNKNOWN")
)

// Model Module Error Codes
const (
	ErrCodeInvalidGraph           ErrorCode = "MOD_001"
	ErrCodeRowCountMismatch       ErrorCode = "MOD_002"
	ErrCodeFeatureWidthMismatch   ErrorCode = "MOD_003"
	ErrCodeUnsupportedTask        ErrorCode = "MOD_004"
	ErrCodeUnsupportedFingerprint ErrorCode = "MOD_005"
	ErrCodeInvalidModelConfig     ErrorCode = "MOD_006"
	ErrCodeCheckpointMismatch     ErrorCode = "MOD_007"
	ErrCodeUnsupportedActivation  ErrorCode = "MOD_008"
	ErrCodeModelNotLoaded         ErrorCode = "MOD_009"
)

// Storage & Messaging Error Codes
const (
	ErrCodeCheckpointNotFound ErrorCode = "STO_001"
	ErrCodeStorageFailure     ErrorCode = "STO_002"
	ErrCodeDatabaseError      ErrorCode = "STO_003"
	ErrCodeMessagingFailure   ErrorCode = "MSG_001"
)

var errorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal server error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeUnauthorized:       "unauthorized",
	ErrCodeForbidden:          "forbidden",
	ErrCodeNotFound:           "resource not found",
	ErrCodeTooManyRequests:    "too many requests",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeTimeout:            "operation timed out",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeCacheError:         "cache operation failed",
	ErrCodeExternalService:    "external service failure",
	ErrCodeNotImplemented:     "not implemented",

	ErrCodeInvalidGraph:           "invalid molecular graph",
	ErrCodeRowCountMismatch:       "row count mismatch",
	ErrCodeFeatureWidthMismatch:   "feature width mismatch",
	ErrCodeUnsupportedTask:        "unsupported task type",
	ErrCodeUnsupportedFingerprint: "unsupported fingerprint type",
	ErrCodeInvalidModelConfig:     "invalid model configuration",
	ErrCodeCheckpointMismatch:     "checkpoint does not match architecture",
	ErrCodeUnsupportedActivation:  "unsupported activation",
	ErrCodeModelNotLoaded:         "model not loaded",

	ErrCodeCheckpointNotFound: "checkpoint not found",
	ErrCodeStorageFailure:     "storage operation failed",
	ErrCodeDatabaseError:      "database operation failed",
	ErrCodeMessagingFailure:   "messaging operation failed",
}

// ErrorCodeHTTPStatus maps ErrorCodes to HTTP status codes.
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeTooManyRequests:    http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeValidation:         http.StatusUnprocessableEntity,
	ErrCodeSerialization:      http.StatusBadRequest,
	ErrCodeCacheError:         http.StatusInternalServerError,
	ErrCodeExternalService:    http.StatusBadGateway,
	ErrCodeNotImplemented:     http.StatusNotImplemented,

	ErrCodeInvalidGraph:           http.StatusUnprocessableEntity,
	ErrCodeRowCountMismatch:       http.StatusUnprocessableEntity,
	ErrCodeFeatureWidthMismatch:   http.StatusUnprocessableEntity,
	ErrCodeUnsupportedTask:        http.StatusBadRequest,
	ErrCodeUnsupportedFingerprint: http.StatusBadRequest,
	ErrCodeInvalidModelConfig:     http.StatusInternalServerError,
	ErrCodeCheckpointMismatch:     http.StatusConflict,
	ErrCodeUnsupportedActivation:  http.StatusBadRequest,
	ErrCodeModelNotLoaded:         http.StatusServiceUnavailable,

	ErrCodeCheckpointNotFound: http.StatusNotFound,
	ErrCodeStorageFailure:     http.StatusInternalServerError,
	ErrCodeDatabaseError:      http.StatusInternalServerError,
	ErrCodeMessagingFailure:   http.StatusInternalServerError,
}

// HTTPStatusForCode returns the HTTP status code for an ErrorCode.
func HTTPStatusForCode(code ErrorCode) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// retryableCodes lists transient infrastructure failures. Everything else,
// in particular every validation and configuration failure, is terminal.
var retryableCodes = map[ErrorCode]bool{
	ErrCodeServiceUnavailable: true,
	ErrCodeTimeout:            true,
	ErrCodeCacheError:         true,
	ErrCodeExternalService:    true,
	ErrCodeStorageFailure:     true,
	ErrCodeDatabaseError:      true,
	ErrCodeMessagingFailure:   true,
}

// DefaultMessageForCode returns the canonical message for code, or
// "unknown error" for codes without one.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := errorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// IsRetryable reports whether an operation failing with code may succeed on
// a later attempt.
func IsRetryable(code ErrorCode) bool {
	return retryableCodes[code]
}

// ModuleForCode returns the module prefix of code ("COMMON", "MOD", ...).
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}
