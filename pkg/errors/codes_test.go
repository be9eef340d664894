package errors_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/turtacn/mixprop/pkg/errors"
)

func TestDefaultMessageForCode(t *testing.T) {
	assert.Equal(t, "unsupported fingerprint type", errors.DefaultMessageForCode(errors.ErrCodeUnsupportedFingerprint))
	assert.Equal(t, "invalid molecular graph", errors.DefaultMessageForCode(errors.ErrCodeInvalidGraph))
	assert.Equal(t, "unknown error", errors.DefaultMessageForCode(errors.ErrorCode("NOPE_999")))
}

func TestHTTPStatusForCode(t *testing.T) {
	tests := []struct {
		code errors.ErrorCode
		want int
	}{
		{errors.ErrCodeRowCountMismatch, http.StatusUnprocessableEntity},
		{errors.ErrCodeCheckpointNotFound, http.StatusNotFound},
		{errors.ErrCodeModelNotLoaded, http.StatusServiceUnavailable},
		{errors.ErrCodeSerialization, http.StatusBadRequest},
		{errors.ErrCodeTooManyRequests, http.StatusTooManyRequests},
		{errors.ErrorCode("NOPE_999"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errors.HTTPStatusForCode(tt.code), tt.code)
	}
}

func TestModuleForCode(t *testing.T) {
	tests := []struct {
		code errors.ErrorCode
		want string
	}{
		{errors.ErrCodeInternal, "COMMON"},
		{errors.ErrCodeCheckpointMismatch, "MOD"},
		{errors.ErrCodeStorageFailure, "STO"},
		{errors.ErrCodeMessagingFailure, "MSG"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errors.ModuleForCode(tt.code))
	}
}

func TestIsRetryable_ValidationCodesAreTerminal(t *testing.T) {
	terminal := []errors.ErrorCode{
		errors.ErrCodeValidation,
		errors.ErrCodeInvalidGraph,
		errors.ErrCodeRowCountMismatch,
		errors.ErrCodeFeatureWidthMismatch,
		errors.ErrCodeUnsupportedTask,
		errors.ErrCodeUnsupportedFingerprint,
		errors.ErrCodeInvalidModelConfig,
		errors.ErrCodeCheckpointMismatch,
	}
	for _, c := range terminal {
		assert.False(t, errors.IsRetryable(c), string(c))
	}
	assert.True(t, errors.IsRetryable(errors.ErrCodeTimeout))
}
