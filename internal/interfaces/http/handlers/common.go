// Package handlers implements the MixProp HTTP API handlers.
package handlers

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/mixprop/pkg/errors"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// writeAppError maps err to its HTTP status. Internal failures are masked;
// the original error is attached to the gin context for request logging.
func writeAppError(c *gin.Context, err error) {
	code := errors.GetCode(err)
	status := errors.HTTPStatusForCode(code)
	_ = c.Error(err)

	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway:
		c.AbortWithStatusJSON(status, ErrorResponse{
			Code:    string(errors.ErrCodeInternal),
			Message: errors.DefaultMessageForCode(errors.ErrCodeInternal),
		})
		return
	}

	resp := ErrorResponse{Code: string(code), Message: err.Error()}
	var ae *errors.AppError
	if stderrors.As(err, &ae) {
		resp.Message = ae.Message
		resp.Detail = ae.Detail
	}
	c.AbortWithStatusJSON(status, resp)
}

// bindJSON decodes the request body into v, writing a 400 on failure.
func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeAppError(c, errors.Wrap(err, errors.ErrCodeSerialization, "malformed request body"))
		return false
	}
	return true
}
