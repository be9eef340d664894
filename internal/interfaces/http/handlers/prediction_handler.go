package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
)

// PredictionService evaluates requests with the active model.
// *mixprop.Serving implements it.
type PredictionService interface {
	Predict(ctx context.Context, req *mixprop.PredictRequest) (*mixprop.PredictResponse, error)
	Fingerprint(ctx context.Context, req *mixprop.FingerprintRequest) (*mixprop.FingerprintResponse, error)
}

// PredictionHandler serves the prediction endpoints.
type PredictionHandler struct {
	service PredictionService
	logger  logging.Logger
}

func NewPredictionHandler(service PredictionService, logger logging.Logger) *PredictionHandler {
	return &PredictionHandler{service: service, logger: logging.OrNop(logger)}
}

// RegisterRoutes mounts the handler under rg.
func (h *PredictionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/predict", h.Predict)
	rg.POST("/fingerprint", h.Fingerprint)
}

// Predict handles POST /predict.
func (h *PredictionHandler) Predict(c *gin.Context) {
	var req mixprop.PredictRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.service.Predict(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Fingerprint handles POST /fingerprint. The type query parameter overrides
// the type in the body.
func (h *PredictionHandler) Fingerprint(c *gin.Context) {
	var req mixprop.FingerprintRequest
	if !bindJSON(c, &req) {
		return
	}
	if t := c.Query("type"); t != "" {
		req.Type = mixprop.FingerprintType(t)
	}
	resp, err := h.service.Fingerprint(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
