package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
)

// ModelManager switches the served model. *mixprop.Serving implements it.
type ModelManager interface {
	Active() (*mixprop.Predictor, string, error)
	Activate(ctx context.Context, id string) error
	Rollback() error
	Evict(id string) error
	Loaded() []string
}

// CheckpointLister enumerates stored checkpoints.
type CheckpointLister interface {
	List(ctx context.Context) ([]string, error)
}

// ModelHandler serves model management endpoints.
type ModelHandler struct {
	models ModelManager
	store  CheckpointLister
	logger logging.Logger
}

func NewModelHandler(models ModelManager, store CheckpointLister, logger logging.Logger) *ModelHandler {
	return &ModelHandler{models: models, store: store, logger: logging.OrNop(logger)}
}

// RegisterRoutes mounts the handler under rg. admin runs before the routes
// that change the served model.
func (h *ModelHandler) RegisterRoutes(rg *gin.RouterGroup, admin ...gin.HandlerFunc) {
	models := rg.Group("/models")
	models.GET("", h.List)
	models.GET("/active", h.GetActive)

	manage := models.Group("", admin...)
	manage.POST("/rollback", h.Rollback)
	manage.POST("/:id/activate", h.Activate)
	manage.DELETE("/:id", h.Evict)
}

// ModelListResponse enumerates checkpoints.
type ModelListResponse struct {
	Checkpoints []string `json:"checkpoints"`
	Loaded      []string `json:"loaded"`
	Active      string   `json:"active,omitempty"`
}

// ActiveModelResponse describes the served model.
type ActiveModelResponse struct {
	CheckpointID string   `json:"checkpoint_id"`
	ModelID      string   `json:"model_id"`
	ModelVersion string   `json:"model_version"`
	Task         string   `json:"task"`
	Parameters   int      `json:"parameters"`
	Trainable    int      `json:"trainable"`
	Summary      []string `json:"summary"`
}

// List handles GET /models.
func (h *ModelHandler) List(c *gin.Context) {
	ids, err := h.store.List(c.Request.Context())
	if err != nil {
		writeAppError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	resp := ModelListResponse{Checkpoints: ids, Loaded: h.models.Loaded()}
	if _, active, err := h.models.Active(); err == nil {
		resp.Active = active
	}
	c.JSON(http.StatusOK, resp)
}

// GetActive handles GET /models/active.
func (h *ModelHandler) GetActive(c *gin.Context) {
	p, id, err := h.models.Active()
	if err != nil {
		writeAppError(c, err)
		return
	}
	m := p.Model()
	cfg := m.Config()
	total, trainable := m.ParameterCounts()
	c.JSON(http.StatusOK, ActiveModelResponse{
		CheckpointID: id,
		ModelID:      cfg.ModelID,
		ModelVersion: cfg.ModelVersion,
		Task:         string(cfg.Task),
		Parameters:   total,
		Trainable:    trainable,
		Summary:      m.Summary(),
	})
}

// Activate handles POST /models/:id/activate.
func (h *ModelHandler) Activate(c *gin.Context) {
	id := c.Param("id")
	if err := h.models.Activate(c.Request.Context(), id); err != nil {
		writeAppError(c, err)
		return
	}
	h.logger.Info("model activated via api", logging.String("checkpoint_id", id))
	h.GetActive(c)
}

// Rollback handles POST /models/rollback.
func (h *ModelHandler) Rollback(c *gin.Context) {
	if err := h.models.Rollback(); err != nil {
		writeAppError(c, err)
		return
	}
	h.GetActive(c)
}

// Evict handles DELETE /models/:id.
func (h *ModelHandler) Evict(c *gin.Context) {
	if err := h.models.Evict(c.Param("id")); err != nil {
		writeAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
