package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/mixprop/internal/infrastructure/database/postgres"
	"github.com/turtacn/mixprop/pkg/errors"
)

// JobStore looks up recorded worker results. *postgres.JobRepository
// implements it.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*postgres.JobRecord, error)
	ListRecent(ctx context.Context, status string, limit int) ([]*postgres.JobRecord, error)
}

// JobHandler serves the job history.
type JobHandler struct {
	jobs JobStore
}

func NewJobHandler(jobs JobStore) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// RegisterRoutes mounts the handler under rg.
func (h *JobHandler) RegisterRoutes(rg *gin.RouterGroup) {
	jobs := rg.Group("/jobs")
	jobs.GET("", h.List)
	jobs.GET("/:id", h.Get)
}

// JobListResponse wraps a page of job records.
type JobListResponse struct {
	Jobs []*postgres.JobRecord `json:"jobs"`
}

// Get handles GET /jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	rec, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// List handles GET /jobs?status=&limit=.
func (h *JobHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeAppError(c, errors.NewInvalidInputError("limit must be a positive integer").WithDetail(raw))
			return
		}
		limit = n
	}
	recs, err := h.jobs.ListRecent(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if recs == nil {
		recs = []*postgres.JobRecord{}
	}
	c.JSON(http.StatusOK, JobListResponse{Jobs: recs})
}
