package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/orchestrator"
)

// jobsHandler maps HTTP verbs onto the orchestrator control surface.
type jobsHandler struct {
	orch Orchestrator
	log  logger.Logger
}

func newJobsHandler(orch Orchestrator, log logger.Logger) *jobsHandler {
	return &jobsHandler{orch: orch, log: log}
}

// ListJobs handles GET /api/v1/jobs
func (h *jobsHandler) ListJobs(c *gin.Context) {
	jobs := h.orch.ListJobs()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob handles GET /api/v1/jobs/:name
func (h *jobsHandler) GetJob(c *gin.Context) {
	name := c.Param("name")

	job, err := h.orch.GetJob(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// RunJob handles POST /api/v1/jobs/:name/run. The run is admitted and
// the request returns immediately; poll the job for the outcome.
func (h *jobsHandler) RunJob(c *gin.Context) {
	name := c.Param("name")

	handle, err := h.orch.RunNow(name)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"job":     handle.Job,
			"message": "run admitted",
		})
	case errors.Is(err, orchestrator.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{
			"error": "job is already running",
		})
	case errors.Is(err, orchestrator.ErrDisabled):
		c.JSON(http.StatusConflict, gin.H{
			"error": "job is disabled",
		})
	default:
		h.log.Error("manual run failed", logger.String("job", name), logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
	}
}

// EnableJob handles POST /api/v1/jobs/:name/enable
func (h *jobsHandler) EnableJob(c *gin.Context) {
	h.toggle(c, h.orch.Enable)
}

// DisableJob handles POST /api/v1/jobs/:name/disable
func (h *jobsHandler) DisableJob(c *gin.Context) {
	h.toggle(c, h.orch.Disable)
}

func (h *jobsHandler) toggle(c *gin.Context, op func(string) error) {
	name := c.Param("name")

	if err := op(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}

	job, err := h.orch.GetJob(name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "job updated but failed to retrieve status",
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// Health handles GET /healthz. The endpoint reports degraded sources
// in the body but always answers 200 while the process is up.
func (h *jobsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"sources": h.orch.Health(),
	})
}

// Stats handles GET /api/v1/stats
func (h *jobsHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Stats())
}
