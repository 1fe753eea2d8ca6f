// Package api is the collaborator surface: ward staff query the canonical
// store, trigger pipeline jobs and watch their progress. Scraping never
// happens on a request path; triggers hand back a job id immediately.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mesikahq/emr-bridge/internal/audit"
	"github.com/mesikahq/emr-bridge/internal/auth"
	"github.com/mesikahq/emr-bridge/internal/patient"
	"github.com/mesikahq/emr-bridge/internal/pipeline"
	"github.com/mesikahq/emr-bridge/internal/status"
)

type Handler struct {
	authService  auth.Service
	store        patient.Store
	runner       *pipeline.Runner
	tracker      *status.Tracker
	auditService audit.Service
}

func NewHandler(
	authService auth.Service,
	store patient.Store,
	runner *pipeline.Runner,
	tracker *status.Tracker,
	auditService audit.Service,
) *Handler {
	return &Handler{
		authService:  authService,
		store:        store,
		runner:       runner,
		tracker:      tracker,
		auditService: auditService,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	token, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) ListPatients(c *gin.Context) {
	filter := patient.Filter{
		Ward:      c.Query("ward"),
		Physician: c.Query("physician"),
	}

	recs, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list patients"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"patients": recs, "count": len(recs)})
}

func (h *Handler) ListPendingPatients(c *gin.Context) {
	recs, err := h.store.ListPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pending patients"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"patients": recs, "count": len(recs)})
}

func (h *Handler) GetPatient(c *gin.Context) {
	caseID := c.Param("case_id")

	rec, err := h.store.Get(c.Request.Context(), caseID)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "patient not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get patient"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (h *Handler) JobStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Snapshot())
}

func (h *Handler) StartFullSync(c *gin.Context) {
	h.startJob(c, pipeline.KindFull)
}

func (h *Handler) StartEnrich(c *gin.Context) {
	h.startJob(c, pipeline.KindEnrich)
}

func (h *Handler) StartRegistrySync(c *gin.Context) {
	h.startJob(c, pipeline.KindRegistry)
}

func (h *Handler) startJob(c *gin.Context, kind pipeline.Kind) {
	job, err := h.runner.Start(kind)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "another job is already running"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start job"})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("id")

	if !h.runner.Cancel(jobID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running job with that id"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": jobID})
}

func (h *Handler) GetAuditLogs(c *gin.Context) {
	filters := make(map[string]interface{})
	if v := c.Query("event_type"); v != "" {
		filters["event_type"] = v
	}
	if v := c.Query("job_id"); v != "" {
		filters["job_id"] = v
	}
	if v := c.Query("status"); v != "" {
		filters["status"] = v
	}

	from, _ := strconv.Atoi(c.DefaultQuery("from", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "50"))
	if size <= 0 || size > 500 {
		size = 50
	}

	events, err := h.auditService.QueryEvents(c.Request.Context(), filters, from, size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
