package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skillscreen/proctoring-service/internal/auth"
	"github.com/skillscreen/proctoring-service/internal/broadcast"
	"github.com/skillscreen/proctoring-service/internal/services"
	"github.com/skillscreen/proctoring-service/internal/utils"
)

type ProctoringHandler struct {
	BaseHandler
	proctoringService services.ProctoringService
	exportService     services.ExportService
	hub               *broadcast.Hub
}

func NewProctoringHandler(
	proctoringService services.ProctoringService,
	exportService services.ExportService,
	hub *broadcast.Hub,
	logger utils.Logger,
) *ProctoringHandler {
	return &ProctoringHandler{
		BaseHandler:       NewBaseHandler(logger),
		proctoringService: proctoringService,
		exportService:     exportService,
		hub:               hub,
	}
}

// InitSession initializes a proctoring session for an attempt
// @Summary Initialize proctoring session
// @Description Creates the proctoring session for an attempt, or returns the existing one
// @Tags proctoring
// @Accept json
// @Produce json
// @Param session body services.InitSessionRequest true "Session data"
// @Success 200 {object} models.ProctoringSession
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /proctoring/init [post]
func (h *ProctoringHandler) InitSession(c *gin.Context) {
	var req services.InitSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	session, err := h.proctoringService.InitSession(c.Request.Context(), &req, caller)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// ReportViolation records an integrity violation
// @Summary Report violation
// @Description Appends one violation to the session log and returns the recomputed authoritative state
// @Tags proctoring
// @Accept json
// @Produce json
// @Param violation body services.ReportViolationRequest true "Violation data"
// @Success 200 {object} services.ViolationAck
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /proctoring/violation [post]
func (h *ProctoringHandler) ReportViolation(c *gin.Context) {
	var req services.ReportViolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	ack, err := h.proctoringService.ReportViolation(c.Request.Context(), &req, caller)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, ack)
}

// SaveSnapshot stores one webcam frame
// @Summary Save frame snapshot
// @Description Appends a webcam frame to the session's bounded audit buffer
// @Tags proctoring
// @Accept json
// @Produce json
// @Param snapshot body services.SaveSnapshotRequest true "Snapshot data"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /proctoring/snapshot [post]
func (h *ProctoringHandler) SaveSnapshot(c *gin.Context) {
	var req services.SaveSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	if err := h.proctoringService.SaveSnapshot(c.Request.Context(), &req, caller); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Snapshot saved"})
}

// EndSession closes a proctoring session
// @Summary End proctoring session
// @Description Marks the session inactive; ending twice is a no-op
// @Tags proctoring
// @Accept json
// @Produce json
// @Param attempt_id path string true "Attempt ID"
// @Success 200 {object} models.ProctoringSession
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /proctoring/end/{attempt_id} [post]
func (h *ProctoringHandler) EndSession(c *gin.Context) {
	attemptID := ParseStringIDParam(c, "attempt_id")
	if attemptID == "" {
		return
	}

	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	session, err := h.proctoringService.EndSession(c.Request.Context(), attemptID, caller)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// GetReport retrieves the full session report
// @Summary Get session report
// @Description Returns the session with violations, snapshots, breakdown and attention summary
// @Tags proctoring
// @Produce json
// @Param attempt_id path string true "Attempt ID"
// @Success 200 {object} services.SessionReport
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /proctoring/report/{attempt_id} [get]
func (h *ProctoringHandler) GetReport(c *gin.Context) {
	attemptID := ParseStringIDParam(c, "attempt_id")
	if attemptID == "" {
		return
	}

	h.LogRequest(c, "Getting proctoring report", "attempt_id", attemptID)

	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	reportData, err := h.proctoringService.GetReport(c.Request.Context(), attemptID, caller)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, reportData)
}

// GetHeatMap returns the violation heat map for a session
// @Summary Get violation heat map
// @Description Buckets the session's violations over its duration, weighted by severity
// @Tags proctoring
// @Produce json
// @Param attempt_id path string true "Attempt ID"
// @Param buckets query int false "Bucket count" default(60)
// @Success 200 {object} heatmap.Grid
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /proctoring/report/{attempt_id}/heatmap [get]
func (h *ProctoringHandler) GetHeatMap(c *gin.Context) {
	attemptID := ParseStringIDParam(c, "attempt_id")
	if attemptID == "" {
		return
	}

	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	buckets := ParseIntQuery(c, "buckets", 0)
	grid, err := h.proctoringService.GetHeatMap(c.Request.Context(), attemptID, buckets, caller)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, grid)
}

// GetActiveSessions lists a job's sessions for monitoring
// @Summary List job sessions
// @Description Returns all proctoring sessions of a job, active first
// @Tags proctoring
// @Produce json
// @Param job_id path string true "Job ID"
// @Success 200 {array} services.SessionSummary
// @Failure 403 {object} ErrorResponse
// @Router /proctoring/sessions/{job_id} [get]
func (h *ProctoringHandler) GetActiveSessions(c *gin.Context) {
	jobID := ParseStringIDParam(c, "job_id")
	if jobID == "" {
		return
	}

	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	sessions, err := h.proctoringService.GetActiveSessions(c.Request.Context(), jobID, caller)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessions)
}

// ExportReport downloads a session report as an Excel workbook
// @Summary Export session report
// @Description Produces an xlsx audit export of one session
// @Tags proctoring
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param attempt_id path string true "Attempt ID"
// @Success 200 {file} binary
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /proctoring/report/{attempt_id}/export [get]
func (h *ProctoringHandler) ExportReport(c *gin.Context) {
	attemptID := ParseStringIDParam(c, "attempt_id")
	if attemptID == "" {
		return
	}

	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	data, err := h.exportService.ExportSessionReport(c.Request.Context(), attemptID, caller)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	filename := fmt.Sprintf("proctoring-report-%s.xlsx", attemptID)
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// ExportJobSessions downloads all of a job's sessions as an Excel workbook
// @Summary Export job sessions
// @Description Produces an xlsx export mirroring the monitoring dashboard
// @Tags proctoring
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param job_id path string true "Job ID"
// @Success 200 {file} binary
// @Failure 403 {object} ErrorResponse
// @Router /proctoring/sessions/{job_id}/export [get]
func (h *ProctoringHandler) ExportJobSessions(c *gin.Context) {
	jobID := ParseStringIDParam(c, "job_id")
	if jobID == "" {
		return
	}

	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	data, err := h.exportService.ExportJobSessions(c.Request.Context(), jobID, caller)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	filename := fmt.Sprintf("proctoring-sessions-%s.xlsx", jobID)
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// StreamMonitor streams a job's live proctoring events over SSE
// @Summary Stream job events
// @Description Server-sent event stream of a job's monitor room; requires recruiter or admin role
// @Tags proctoring
// @Produce text/event-stream
// @Param job_id path string true "Job ID"
// @Router /proctoring/sessions/{job_id}/stream [get]
func (h *ProctoringHandler) StreamMonitor(c *gin.Context) {
	jobID := ParseStringIDParam(c, "job_id")
	if jobID == "" {
		return
	}
	h.stream(c, broadcast.MonitorRoom(jobID))
}

// StreamAttempt streams one attempt's live proctoring events over SSE
// @Summary Stream attempt events
// @Description Server-sent event stream scoped to one attempt
// @Tags proctoring
// @Produce text/event-stream
// @Param attempt_id path string true "Attempt ID"
// @Router /proctoring/attempts/{attempt_id}/stream [get]
func (h *ProctoringHandler) StreamAttempt(c *gin.Context) {
	attemptID := ParseStringIDParam(c, "attempt_id")
	if attemptID == "" {
		return
	}
	h.stream(c, broadcast.AttemptRoom(attemptID))
}

func (h *ProctoringHandler) stream(c *gin.Context, room string) {
	caller, ok := auth.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "User not authenticated"})
		return
	}

	sub := h.hub.Join(caller, room)
	defer h.hub.Leave(sub)

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *ProctoringHandler) handleServiceError(c *gin.Context, err error) {
	var validationErrors services.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Validation failed",
			Details: validationErrors,
		})
		return
	}

	var permissionError *services.PermissionError
	if errors.As(err, &permissionError) {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Message: "Access denied",
			Details: map[string]interface{}{
				"resource": permissionError.Resource,
				"action":   permissionError.Action,
				"reason":   permissionError.Reason,
			},
		})
		return
	}

	switch {
	case services.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: err.Error(),
		})
	case services.IsUnauthorized(err):
		c.JSON(http.StatusForbidden, ErrorResponse{
			Message: "Access denied",
		})
	case services.IsValidation(err):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Validation failed",
			Details: err.Error(),
		})
	case services.IsConflict(err):
		c.JSON(http.StatusConflict, ErrorResponse{
			Message: err.Error(),
		})
	default:
		h.LogError(c, err, "Unhandled service error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: "Internal server error",
		})
	}
}
