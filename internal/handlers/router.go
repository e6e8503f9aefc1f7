package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/skillscreen/proctoring-service/internal/broadcast"
	"github.com/skillscreen/proctoring-service/internal/services"
	"github.com/skillscreen/proctoring-service/internal/utils"
)

type HandlerManager struct {
	proctoringHandler *ProctoringHandler
}

func NewHandlerManager(
	proctoringService services.ProctoringService,
	exportService services.ExportService,
	hub *broadcast.Hub,
	logger utils.Logger,
) *HandlerManager {
	return &HandlerManager{
		proctoringHandler: NewProctoringHandler(proctoringService, exportService, hub, logger),
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "proctoring-service",
		})
	})

	v1 := router.Group("/api/v1")
	if authMiddleware != nil {
		v1.Use(authMiddleware)
	}
	{
		proctoring := v1.Group("/proctoring")
		{
			// Candidate-side session lifecycle
			proctoring.POST("/init", hm.proctoringHandler.InitSession)
			proctoring.POST("/violation", hm.proctoringHandler.ReportViolation)
			proctoring.POST("/snapshot", hm.proctoringHandler.SaveSnapshot)
			proctoring.POST("/end/:attempt_id", hm.proctoringHandler.EndSession)

			// Reports
			proctoring.GET("/report/:attempt_id", hm.proctoringHandler.GetReport)
			proctoring.GET("/report/:attempt_id/heatmap", hm.proctoringHandler.GetHeatMap)
			proctoring.GET("/report/:attempt_id/export", hm.proctoringHandler.ExportReport)

			// Monitoring
			proctoring.GET("/sessions/:job_id", hm.proctoringHandler.GetActiveSessions)
			proctoring.GET("/sessions/:job_id/export", hm.proctoringHandler.ExportJobSessions)
			proctoring.GET("/sessions/:job_id/stream", hm.proctoringHandler.StreamMonitor)
			proctoring.GET("/attempts/:attempt_id/stream", hm.proctoringHandler.StreamAttempt)
		}
	}
}
