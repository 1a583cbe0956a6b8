package controllers

import (
	"errors"
	"net/http"

	"github.com/jfilter/timetiles-sub003/services"

	"github.com/gin-gonic/gin"
)

// GetImportJob returns one import job with its full stage state.
func GetImportJob(c *gin.Context) {
	job, err := pipelineService.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Import job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ApproveSchema approves a pending schema change and resumes the job.
func ApproveSchema(c *gin.Context) {
	email := c.GetString("email")

	job, err := pipelineService.ApproveSchema(c.Request.Context(), c.Param("id"), email)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Import job not found"})
		case errors.Is(err, services.ErrNotAwaitingApproval):
			c.JSON(http.StatusConflict, gin.H{"error": "Job is not awaiting approval"})
		case errors.Is(err, services.ErrTerminalStateViolation):
			c.JSON(http.StatusConflict, gin.H{"error": "Job is already completed"})
		case errors.Is(err, services.ErrApprovalConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Job changed concurrently, reload and retry"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job":     job,
		"message": "Schema change approved",
	})
}

type StageTargetRequest struct {
	TargetStage string `json:"target_stage" binding:"required"`
}

// RecoverJob moves a failed job back into an allowed recovery stage.
func RecoverJob(c *gin.Context) {
	var req StageTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := c.GetString("email")

	err := pipelineService.RecoverJob(c.Request.Context(), c.Param("id"), req.TargetStage, email)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Import job not found"})
		case errors.Is(err, services.ErrTerminalStateViolation):
			c.JSON(http.StatusConflict, gin.H{"error": "Job is already completed"})
		case errors.Is(err, services.ErrJobNotFailed):
			c.JSON(http.StatusConflict, gin.H{"error": "Only failed jobs can be recovered"})
		case errors.Is(err, services.ErrInvalidRecoveryStage):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Job recovery started"})
}

// OverrideStage is the audited admin escape hatch for moving a job to an
// arbitrary stage.
func OverrideStage(c *gin.Context) {
	var req StageTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := c.GetString("email")

	err := pipelineService.OverrideStage(c.Request.Context(), c.Param("id"), req.TargetStage, email)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Import job not found"})
		case errors.Is(err, services.ErrUnknownStage):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Stage override applied"})
}
