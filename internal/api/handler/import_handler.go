package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/tab-importer/internal/api/dto"
	"github.com/cuongbtq/tab-importer/internal/domain"
	"github.com/cuongbtq/tab-importer/internal/queue"
	"github.com/gin-gonic/gin"
)

// CreateImport handles POST /api/v1/imports
// Queues a batch of tabs and returns the job id without waiting
func (h *ImportHandler) CreateImport(c *gin.Context) {
	var req dto.CreateImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	jobID, err := h.queue.Submit(req.OwnerID, req.Tabs())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, queue.ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Import queue is shutting down"})
		default:
			h.logger.Error("Failed to submit import", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit import"})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateImportResponse{JobID: jobID})
}

// GetStatus handles GET /api/v1/imports/status
// job_id returns one job, owner_id returns the owner's jobs, neither returns
// the queue status
func (h *ImportHandler) GetStatus(c *gin.Context) {
	var req dto.StatusRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	switch {
	case req.JobID != "":
		snap, err := h.queue.GetJobStatus(req.JobID)
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		if err != nil {
			h.logger.Error("Failed to get job status", slog.String("job_id", req.JobID), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job status"})
			return
		}
		c.JSON(http.StatusOK, snap)

	case req.OwnerID != "":
		c.JSON(http.StatusOK, dto.OwnerJobsResponse{
			OwnerID: req.OwnerID,
			Jobs:    h.queue.GetJobsForOwner(req.OwnerID),
		})

	default:
		c.JSON(http.StatusOK, h.queue.GetQueueStatus())
	}
}

// CancelImport handles DELETE /api/v1/imports?job_id=
func (h *ImportHandler) CancelImport(c *gin.Context) {
	var req dto.CancelImportRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id is required"})
		return
	}

	if !h.queue.Cancel(req.JobID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found or not cancellable"})
		return
	}

	h.logger.Info("Import cancelled", slog.String("job_id", req.JobID))
	c.JSON(http.StatusOK, dto.CancelImportResponse{JobID: req.JobID, Cancelled: true})
}

// ListTabs handles GET /api/v1/imports/:job_id/tabs
// Returns the tabs the job has persisted so far
func (h *ImportHandler) ListTabs(c *gin.Context) {
	jobID := c.Param("job_id")
	if h.tabs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Tab storage is not configured"})
		return
	}

	tabs, err := h.tabs.ListByJob(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to list tabs", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tabs"})
		return
	}

	resp := dto.ListTabsResponse{JobID: jobID, Tabs: make([]dto.ProcessedTabDTO, len(tabs))}
	for i, tab := range tabs {
		resp.Tabs[i] = dto.ProcessedTabDTO{
			URL:           tab.URL,
			Title:         tab.Title,
			Folder:        tab.Folder,
			Tags:          tab.Tags,
			ItemIndex:     tab.ItemIndex,
			ScreenshotURL: tab.ScreenshotURL,
			Summary:       tab.Summary,
			ProcessedAt:   tab.ProcessedAt.Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, resp)
}
