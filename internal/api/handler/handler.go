package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/tab-importer/internal/domain"
	"github.com/cuongbtq/tab-importer/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const defaultStreamInterval = time.Second

// ImportQueue is the queue manager as seen by the HTTP layer
type ImportQueue interface {
	Submit(ownerID string, items []domain.Tab) (string, error)
	GetJobStatus(jobID string) (domain.Snapshot, error)
	GetJobsForOwner(ownerID string) []domain.Snapshot
	Cancel(jobID string) bool
	GetQueueStatus() queue.Status
}

// TabLister reads persisted results
type TabLister interface {
	ListByJob(ctx context.Context, jobID string) ([]*domain.ProcessedTab, error)
}

// HealthChecker is implemented by backing services reported on /health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	ServiceName    string
	Queue          ImportQueue
	Tabs           TabLister
	Database       HealthChecker
	StreamInterval time.Duration
}

// ImportHandler handles tab import HTTP requests
type ImportHandler struct {
	logger         *slog.Logger
	serviceName    string
	queue          ImportQueue
	tabs           TabLister
	database       HealthChecker
	streamInterval time.Duration
	upgrader       websocket.Upgrader
}

// NewImportHandler creates a new ImportHandler instance
func NewImportHandler(deps *Dependencies) *ImportHandler {
	interval := deps.StreamInterval
	if interval <= 0 {
		interval = defaultStreamInterval
	}

	return &ImportHandler{
		logger:         deps.Logger,
		serviceName:    deps.ServiceName,
		queue:          deps.Queue,
		tabs:           deps.Tabs,
		database:       deps.Database,
		streamInterval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Health handles GET /health
func (h *ImportHandler) Health(c *gin.Context) {
	status := h.queue.GetQueueStatus()
	body := gin.H{
		"status":          "healthy",
		"service":         h.serviceName,
		"queued_jobs":     status.QueuedJobs,
		"processing_jobs": status.ProcessingJobs,
	}

	if h.database != nil {
		if err := h.database.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Error("Database health check failed", slog.String("error", err.Error()))
			body["status"] = "unhealthy"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}

	c.JSON(http.StatusOK, body)
}
