package router

import (
	"github.com/cuongbtq/tab-importer/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	importHandler := handler.NewImportHandler(deps)

	r.GET("/health", importHandler.Health)

	v1 := r.Group("/api/v1")
	{
		imports := v1.Group("/imports")
		{
			// POST /api/v1/imports - Queue a batch of tabs
			imports.POST("", importHandler.CreateImport)

			// GET /api/v1/imports/status - Job, owner or queue status
			imports.GET("/status", importHandler.GetStatus)

			// DELETE /api/v1/imports?job_id= - Cancel a job
			imports.DELETE("", importHandler.CancelImport)

			// GET /api/v1/imports/:job_id/tabs - Persisted results
			imports.GET("/:job_id/tabs", importHandler.ListTabs)

			// GET /api/v1/imports/:job_id/stream - Progress over websocket
			imports.GET("/:job_id/stream", importHandler.StreamImport)
		}
	}

	return r
}
