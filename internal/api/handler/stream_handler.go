package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/tab-importer/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// StreamImport handles GET /api/v1/imports/:job_id/stream
// Pushes a job snapshot every stream interval over a websocket and closes the
// connection once the job is terminal.
func (h *ImportHandler) StreamImport(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := h.queue.GetJobStatus(jobID); errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	// drain client frames so a close from the other side is noticed
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	for {
		snap, err := h.queue.GetJobStatus(jobID)
		if err != nil {
			h.closeStream(conn, websocket.CloseNormalClosure, "job evicted")
			return
		}

		if err := writeSnapshot(conn, snap); err != nil {
			h.logger.Debug("Stopping progress stream",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			return
		}
		if snap.Phase.IsTerminal() {
			h.closeStream(conn, websocket.CloseNormalClosure, string(snap.Phase))
			return
		}

		select {
		case <-ticker.C:
		case <-clientGone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// writeSnapshot sends one snapshot frame bounded by writeWait
func writeSnapshot(conn *websocket.Conn, snap domain.Snapshot) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (h *ImportHandler) closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
