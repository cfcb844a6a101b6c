package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type realtimeEventPayload struct {
	Reason        string   `json:"reason,omitempty"`
	AttendanceIDs []string `json:"attendanceIds,omitempty"`
	StudentIDs    []string `json:"studentIds,omitempty"`
	Timestamp     string   `json:"timestamp"`
	Source        string   `json:"source"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
		Timestamp: h.clock().UTC().Format(time.RFC3339Nano),
		Source:    realtimeSourceBackend,
	})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Reason:        message.Reason,
				AttendanceIDs: message.AttendanceIDs,
				StudentIDs:    message.StudentIDs,
				Timestamp:     message.Timestamp.Format(time.RFC3339Nano),
				Source:        realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				Timestamp: tick.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}
