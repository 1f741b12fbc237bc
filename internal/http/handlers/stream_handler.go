// README: Server-sent event stream delivering egress notifications to a connected participant.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"waypoint/internal/modules/dispatch"
	"waypoint/internal/types"
)

const keepAliveInterval = 25 * time.Second

type StreamHandler struct {
	dispatch *dispatch.Service
	hub      *dispatch.Hub
	logger   *slog.Logger
}

func NewStreamHandler(svc *dispatch.Service, hub *dispatch.Hub, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{dispatch: svc, hub: hub, logger: logger}
}

// Stream subscribes the caller to the hub until the client goes away. The
// optional "tasks" query (comma separated) joins those task rooms as a
// watcher; the caller must take part in each task. Dropping the last connection runs the disconnect cleanup.
func (h *StreamHandler) Stream(c *gin.Context) {
	id := caller(c)
	var tasks []types.ID
	if raw := c.Query("tasks"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if !isValidID(t) {
				writeError(c, http.StatusBadRequest, "invalid tasks")
				return
			}
			tasks = append(tasks, types.ID(t))
		}
	}

	if err := h.dispatch.Watch(c.Request.Context(), id, tasks...); err != nil {
		writeServiceError(c, err)
		return
	}

	sub := h.hub.Subscribe(id)
	defer func() {
		if h.hub.Unsubscribe(sub) > 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 5*time.Second)
		defer cancel()
		if err := h.dispatch.Disconnect(ctx, id); err != nil {
			h.logger.Warn("disconnect cleanup failed", "participant_id", id, "error", err)
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			c.SSEvent(string(n.Kind), n)
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{})
		}
		c.Writer.Flush()
	}
}
