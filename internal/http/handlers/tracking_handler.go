// README: Tracking session handlers (start/stop, route replay).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"waypoint/internal/modules/dispatch"
)

type TrackingHandler struct {
	dispatch *dispatch.Service
}

func NewTrackingHandler(svc *dispatch.Service) *TrackingHandler {
	return &TrackingHandler{dispatch: svc}
}

func (h *TrackingHandler) Start(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	ack, err := h.dispatch.StartTracking(c.Request.Context(), caller(c), taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ack)
}

func (h *TrackingHandler) Stop(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	ack, err := h.dispatch.StopTracking(c.Request.Context(), caller(c), taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ack)
}

// Route returns the participant's latest session route on the task, filtered
// for the caller.
func (h *TrackingHandler) Route(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	participantID, ok := pathID(c, "participantId")
	if !ok {
		return
	}
	sess, points, err := h.dispatch.Route(c.Request.Context(), caller(c), taskID, participantID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if points == nil {
		points = []dispatch.RoutePointView{}
	}
	writeJSON(c, http.StatusOK, gin.H{"session": sess, "points": points})
}
