// README: Geofence handlers (create, list, derive from task sites, event log).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"waypoint/internal/modules/dispatch"
	"waypoint/internal/modules/geofence"
)

type GeofenceHandler struct {
	geofence *geofence.Service
	dispatch *dispatch.Service
}

func NewGeofenceHandler(geofenceSvc *geofence.Service, dispatchSvc *dispatch.Service) *GeofenceHandler {
	return &GeofenceHandler{geofence: geofenceSvc, dispatch: dispatchSvc}
}

type createGeofenceReq struct {
	Kind     geofence.Kind     `json:"kind" binding:"required"`
	Geometry geofence.Geometry `json:"geometry"`
}

func (h *GeofenceHandler) Create(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req createGeofenceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, bindErrorMessage(err, "kind is required"))
		return
	}
	g, err := h.geofence.Create(c.Request.Context(), taskID, req.Kind, req.Geometry)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, g)
}

func (h *GeofenceHandler) List(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	fences := h.geofence.Geofences(taskID)
	if fences == nil {
		fences = []geofence.Geofence{}
	}
	writeJSON(c, http.StatusOK, gin.H{"geofences": fences})
}

// Setup derives geofences from the task's pickup, delivery and area sites.
func (h *GeofenceHandler) Setup(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	ids, err := h.geofence.SetupForTask(c.Request.Context(), taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"geofence_ids": ids})
}

func (h *GeofenceHandler) Events(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	events, err := h.dispatch.GeofenceEvents(c.Request.Context(), caller(c), taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": events})
}
