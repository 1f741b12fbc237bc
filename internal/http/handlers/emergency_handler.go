// README: Emergency location lookup; every attempt is audited by the privacy module.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"waypoint/internal/modules/dispatch"
)

type EmergencyHandler struct {
	dispatch *dispatch.Service
}

func NewEmergencyHandler(svc *dispatch.Service) *EmergencyHandler {
	return &EmergencyHandler{dispatch: svc}
}

type emergencyReq struct {
	Reason string `json:"reason"`
}

func (h *EmergencyHandler) Locate(c *gin.Context) {
	target, ok := pathID(c, "participantId")
	if !ok {
		return
	}
	var req emergencyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	// An empty reason is rejected by the service so the attempt is still audited.
	loc, err := h.dispatch.EmergencyAccess(c.Request.Context(), caller(c), target, req.Reason)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"participant_id": target, "location": loc})
}
