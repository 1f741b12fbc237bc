// README: Privacy settings handlers; a participant only reads and edits their own settings.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"waypoint/internal/modules/dispatch"
	"waypoint/internal/modules/privacy"
)

type PrivacyHandler struct {
	privacy  *privacy.Service
	dispatch *dispatch.Service
}

func NewPrivacyHandler(privacySvc *privacy.Service, dispatchSvc *dispatch.Service) *PrivacyHandler {
	return &PrivacyHandler{privacy: privacySvc, dispatch: dispatchSvc}
}

func (h *PrivacyHandler) Get(c *gin.Context) {
	st, err := h.privacy.Settings(c.Request.Context(), caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// Update applies a partial patch. It goes through dispatch so that turning
// sharing off is ordered with the caller's in-flight reports.
func (h *PrivacyHandler) Update(c *gin.Context) {
	var patch privacy.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	st, err := h.dispatch.UpdatePrivacy(c.Request.Context(), caller(c), patch)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}
