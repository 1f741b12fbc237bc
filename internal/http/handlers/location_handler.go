// README: Location handlers (report ingress, nearby lookup).
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"waypoint/internal/modules/dispatch"
	"waypoint/internal/types"
)

// maxNearbyRadiusM caps caller supplied nearby radii.
const maxNearbyRadiusM = 50_000

type LocationHandler struct {
	dispatch *dispatch.Service
}

func NewLocationHandler(svc *dispatch.Service) *LocationHandler {
	return &LocationHandler{dispatch: svc}
}

type reportReq struct {
	Latitude       *float64   `json:"latitude" binding:"required"`
	Longitude      *float64   `json:"longitude" binding:"required"`
	AccuracyMeters float64    `json:"accuracy_meters"`
	TaskID         string     `json:"task_id"`
	CapturedAt     *time.Time `json:"captured_at"`
}

// Report accepts a position sample from the authenticated participant.
func (h *LocationHandler) Report(c *gin.Context) {
	var req reportReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, bindErrorMessage(err, "latitude and longitude are required"))
		return
	}
	if req.TaskID != "" && !isValidID(req.TaskID) {
		writeError(c, http.StatusBadRequest, "invalid task_id")
		return
	}
	sample := types.Sample{Lat: *req.Latitude, Lng: *req.Longitude, AccuracyMeters: req.AccuracyMeters}
	if req.CapturedAt != nil {
		sample.CapturedAt = req.CapturedAt.UTC()
	}
	ack, err := h.dispatch.HandleReport(c.Request.Context(), dispatch.Report{
		ParticipantID: caller(c),
		TaskID:        types.ID(req.TaskID),
		Sample:        sample,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ack)
}

// Nearby lists participants around the caller's last reported position.
func (h *LocationHandler) Nearby(c *gin.Context) {
	var radius float64
	if v := c.Query("radius_m"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 || r > maxNearbyRadiusM {
			writeError(c, http.StatusBadRequest, "radius_m must be in (0, 50000]")
			return
		}
		radius = r
	}
	out, err := h.dispatch.NearbyFor(c.Request.Context(), caller(c), radius)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"participants": out})
}
