// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"waypoint/internal/http/handlers"
	"waypoint/internal/http/middleware"
)

func NewRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	locationHandler := handlers.NewLocationHandler(deps.Dispatch)
	api.POST("/location/report", locationHandler.Report)
	api.GET("/location/nearby", locationHandler.Nearby)

	streamHandler := handlers.NewStreamHandler(deps.Dispatch, deps.Hub, deps.Logger)
	api.GET("/stream", streamHandler.Stream)

	trackingHandler := handlers.NewTrackingHandler(deps.Dispatch)
	api.POST("/tasks/:taskId/tracking/start", trackingHandler.Start)
	api.POST("/tasks/:taskId/tracking/stop", trackingHandler.Stop)
	api.GET("/tasks/:taskId/route/:participantId", trackingHandler.Route)

	geofenceHandler := handlers.NewGeofenceHandler(deps.Geofence, deps.Dispatch)
	api.POST("/tasks/:taskId/geofences", geofenceHandler.Create)
	api.GET("/tasks/:taskId/geofences", geofenceHandler.List)
	api.POST("/tasks/:taskId/geofences/setup", geofenceHandler.Setup)
	api.GET("/tasks/:taskId/geofence-events", geofenceHandler.Events)

	privacyHandler := handlers.NewPrivacyHandler(deps.Privacy, deps.Dispatch)
	api.GET("/privacy/settings", privacyHandler.Get)
	api.PATCH("/privacy/settings", privacyHandler.Update)

	emergencyHandler := handlers.NewEmergencyHandler(deps.Dispatch)
	api.POST("/emergency/:participantId/location", emergencyHandler.Locate)

	return r
}
