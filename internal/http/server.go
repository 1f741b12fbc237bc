// README: API gateway; holds the services the HTTP adapter delegates to.
package http

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"waypoint/internal/infra"
	"waypoint/internal/modules/dispatch"
	"waypoint/internal/modules/geofence"
	"waypoint/internal/modules/privacy"
)

type ServerDeps struct {
	Dispatch *dispatch.Service
	Hub      *dispatch.Hub
	Geofence *geofence.Service
	Privacy  *privacy.Service
	Verifier infra.TokenVerifier
	Metrics  prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = prometheus.DefaultGatherer
	}
	return &Server{deps: deps}
}

func (s *Server) Routes() http.Handler {
	return NewRouter(s.deps)
}
