package dispatch

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"waypoint/internal/types"
)

// Metrics holds dispatcher metrics.
type Metrics struct {
	reports         *prometheus.CounterVec
	reportLatency   prometheus.Histogram
	notifications   *prometheus.CounterVec
	geofenceEvents  *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	persistDropped  *prometheus.CounterVec
}

// Report outcome label values.
const (
	ReportAccepted    = "accepted"
	ReportRejected    = "rejected"
	ReportRateLimited = "rate_limited"
	ReportFailed      = "failed"
)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Name:      "location_reports_total",
			Help:      "Total number of location reports by outcome.",
		}, []string{"result"}),
		reportLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "waypoint",
			Name:      "location_report_duration_seconds",
			Help:      "Time spent handling a location report on its lane.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Name:      "notifications_total",
			Help:      "Notifications handed to the hub, by kind and delivery status.",
		}, []string{"kind", "status"}),
		geofenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Name:      "geofence_events_total",
			Help:      "Geofence events emitted, by type.",
		}, []string{"type"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Name:      "persist_failures_total",
			Help:      "Durable writes that failed, by job.",
		}, []string{"job"}),
		persistDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Name:      "persist_dropped_total",
			Help:      "Durable writes dropped because the queue was full, by job.",
		}, []string{"job"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.reports, m.reportLatency, m.notifications,
			m.geofenceEvents, m.persistFailures, m.persistDropped,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) recordNotification(kind Kind, delivered, dropped int) {
	if delivered > 0 {
		m.notifications.WithLabelValues(string(kind), "delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		m.notifications.WithLabelValues(string(kind), "dropped").Add(float64(dropped))
	}
}

func reportResult(err error) string {
	switch {
	case err == nil:
		return ReportAccepted
	case errors.Is(err, types.ErrRateLimited):
		return ReportRateLimited
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrUnauthorized):
		return ReportRejected
	default:
		return ReportFailed
	}
}
