package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CodesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_pairing_codes_issued_total",
		Help: "Activation codes issued",
	})

	// GenerationCollisions counts generated codes rejected because they
	// were already taken.
	GenerationCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_pairing_code_collisions_total",
		Help: "Generated activation codes that collided with an existing code",
	})

	Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_pairing_redemptions_total",
		Help: "Redemption attempts by result",
	}, []string{"result"})

	Expirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_pairing_expirations_total",
		Help: "Activation codes moved to expired",
	})

	Revocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_pairing_revocations_total",
		Help: "Activation codes moved to revoked",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_pairing_events_published_total",
		Help: "Pairing events handed to the event bus by result",
	}, []string{"result"})

	AssetLinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_pairing_asset_links_total",
		Help: "Asset link operations by outcome",
	}, []string{"outcome"})

	SSESubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_pairing_sse_subscribers",
		Help: "Connected event stream subscribers",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kiosk_pairing_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_pairing_maintenance_runs_total",
		Help: "Maintenance task runs by task and result",
	}, []string{"task", "result"})
)
