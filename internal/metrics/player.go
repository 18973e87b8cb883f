// Package metrics provides Prometheus metrics for the player pipeline.
package metrics

import (
	"github.com/king-prawns/Tape/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels are limited to content type, request type, error code and state.
// Player ids never become labels.

var (
	// SegmentsDownloadedTotal counts completed segment downloads.
	SegmentsDownloadedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_segments_downloaded_total",
		Help: "Total number of downloaded segments, by content type.",
	}, []string{"content_type"})

	// DownloadedBytesTotal counts downloaded payload bytes.
	DownloadedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_downloaded_bytes_total",
		Help: "Total payload bytes received, by request type.",
	}, []string{"request_type"})

	// RequestDuration observes the elapsed time of successful requests.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tape_request_duration_seconds",
		Help:    "Duration of successful transport requests, by request type.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
	}, []string{"request_type"})

	// ErrorsTotal counts player errors.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_errors_total",
		Help: "Total number of player errors, by code and severity.",
	}, []string{"code", "severity"})

	// RepresentationSwitchesTotal counts active representation changes.
	RepresentationSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_representation_switches_total",
		Help: "Total number of active representation changes, by content type.",
	}, []string{"content_type"})

	// CDNChangesTotal counts CDN failovers.
	CDNChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tape_cdn_changes_total",
		Help: "Total number of CDN failovers.",
	})

	// StateTransitionsTotal counts player state changes.
	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_player_state_transitions_total",
		Help: "Total number of player state changes, by target state.",
	}, []string{"state"})

	// EstimatedBandwidth is the latest bandwidth sample in bits per second.
	EstimatedBandwidth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tape_estimated_bandwidth_bps",
		Help: "Latest estimated bandwidth in bits per second.",
	})

	// ActivePlayers tracks players that are loaded and not destroyed.
	ActivePlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tape_active_players",
		Help: "Current number of loaded players.",
	})
)

// Attach records bus events into the collectors. The returned
// subscription is removed on teardown.
func Attach(bus *events.Bus) events.Subscription {
	return bus.SubscribeAll(Record)
}

// Record updates collectors for one event.
func Record(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.HTTPResponse:
		rt := string(p.RequestType)
		DownloadedBytesTotal.WithLabelValues(rt).Add(float64(len(p.Data)))
		RequestDuration.WithLabelValues(rt).Observe(p.Elapsed)
		if ct, ok := events.ContentTypeOf(p.RequestType); ok {
			SegmentsDownloadedTotal.WithLabelValues(string(ct)).Inc()
		}
	case events.Error:
		if p.Err != nil {
			ErrorsTotal.WithLabelValues(string(p.Err.Code), p.Err.Severity.String()).Inc()
		}
	case events.ActiveRepresentationChange:
		RepresentationSwitchesTotal.WithLabelValues(string(p.ContentType)).Inc()
	case events.CDNChange:
		CDNChangesTotal.Inc()
	case events.PlayerStateChange:
		StateTransitionsTotal.WithLabelValues(string(p.State)).Inc()
	case events.EstimatedBandwidth:
		EstimatedBandwidth.Set(p.BitsPerSecond)
	}
}
