// Package metrics exposes the gateway's prometheus instrumentation: one
// Set per space, registered on a private registry so embedded spaces in the
// same process never collide.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every gateway metric. All mutation happens on the router
// task; prometheus types are safe to scrape concurrently.
type Set struct {
	registry *prometheus.Registry

	EnvelopesRouted     *prometheus.CounterVec
	EnvelopesRejected   *prometheus.CounterVec
	StreamFrames        prometheus.Counter
	StreamFramesDenied  prometheus.Counter
	Participants        prometheus.Gauge
	ActiveStreams       prometheus.Gauge
	OpenProposals       prometheus.Gauge
	OverflowDisconnects prometheus.Counter
	HistoryEntries      prometheus.Counter
}

// NewSet creates and registers the gateway metrics for one space.
func NewSet(space string) *Set {
	labels := prometheus.Labels{"space": space}
	s := &Set{
		registry: prometheus.NewRegistry(),
		EnvelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mew_envelopes_routed_total",
			Help:        "Envelopes accepted and fanned out, by kind family.",
			ConstLabels: labels,
		}, []string{"family"}),
		EnvelopesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mew_envelopes_rejected_total",
			Help:        "Envelopes refused before routing, by error code.",
			ConstLabels: labels,
		}, []string{"code"}),
		StreamFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mew_stream_frames_total",
			Help:        "Binary stream frames accepted and forwarded.",
			ConstLabels: labels,
		}),
		StreamFramesDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mew_stream_frames_denied_total",
			Help:        "Binary stream frames dropped by authorization.",
			ConstLabels: labels,
		}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mew_participants_connected",
			Help:        "Currently connected participants.",
			ConstLabels: labels,
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mew_streams_active",
			Help:        "Currently open streams.",
			ConstLabels: labels,
		}),
		OpenProposals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mew_proposals_open",
			Help:        "Proposals awaiting fulfillment or expiry.",
			ConstLabels: labels,
		}),
		OverflowDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mew_backpressure_disconnects_total",
			Help:        "Participants disconnected for outbound queue overflow.",
			ConstLabels: labels,
		}),
		HistoryEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mew_history_entries_total",
			Help:        "Entries appended to the history log.",
			ConstLabels: labels,
		}),
	}
	s.registry.MustRegister(
		s.EnvelopesRouted,
		s.EnvelopesRejected,
		s.StreamFrames,
		s.StreamFramesDenied,
		s.Participants,
		s.ActiveStreams,
		s.OpenProposals,
		s.OverflowDisconnects,
		s.HistoryEntries,
	)
	return s
}

// Routed records one accepted envelope. Kinds are folded to their leading
// segment so passthrough custom kinds cannot explode label cardinality.
func (s *Set) Routed(kind string) {
	s.EnvelopesRouted.WithLabelValues(Family(kind)).Inc()
}

// Rejected records one refusal by error code.
func (s *Set) Rejected(code string) {
	s.EnvelopesRejected.WithLabelValues(code).Inc()
}

// Handler serves the space's metrics in prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Family reduces a kind to its first slash-delimited segment.
func Family(kind string) string {
	if i := strings.IndexByte(kind, '/'); i >= 0 {
		return kind[:i]
	}
	return kind
}
