package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveRelayPairs prometheus.Gauge
	RelayFrames      *prometheus.CounterVec
	RelayPairEvents  *prometheus.CounterVec
	TTSRequests      *prometheus.CounterVec
	TTSLatency       prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveRelayPairs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_relay_pairs",
			Help:      "Number of live client-upstream connection pairs.",
		}),
		RelayFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Frames forwarded by the relay, by direction.",
		}, []string{"direction"}),
		RelayPairEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_pair_events_total",
			Help:      "Relay pair lifecycle events by type.",
		}, []string{"event"}),
		TTSRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_requests_total",
			Help:      "Speech synthesis requests by outcome.",
		}, []string{"outcome"}),
		TTSLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tts_latency_ms",
			Help:      "Speech synthesis round-trip latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1200, 2000, 5000},
		}),
	}
}

func (m *Metrics) ObserveTTSLatency(d time.Duration) {
	m.TTSLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
