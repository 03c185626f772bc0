package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	peersConnected prometheus.Gauge
	roomsActive    prometheus.Gauge

	chatMessagesTotal    prometheus.Counter
	envelopesRoutedTotal *prometheus.CounterVec
	malformedFrames      prometheus.Counter
	rateLimitedTotal     prometheus.Counter

	historyFetchDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "studychat_peers_connected_total",
			Help: "Number of peers currently connected to the relay",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "studychat_rooms_active",
			Help: "Number of rooms with at least one connected peer",
		}),

		chatMessagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "studychat_chat_messages_total",
			Help: "Total chat messages persisted and broadcast",
		}),

		envelopesRoutedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "studychat_envelopes_routed_total",
			Help: "Envelopes routed by the relay, by kind",
		}, []string{"kind"}),

		malformedFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "studychat_malformed_frames_total",
			Help: "Incoming frames dropped because they failed to decode",
		}),

		rateLimitedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "studychat_rate_limited_frames_total",
			Help: "Incoming frames dropped by the per-connection rate limiter",
		}),

		historyFetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "studychat_history_fetch_duration_seconds",
			Help:    "Duration of history reads served over HTTP",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

func (p *PrometheusCollector) RecordPeerConnected()    { p.peersConnected.Inc() }
func (p *PrometheusCollector) RecordPeerDisconnected() { p.peersConnected.Dec() }

func (p *PrometheusCollector) SetActiveRooms(n int) { p.roomsActive.Set(float64(n)) }

func (p *PrometheusCollector) RecordChatMessage() { p.chatMessagesTotal.Inc() }

func (p *PrometheusCollector) RecordEnvelopeRouted(kind string) {
	p.envelopesRoutedTotal.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordMalformedFrame() { p.malformedFrames.Inc() }

func (p *PrometheusCollector) RecordRateLimited() { p.rateLimitedTotal.Inc() }

func (p *PrometheusCollector) RecordHistoryFetch(duration time.Duration) {
	p.historyFetchDuration.Observe(duration.Seconds())
}
