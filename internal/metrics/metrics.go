package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus collectors for the realtime layer.
type Metrics struct {
	Connections        prometheus.Gauge
	Subscriptions      *prometheus.CounterVec
	EventsDelivered    *prometheus.CounterVec
	EventsDropped      prometheus.Counter
	BroadcastFailures  *prometheus.CounterVec
	TokensIssued       *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	OriginRejections   prometheus.Counter
}

// Default returns the process-wide collectors, registering them on first use.
//
// Metrics:
//   - widgetchat_ws_connections - open WebSocket connections
//   - widgetchat_ws_subscriptions_total{result} - subscribe attempts
//   - widgetchat_ws_events_delivered_total{type} - frames queued to sockets
//   - widgetchat_ws_events_dropped_total - frames dropped on full send buffers
//   - widgetchat_broadcast_failures_total{type} - fan-out publish errors
//   - widgetchat_tokens_issued_total{kind} - connection tokens minted
//   - widgetchat_generation_failures_total{provider} - fallback replies served
//   - widgetchat_origin_rejections_total - embed requests refused by the domain gate
func Default() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Connections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "widgetchat_ws_connections",
				Help: "Open WebSocket connections",
			}),
			Subscriptions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "widgetchat_ws_subscriptions_total",
				Help: "Channel subscription attempts by result",
			}, []string{"result"}),
			EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "widgetchat_ws_events_delivered_total",
				Help: "Channel events queued to subscriber sockets",
			}, []string{"type"}),
			EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "widgetchat_ws_events_dropped_total",
				Help: "Channel events dropped because a socket send buffer was full",
			}),
			BroadcastFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "widgetchat_broadcast_failures_total",
				Help: "Events that could not be published to the broadcast driver",
			}, []string{"type"}),
			TokensIssued: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "widgetchat_tokens_issued_total",
				Help: "Connection tokens issued by kind",
			}, []string{"kind"}),
			GenerationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "widgetchat_generation_failures_total",
				Help: "Assistant turns completed with the fallback reply",
			}, []string{"provider"}),
			OriginRejections: promauto.NewCounter(prometheus.CounterOpts{
				Name: "widgetchat_origin_rejections_total",
				Help: "Embed requests refused by the widget domain allow-list",
			}),
		}
	})
	return globalMetrics
}
