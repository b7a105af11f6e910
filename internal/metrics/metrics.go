package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the channel engine.
type Registry struct {
	Channels channelGauges
	Clients  clientGauges
	Dispatch dispatchCounters
	System   systemGauges
}

type channelGauges struct {
	StreamActive   prometheus.Gauge
	DatagramActive prometheus.Gauge
	BindFailures   prometheus.Counter
}

type clientGauges struct {
	Registered *prometheus.GaugeVec
}

type dispatchCounters struct {
	MessagesHandled *prometheus.CounterVec
	MessagesReplied *prometheus.CounterVec
	ErrorsByCode    *prometheus.CounterVec
	BroadcastPruned prometheus.Counter
}

type systemGauges struct {
	CPUPercent prometheus.Gauge
	MemoryRSS  prometheus.Gauge
}

// NewRegistry creates the Prometheus metrics collectors for the engine.
func NewRegistry() *Registry {
	return &Registry{
		Channels: channelGauges{
			StreamActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "channeld_stream_channels_active",
				Help: "Number of stream channels currently serving",
			}),
			DatagramActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "channeld_datagram_channels_active",
				Help: "Number of datagram channels currently serving",
			}),
			BindFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "channeld_channel_bind_failures_total",
				Help: "Total number of channel creation bind failures",
			}),
		},
		Clients: clientGauges{
			Registered: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "channeld_registered_clients",
				Help: "Number of registered clients per channel kind",
			}, []string{"kind"}),
		},
		Dispatch: dispatchCounters{
			MessagesHandled: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "channeld_messages_handled_total",
				Help: "Total number of inbound messages dispatched to handlers, by event",
			}, []string{"event"}),
			MessagesReplied: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "channeld_messages_replied_total",
				Help: "Total number of outbound envelopes written, by tag",
			}, []string{"tag"}),
			ErrorsByCode: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "channeld_errors_total",
				Help: "Total number of errors surfaced to peers, by event and error code",
			}, []string{"event", "code"}),
			BroadcastPruned: promauto.NewCounter(prometheus.CounterOpts{
				Name: "channeld_broadcast_pruned_total",
				Help: "Total number of clients removed from a registry by broadcast-time pruning",
			}),
		},
		System: systemGauges{
			CPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "channeld_process_cpu_percent",
				Help: "Process CPU usage percent, sampled periodically",
			}),
			MemoryRSS: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "channeld_process_memory_rss_bytes",
				Help: "Process resident memory in bytes, sampled periodically",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
