// Package metrics exposes Prometheus instrumentation for the realtime gateway.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

type Metrics struct {
	EventsPublished  *prometheus.CounterVec
	EventsReceived   *prometheus.CounterVec
	EventsMalformed  prometheus.Counter
	ClientsConnected prometheus.Gauge
	ClientsDropped   prometheus.Counter
	ChannelsActive   prometheus.Gauge
	PresenceEntries  prometheus.Gauge
	PresenceExpired  prometheus.Counter
	CommandsLimited  prometheus.Counter
}

// Get returns the process-wide metrics, registering them on first use so
// multiple hubs or trackers in one process (tests) never double-register.
//
//   - realtime_events_published_total{kind,result}
//   - realtime_events_received_total{transport}
//   - realtime_events_malformed_total
//   - realtime_clients_connected
//   - realtime_clients_dropped_total
//   - realtime_channels_active
//   - realtime_presence_entries
//   - realtime_presence_expired_total
//   - realtime_commands_rate_limited_total
func Get() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "realtime_events_published_total",
				Help: "Events handed to the pub/sub transport",
			}, []string{"kind", "result"}),
			EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "realtime_events_received_total",
				Help: "Events received from the pub/sub transport",
			}, []string{"transport"}),
			EventsMalformed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "realtime_events_malformed_total",
				Help: "Events dropped because they could not be parsed",
			}),
			ClientsConnected: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "realtime_clients_connected",
				Help: "WebSocket clients currently registered",
			}),
			ClientsDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "realtime_clients_dropped_total",
				Help: "Clients disconnected because their send buffer was full",
			}),
			ChannelsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "realtime_channels_active",
				Help: "Channels with at least one subscriber",
			}),
			PresenceEntries: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "realtime_presence_entries",
				Help: "Presence entries across all channels",
			}),
			PresenceExpired: promauto.NewCounter(prometheus.CounterOpts{
				Name: "realtime_presence_expired_total",
				Help: "Presence entries removed by the TTL sweep",
			}),
			CommandsLimited: promauto.NewCounter(prometheus.CounterOpts{
				Name: "realtime_commands_rate_limited_total",
				Help: "Client commands dropped by the per-connection rate limiter",
			}),
		}
	})
	return global
}
