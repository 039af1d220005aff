package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConnectionsActive tracks live charge point WebSocket sessions.
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "csms_connections_active",
			Help: "Number of live charge point connections.",
		},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csms_messages_total",
			Help: "Inbound OCPP messages by action.",
		},
		[]string{"action"},
	)

	CallTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csms_call_timeouts_total",
			Help: "CSMS-initiated calls that expired without a reply.",
		},
	)

	ForwardedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csms_forwarded_frames_total",
			Help: "Frames relayed to upstream nodes.",
		},
		[]string{"node"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsActive, MessagesTotal, CallTimeoutsTotal, ForwardedFramesTotal)
}
