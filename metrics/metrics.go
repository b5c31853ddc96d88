// Package metrics holds the bridge's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame direction labels.
const (
	DirClientToBackend = "client_to_backend"
	DirBackendToClient = "backend_to_client"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_active_sessions",
		Help: "Number of bridge sessions currently active.",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_sessions_total",
		Help: "Total bridge sessions created.",
	})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_frames_total",
		Help: "Frames forwarded, by direction.",
	}, []string{"direction"})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_protocol_errors_total",
		Help: "Recoverable per-message protocol errors.",
	})
)
