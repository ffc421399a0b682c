package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stratum_proxy"

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_sessions", Help: "Relay sessions currently open"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_total", Help: "Client connections accepted and handed to a relay session"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "session_duration_seconds", Help: "Relay session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
)
