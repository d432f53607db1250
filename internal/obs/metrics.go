package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BridgeActiveSessions   = promauto.NewGauge(prometheus.GaugeOpts{Name: "avatar_relay_bridge_active_sessions", Help: "Currently connected bridge clients"})
	BridgeSessionsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "avatar_relay_bridge_sessions_total", Help: "Bridge sessions accepted"})
	BridgeRejectedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "avatar_relay_bridge_rejected_total", Help: "Bridge upgrades rejected because the session limit was reached"})
	BridgeRemoteDialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "avatar_relay_bridge_remote_dials_total", Help: "Outbound dials by routing kind and result"}, []string{"route", "result"})
	BridgeFramesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "avatar_relay_bridge_frames_total", Help: "Frames relayed by direction"}, []string{"direction"})
	BridgeBufferedFrames   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "avatar_relay_bridge_buffered_frames", Help: "Frames queued while the outbound link was connecting", Buckets: prometheus.ExponentialBuckets(1, 2, 10)})
	BridgeIdleKicksTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "avatar_relay_bridge_idle_kicks_total", Help: "Sessions aborted by the idle timeout"})
	BridgeSessionSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "avatar_relay_bridge_session_duration_seconds", Help: "Bridge session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})

	ForwardRequestsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "avatar_relay_forward_requests_total", Help: "REST forwarder requests by route and status"}, []string{"route", "status"})
	ForwardUpstreamSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "avatar_relay_forward_upstream_seconds", Help: "Upstream call latency", Buckets: prometheus.DefBuckets}, []string{"route"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "avatar_relay_errors_total", Help: "Errors by type"}, []string{"type"})
)
