package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/1ureka/walkie/internal/util"
)

// Register exports the process-wide traffic counters on reg. Values are read
// from util.Stats at scrape time.
func Register(reg prometheus.Registerer) {
	f := promauto.With(reg)
	s := util.Stats

	counter := func(name, help string, v *atomic.Int64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "walkie",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	// Connection metrics
	counter("connections_total", "Total number of transport connections opened", &s.TotalConns)
	counter("connections_closed_total", "Total number of transport connections closed", &s.ClosedConns)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "walkie",
		Name:      "connections_open",
		Help:      "Current number of open transport connections",
	}, func() float64 { return float64(s.OpenConns()) })

	// Session metrics
	counter("sessions_total", "Total number of established sessions", &s.Sessions)
	counter("handshake_failures_total", "Handshakes rejected, malformed or timed out", &s.HandshakeFailures)
	counter("keepalive_timeouts_total", "Sessions closed for missing keepalive traffic", &s.KeepaliveTimeouts)

	// Audio traffic metrics
	counter("audio_frames_sent_total", "Audio frames written to peers", &s.FramesSent)
	counter("audio_frames_received_total", "Audio frames received from peers", &s.FramesRecv)
	counter("bytes_sent_total", "Bytes written to peers", &s.BytesSent)
	counter("bytes_received_total", "Bytes read from peers", &s.BytesRecv)
}
