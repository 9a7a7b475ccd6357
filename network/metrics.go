package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_net_connections_active",
		Help: "Current number of bridged network connections",
	})

	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_net_connections_total",
		Help: "Total number of accepted network connections",
	})

	handshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_net_handshake_failures_total",
		Help: "Total number of failed transport handshakes",
	})

	framesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_net_frames_read_total",
		Help: "Total frames read off network peers",
	})

	framesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_net_frames_written_total",
		Help: "Total frames written to network peers",
	})

	recordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_net_records_dropped_total",
		Help: "Records dropped because a broker-side wire was full",
	})

	keepAliveProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_net_keepalive_probes_total",
		Help: "Keep-alive pings sent to idle peers",
	})

	keepAliveEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_net_keepalive_evictions_total",
		Help: "Connections evicted after exceeding the idle deadline",
	})
)
