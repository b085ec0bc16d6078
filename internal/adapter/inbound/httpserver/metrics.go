package httpserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hatago_rpc_requests_total",
		Help: "JSON-RPC requests handled, by method and outcome.",
	}, []string{"method", "outcome"})

	rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hatago_rpc_duration_seconds",
		Help:    "JSON-RPC request handling latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hatago_sse_streams_active",
		Help: "Open downstream SSE streams.",
	})

	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hatago_sessions_created_total",
		Help: "Downstream sessions created.",
	})
)
