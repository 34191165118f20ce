package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlarmsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platelog",
		Name:      "alarms_processed_total",
		Help:      "Alarms handled by the sync pipeline, by outcome",
	}, []string{"outcome"})

	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platelog",
		Name:      "sync_runs_total",
		Help:      "Sync runs by final status",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "platelog",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"stage"})

	VehicleLogsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "platelog",
		Name:      "vehicle_logs_created_total",
		Help:      "Total number of vehicle logs written",
	})

	LastSyncSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "platelog",
		Name:      "last_sync_success_timestamp_seconds",
		Help:      "Unix time of the last successful sync run",
	})

	PendingTriggers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "platelog",
		Name:      "sync_pending_triggers",
		Help:      "Unconsumed sync trigger messages",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "platelog",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "platelog",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
