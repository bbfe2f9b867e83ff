package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "showrunner_queue_depth",
			Help: "Number of tasks by lifecycle state",
		},
		[]string{"state"},
	)

	TasksClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_tasks_claimed_total",
			Help: "Total number of task claims by channel",
		},
		[]string{"channel"},
	)

	TasksResurrected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "showrunner_tasks_resurrected_total",
			Help: "Total number of tasks re-claimed after lease expiry",
		},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_tasks_completed_total",
			Help: "Total number of tasks that reached completed",
		},
		[]string{"channel"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_tasks_failed_total",
			Help: "Total number of tasks that reached failed, by error kind",
		},
		[]string{"channel", "kind"},
	)

	// Pipeline metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "showrunner_stage_duration_seconds",
			Help:    "Wall-clock duration of pipeline stages in seconds",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 600, 1200},
		},
		[]string{"stage"},
	)

	StageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_stage_retries_total",
			Help: "Total number of retriable stage failures by stage",
		},
		[]string{"stage"},
	)

	// Planning API metrics
	PlanningRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_planning_requests_total",
			Help: "Total planning-database API requests by outcome",
		},
		[]string{"method", "outcome"},
	)

	PlanningRateWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "showrunner_planning_rate_wait_seconds",
			Help:    "Time spent waiting on the planning API rate limiter",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Upload quota metrics
	UploadQuotaUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "showrunner_upload_quota_used_units",
			Help: "Upload quota units consumed per channel for the current UTC day",
		},
		[]string{"channel"},
	)

	// Transaction metrics
	TxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "showrunner_tx_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2},
		},
	)

	TxOverCeiling = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "showrunner_tx_over_ceiling_total",
			Help: "Transactions that exceeded the wall-clock ceiling",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	AlertsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_alerts_dispatched_total",
			Help: "Total number of alerts dispatched by severity",
		},
		[]string{"severity"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksResurrected)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StageRetries)
	prometheus.MustRegister(PlanningRequests)
	prometheus.MustRegister(PlanningRateWait)
	prometheus.MustRegister(UploadQuotaUsed)
	prometheus.MustRegister(TxDuration)
	prometheus.MustRegister(TxOverCeiling)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(AlertsDispatched)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
