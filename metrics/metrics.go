package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type TranscoderMetrics struct {
	SubmitRequestCount    prometheus.Counter
	SubmitRequestDuration *prometheus.SummaryVec
	JobsCompleted         *prometheus.CounterVec
	JobAttemptDurationSec *prometheus.SummaryVec
	StageDurationSec      *prometheus.SummaryVec
	UploadedBytes         prometheus.Counter
	QueueDepth            *prometheus.GaugeVec
	ActiveJobs            prometheus.Gauge
	CallbackFailureCount  prometheus.Counter
	ReaperBytesFreed      prometheus.Counter
	ObjectStoreRetryCount *prometheus.CounterVec
	HTTPRequestsInFlight  prometheus.Gauge
}

var Metrics = NewMetrics()

func NewMetrics() *TranscoderMetrics {
	return &TranscoderMetrics{
		SubmitRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcode_submit_request_count",
			Help: "The total number of requests to POST /transcode",
		}),
		SubmitRequestDuration: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "transcode_submit_request_duration_seconds",
			Help: "The latency of POST /transcode requests broken up by success and status code",
		}, []string{"success", "status_code"}),
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_jobs_total",
			Help: "Jobs that reached a terminal state, by status",
		}, []string{"status"}),
		JobAttemptDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "transcode_job_attempt_duration_seconds",
			Help: "Wall-clock time of a single pipeline attempt, by success",
		}, []string{"success"}),
		StageDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "transcode_stage_duration_seconds",
			Help: "Time spent in each pipeline stage",
		}, []string{"stage"}),
		UploadedBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcode_uploaded_bytes_total",
			Help: "Bytes uploaded to the output bucket",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transcode_queue_depth",
			Help: "Queue entry counts by state",
		}, []string{"state"}),
		ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcode_active_jobs",
			Help: "Jobs currently being processed on this worker",
		}),
		CallbackFailureCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcode_callback_failure_count",
			Help: "The total number of failed webhook callbacks",
		}),
		ReaperBytesFreed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcode_reaper_bytes_freed_total",
			Help: "Local scratch bytes reclaimed by the cleanup reaper",
		}),
		ObjectStoreRetryCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_object_store_retry_count",
			Help: "Retries of object store operations, by operation",
		}, []string{"op"}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcode_http_requests_in_flight",
			Help: "A gauge of how many HTTP requests are currently in flight",
		}),
	}
}

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
