// Package metrics provides Prometheus metrics for the task RPC server, the worker
// and the client-side poller.
package metrics

import (
	"time"

	"github.com/nadmax/taskrpc/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksLaunched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrpc_tasks_launched_total",
			Help: "Total number of tasks launched",
		},
		[]string{"action"},
	)
	TasksBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrpc_tasks_blocked_total",
			Help: "Total number of launches refused because the task was already started",
		},
		[]string{"action"},
	)
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrpc_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"action", "status"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrpc_task_duration_seconds",
			Help:    "Task run time in seconds, from launch to terminal state",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"action", "status"},
	)
	TasksInStore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskrpc_tasks_in_store",
			Help: "Current number of task records by status",
		},
		[]string{"status"},
	)
	ProcedureCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrpc_procedure_calls_total",
			Help: "Total number of procedure calls served",
		},
		[]string{"procedure", "outcome"},
	)
	ClientCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrpc_client_calls_total",
			Help: "Total number of procedure calls issued by the client",
		},
		[]string{"procedure", "outcome"},
	)
	ClientCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrpc_client_call_duration_seconds",
			Help:    "Client procedure call round trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"procedure"},
	)
	PollTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrpc_poll_ticks_total",
			Help: "Total number of status checks performed by poll loops",
		},
		[]string{"action", "status"},
	)
	ActivePolls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrpc_active_polls",
			Help: "Number of currently registered poll loops",
		},
	)
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrpc_stream_subscribers",
			Help: "Number of open task status push streams",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrpc_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrpc_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrpc_queue_depth",
			Help: "Number of launched tasks waiting for a worker",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrpc_workers_active",
			Help: "Number of currently active workers",
		},
	)
)

func RecordTaskLaunched(action string) {
	TasksLaunched.WithLabelValues(action).Inc()
}

func RecordTaskBlocked(action string) {
	TasksBlocked.WithLabelValues(action).Inc()
}

func RecordTaskFinished(action string, state task.State, duration time.Duration) {
	TasksFinished.WithLabelValues(action, state.String()).Inc()
	TaskDuration.WithLabelValues(action, state.String()).Observe(duration.Seconds())
}

func RecordProcedureCall(procedure, outcome string) {
	ProcedureCalls.WithLabelValues(procedure, outcome).Inc()
}

func RecordClientCall(procedure, outcome string, duration time.Duration) {
	ClientCalls.WithLabelValues(procedure, outcome).Inc()
	ClientCallDuration.WithLabelValues(procedure).Observe(duration.Seconds())
}

func RecordPollTick(action string, state task.State) {
	PollTicks.WithLabelValues(action, state.String()).Inc()
}

func UpdateActivePolls(count int) {
	ActivePolls.Set(float64(count))
}

func UpdateStreamSubscribers(delta int) {
	StreamSubscribers.Add(float64(delta))
}

func UpdateTaskGauges(tasksByState map[task.State]int) {
	TasksInStore.Reset()
	for state, count := range tasksByState {
		TasksInStore.WithLabelValues(state.String()).Set(float64(count))
	}
}

func UpdateQueueDepth(depth int64) {
	QueueDepth.Set(float64(depth))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
