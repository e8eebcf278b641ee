// Package dashboard implements the monitoring endpoints: live task counts from
// the queue and run history from the repository.
package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/taskrpc/internal/httputil"
	"github.com/nadmax/taskrpc/internal/queue"
	"github.com/nadmax/taskrpc/internal/repository"
	"github.com/nadmax/taskrpc/internal/repository/models"
	"github.com/nadmax/taskrpc/internal/task"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	defaultStatsHours   = 24
)

type Dashboard struct {
	queue *queue.Queue
	repo  repository.TaskRepository
}

type Stats struct {
	TotalTasks     int            `json:"total_tasks"`
	RunningTasks   int            `json:"running_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	FailedTasks    int            `json:"failed_tasks"`
	CancelledTasks int            `json:"cancelled_tasks"`
	QueuedTasks    int64          `json:"queued_tasks"`
	ActiveWorkers  int            `json:"active_workers"`
	TasksByAction  map[string]int `json:"tasks_by_action"`
	AverageRunTime string         `json:"average_run_time"`
	LastUpdated    time.Time      `json:"last_updated"`
}

type TaskHistory struct {
	TaskID      task.ID    `json:"task_id"`
	Action      string     `json:"action"`
	State       task.State `json:"state"`
	WorkerID    string     `json:"worker_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Duration    string     `json:"duration"`
}

// NewDashboard builds the dashboard handlers. repo may be nil; the history
// endpoints then answer 503.
func NewDashboard(q *queue.Queue, repo repository.TaskRepository) *Dashboard {
	return &Dashboard{queue: q, repo: repo}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	records, err := d.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalTasks:    len(records),
		TasksByAction: make(map[string]int),
		LastUpdated:   time.Now(),
	}

	if depth, err := d.queue.QueueDepth(r.Context()); err == nil {
		stats.QueuedTasks = depth
	}

	workers := make(map[string]struct{})
	var totalRunTime time.Duration
	runCount := 0

	for _, rec := range records {
		switch rec.State {
		case task.StateStarted:
			stats.RunningTasks++
			if rec.WorkerID != "" {
				workers[rec.WorkerID] = struct{}{}
			}
		case task.StateCompleted:
			stats.CompletedTasks++
		case task.StateError:
			stats.FailedTasks++
		case task.StateCancelled:
			stats.CancelledTasks++
		}

		stats.TasksByAction[rec.Action]++

		if d := rec.Duration(); d > 0 {
			totalRunTime += d
			runCount++
		}
	}

	stats.ActiveWorkers = len(workers)

	if runCount > 0 {
		avg := totalRunTime / time.Duration(runCount)
		stats.AverageRunTime = avg.Round(time.Millisecond).String()
	} else {
		stats.AverageRunTime = "N/A"
	}

	writeJSON(w, stats)
}

// GetRecentTasks lists tasks that finished within the last 24 hours.
func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	records, err := d.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	history := []TaskHistory{}

	for _, rec := range records {
		if rec.CompletedAt == nil || rec.CompletedAt.Before(cutoff) {
			continue
		}

		var duration string
		if rec.StartedAt != nil {
			duration = rec.Duration().Round(time.Millisecond).String()
		}

		history = append(history, TaskHistory{
			TaskID:      rec.ID,
			Action:      rec.Action,
			State:       rec.State,
			WorkerID:    rec.WorkerID,
			CreatedAt:   rec.CreatedAt,
			CompletedAt: rec.CompletedAt,
			Duration:    duration,
		})
	}

	writeJSON(w, history)
}

func (d *Dashboard) GetRecentRuns(w http.ResponseWriter, r *http.Request) {
	if !d.historyRequest(w, r) {
		return
	}

	limit, err := intParam(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := d.repo.GetRecentRuns(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, nonNil(runs))
}

func (d *Dashboard) GetActionStats(w http.ResponseWriter, r *http.Request) {
	if !d.historyRequest(w, r) {
		return
	}

	hours, err := intParam(r, "hours", defaultStatsHours, 24*365)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := d.repo.GetActionStats(r.Context(), hours)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []models.ActionStats{}
	}

	writeJSON(w, stats)
}

// GetTaskRuns lists the runs of one task id, newest first.
func (d *Dashboard) GetTaskRuns(w http.ResponseWriter, r *http.Request) {
	if !d.historyRequest(w, r) {
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/history/task/")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	limit, err := intParam(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := d.repo.GetRunsByTask(r.Context(), taskID, limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, nonNil(runs))
}

func (d *Dashboard) historyRequest(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if d.repo == nil {
		httputil.WriteJSONError(w, "Run history is not available", http.StatusServiceUnavailable)
		return false
	}

	return true
}

func intParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid " + name + " parameter")
	}

	return min(n, max), nil
}

func nonNil(runs []models.TaskRun) []models.TaskRun {
	if runs == nil {
		return []models.TaskRun{}
	}

	return runs
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		httputil.WriteJSONError(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}
