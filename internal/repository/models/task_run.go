// Package models contains data structures used by the task repository layer.
package models

import "time"

type TaskRun struct {
	RunID        string     `json:"run_id"`
	TaskID       string     `json:"task_id"`
	Action       string     `json:"action"`
	Status       string     `json:"status"`
	WorkerID     string     `json:"worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type ActionStats struct {
	Action        string  `json:"action"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int64   `json:"max_duration_ms"`
	MinDurationMs int64   `json:"min_duration_ms"`
}
