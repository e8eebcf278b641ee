package repository

import (
	"context"

	"github.com/nadmax/taskrpc/internal/repository/models"
	"github.com/nadmax/taskrpc/internal/task"
)

// TaskRepository keeps one row per launch of a task id. Redis only holds the
// latest run; this is where earlier ones survive.
type TaskRepository interface {
	SaveRun(ctx context.Context, rec *task.Record) error
	AssignWorker(ctx context.Context, runID, workerID string) error
	FinishRun(ctx context.Context, rec *task.Record) error
	GetRun(ctx context.Context, runID string) (*models.TaskRun, error)
	GetRunsByTask(ctx context.Context, taskID string, limit int) ([]models.TaskRun, error)
	GetRecentRuns(ctx context.Context, limit int) ([]models.TaskRun, error)
	GetActionStats(ctx context.Context, hours int) ([]models.ActionStats, error)
	Close() error
}
