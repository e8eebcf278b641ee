package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/taskrpc/internal/repository/models"
	"github.com/nadmax/taskrpc/internal/task"
)

// MockPostgresRepository is an in-memory TaskRepository for tests of the
// layers above the database.
type MockPostgresRepository struct {
	mu                sync.Mutex
	SaveRunCalls      []string
	AssignWorkerCalls []AssignWorkerCall
	FinishRunCalls    []FinishRunCall
	Runs              map[string]*models.TaskRun
	SaveRunError      error
	AssignWorkerError error
	FinishRunError    error
	GetRunError       error
	GetRunsError      error
	GetStatsError     error
}

type AssignWorkerCall struct {
	RunID    string
	WorkerID string
}

type FinishRunCall struct {
	RunID  string
	Status task.State
	Error  string
}

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Runs: make(map[string]*models.TaskRun),
	}
}

func (m *MockPostgresRepository) SaveRun(_ context.Context, rec *task.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveRunCalls = append(m.SaveRunCalls, rec.RunID)
	if m.SaveRunError != nil {
		return m.SaveRunError
	}

	if _, exists := m.Runs[rec.RunID]; exists {
		return nil
	}

	m.Runs[rec.RunID] = &models.TaskRun{
		RunID:     rec.RunID,
		TaskID:    string(rec.ID),
		Action:    rec.Action,
		Status:    string(rec.State),
		CreatedAt: rec.CreatedAt,
		StartedAt: rec.StartedAt,
	}

	return nil
}

func (m *MockPostgresRepository) AssignWorker(_ context.Context, runID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AssignWorkerCalls = append(m.AssignWorkerCalls, AssignWorkerCall{RunID: runID, WorkerID: workerID})
	if m.AssignWorkerError != nil {
		return m.AssignWorkerError
	}

	if run, ok := m.Runs[runID]; ok {
		run.WorkerID = workerID
	}

	return nil
}

func (m *MockPostgresRepository) FinishRun(_ context.Context, rec *task.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FinishRunCalls = append(m.FinishRunCalls, FinishRunCall{RunID: rec.RunID, Status: rec.State, Error: rec.Error})
	if m.FinishRunError != nil {
		return m.FinishRunError
	}

	if run, ok := m.Runs[rec.RunID]; ok {
		run.Status = string(rec.State)
		run.CompletedAt = rec.CompletedAt
		run.ErrorMessage = rec.Error
		durationMs := rec.Duration().Milliseconds()
		run.DurationMs = &durationMs
	}

	return nil
}

func (m *MockPostgresRepository) GetRun(_ context.Context, runID string) (*models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRunError != nil {
		return nil, m.GetRunError
	}

	run, ok := m.Runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}

	cp := *run
	return &cp, nil
}

func (m *MockPostgresRepository) GetRunsByTask(_ context.Context, taskID string, limit int) ([]models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRunsError != nil {
		return nil, m.GetRunsError
	}

	return m.sortedRuns(func(run *models.TaskRun) bool { return run.TaskID == taskID }, limit), nil
}

func (m *MockPostgresRepository) GetRecentRuns(_ context.Context, limit int) ([]models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRunsError != nil {
		return nil, m.GetRunsError
	}

	return m.sortedRuns(func(*models.TaskRun) bool { return true }, limit), nil
}

func (m *MockPostgresRepository) GetActionStats(_ context.Context, hours int) ([]models.ActionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetStatsError != nil {
		return nil, m.GetStatsError
	}

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	type key struct{ action, status string }
	grouped := make(map[key]*models.ActionStats)
	totals := make(map[key]int64)

	for _, run := range m.Runs {
		if run.CreatedAt.Before(cutoff) {
			continue
		}

		k := key{run.Action, run.Status}
		s, ok := grouped[k]
		if !ok {
			s = &models.ActionStats{Action: run.Action, Status: run.Status}
			grouped[k] = s
		}
		s.Count++

		if run.DurationMs != nil {
			d := *run.DurationMs
			totals[k] += d
			if s.MaxDurationMs < d {
				s.MaxDurationMs = d
			}
			if s.MinDurationMs == 0 || d < s.MinDurationMs {
				s.MinDurationMs = d
			}
		}
	}

	stats := make([]models.ActionStats, 0, len(grouped))
	for k, s := range grouped {
		s.AvgDurationMs = float64(totals[k]) / float64(s.Count)
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Action != stats[j].Action {
			return stats[i].Action < stats[j].Action
		}
		return stats[i].Status < stats[j].Status
	})

	return stats, nil
}

func (m *MockPostgresRepository) Close() error {
	return nil
}

func (m *MockPostgresRepository) sortedRuns(keep func(*models.TaskRun) bool, limit int) []models.TaskRun {
	runs := make([]models.TaskRun, 0, len(m.Runs))
	for _, run := range m.Runs {
		if keep(run) {
			runs = append(runs, *run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	return runs
}

// Calls returns how many times each write method was called.
func (m *MockPostgresRepository) Calls() (saves, assigns, finishes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveRunCalls), len(m.AssignWorkerCalls), len(m.FinishRunCalls)
}

func (m *MockPostgresRepository) Finished() []FinishRunCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]FinishRunCall(nil), m.FinishRunCalls...)
}
