package main

import (
	"context"
	"log"
	"time"

	"github.com/nadmax/taskrpc/internal/metrics"
	"github.com/nadmax/taskrpc/internal/queue"
	"github.com/nadmax/taskrpc/internal/task"
)

func startMetricsCollector(ctx context.Context, q *queue.Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateQueueMetrics(ctx, q)
		}
	}
}

func updateQueueMetrics(ctx context.Context, q *queue.Queue) {
	records, err := q.GetAllTasks(ctx)
	if err != nil {
		log.Printf("Failed to get tasks for metrics: %v", err)
		return
	}

	tasksByState := make(map[task.State]int)
	workers := make(map[string]struct{})
	for _, rec := range records {
		tasksByState[rec.State]++
		if rec.State == task.StateStarted && rec.WorkerID != "" {
			workers[rec.WorkerID] = struct{}{}
		}
	}

	metrics.UpdateTaskGauges(tasksByState)
	metrics.UpdateActiveWorkers(len(workers))

	depth, err := q.QueueDepth(ctx)
	if err == nil {
		metrics.UpdateQueueDepth(depth)
	}
}
