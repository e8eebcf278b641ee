package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nadmax/taskrpc/internal/task"
	"github.com/nadmax/taskrpc/internal/worker"
)

const defaultMaxTime = 10

type iterateArgs struct {
	MaxTime int `json:"max_time"`
}

type IterateResult struct {
	Iterations int    `json:"iterations"`
	Elapsed    string `json:"elapsed"`
}

// Iterate stands in for a numerical action: it runs one step per interval
// until the task's max_time (seconds) is used up, reporting progress after
// each step. The algorithms themselves live outside this service.
func Iterate(interval time.Duration) worker.ActionHandler {
	return func(ctx context.Context, rec *task.Record, progress worker.ProgressFunc) (json.RawMessage, error) {
		args := iterateArgs{MaxTime: defaultMaxTime}
		if len(rec.Args) > 0 {
			if err := json.Unmarshal(rec.Args, &args); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
		}
		if args.MaxTime <= 0 {
			args.MaxTime = defaultMaxTime
		}

		steps := int(time.Duration(args.MaxTime) * time.Second / interval)
		if steps < 1 {
			steps = 1
		}

		log.Printf("[Task %s] Running %s for %d steps", rec.ID, rec.Action, steps)

		start := time.Now()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				log.Printf("[Task %s] Stopped at step %d", rec.ID, i)
				return nil, ctx.Err()
			case <-ticker.C:
			}

			progress(fmt.Sprintf("step %d of %d", i, steps))
		}

		return json.Marshal(IterateResult{
			Iterations: steps,
			Elapsed:    time.Since(start).Round(time.Millisecond).String(),
		})
	}
}
