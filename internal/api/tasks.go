package api

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/nadmax/taskrpc/internal/queue"
	"github.com/nadmax/taskrpc/internal/task"
	"github.com/nadmax/taskrpc/internal/tasks"
)

func (a *API) registerTaskProcedures() {
	a.procs.Register(tasks.ProcCheckTask, a.checkTask)
	a.procs.Register(tasks.ProcLaunchTask, a.launchTask)
	a.procs.Register(tasks.ProcCancelTask, a.cancelTask)
	a.procs.Register(tasks.ProcDeleteTask, a.deleteTask)
	a.procs.Register(tasks.ProcListActions, a.listActions)
}

func taskIDArg(call *Call) (task.ID, error) {
	s, err := call.StringArg(0)
	if err != nil {
		return "", err
	}

	return task.ID(s), nil
}

func (a *API) checkTask(ctx context.Context, call *Call) (any, error) {
	id, err := taskIDArg(call)
	if err != nil {
		return nil, err
	}

	return a.queue.Status(ctx, id)
}

// launchTask takes (task_id, action, args). The action must match the one
// encoded in the task id.
func (a *API) launchTask(ctx context.Context, call *Call) (any, error) {
	id, err := taskIDArg(call)
	if err != nil {
		return nil, err
	}

	action, err := call.StringArg(1)
	if err != nil {
		return nil, err
	}

	if id.Action() != action {
		return nil, BadRequest("task id %s does not belong to action %s", id, action)
	}
	if len(a.actions) > 0 && !slices.Contains(a.actions, action) {
		return nil, BadRequest("unknown action: %s", action)
	}

	var args json.RawMessage
	if len(call.Args) > 2 && string(call.Args[2]) != "null" {
		args = call.Args[2]
	}

	return a.queue.Launch(ctx, id, action, args)
}

func (a *API) cancelTask(ctx context.Context, call *Call) (any, error) {
	id, err := taskIDArg(call)
	if err != nil {
		return nil, err
	}

	ok, err := a.queue.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}

	return tasks.Ack{OK: ok}, nil
}

func (a *API) deleteTask(ctx context.Context, call *Call) (any, error) {
	id, err := taskIDArg(call)
	if err != nil {
		return nil, err
	}

	err = a.queue.Delete(ctx, id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return tasks.Ack{OK: false}, nil
	case errors.Is(err, queue.ErrRunning):
		return nil, Conflict("task %s is still running", id)
	case err != nil:
		return nil, err
	}

	return tasks.Ack{OK: true}, nil
}

func (a *API) listActions(context.Context, *Call) (any, error) {
	actions := slices.Clone(a.actions)
	if actions == nil {
		actions = []string{}
	}
	slices.Sort(actions)

	return actions, nil
}
