// Package tasks is the client-facing side of background work: typed
// descriptors for the task procedures and actions, and a Service that ties the
// transport and the poller together for check-or-launch, resume and cancel.
package tasks

import (
	"github.com/nadmax/taskrpc/internal/rpc"
	"github.com/nadmax/taskrpc/internal/task"
)

const (
	ProcCheckTask   = "check_task"
	ProcLaunchTask  = "launch_task"
	ProcCancelTask  = "cancel_task"
	ProcDeleteTask  = "delete_task"
	ProcListActions = "list_actions"
)

type Ack struct {
	OK bool `json:"ok"`
}

func CheckTask(id task.ID) rpc.Procedure[task.Status] {
	return rpc.Procedure[task.Status]{Name: ProcCheckTask, Args: []any{id}}
}

func LaunchTask(id task.ID, action string, args any) rpc.Procedure[task.Status] {
	return rpc.Procedure[task.Status]{Name: ProcLaunchTask, Args: []any{id, action, args}}
}

func CancelTask(id task.ID) rpc.Procedure[Ack] {
	return rpc.Procedure[Ack]{Name: ProcCancelTask, Args: []any{id}}
}

func DeleteTask(id task.ID) rpc.Procedure[Ack] {
	return rpc.Procedure[Ack]{Name: ProcDeleteTask, Args: []any{id}}
}

func ListActions() rpc.Procedure[[]string] {
	return rpc.Procedure[[]string]{Name: ProcListActions}
}
