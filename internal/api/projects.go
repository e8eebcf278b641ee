package api

import (
	"context"
	"errors"

	"github.com/nadmax/taskrpc/internal/project"
	"github.com/nadmax/taskrpc/internal/rpc"
	"github.com/nadmax/taskrpc/internal/tasks"
)

const (
	ProcUploadProject   = "upload_project"
	ProcDownloadProject = "download_project"
	ProcGetProject      = "get_project"
	ProcListProjects    = "list_projects"
	ProcDeleteProject   = "delete_project"
)

func (a *API) registerProjectProcedures() {
	a.procs.Register(ProcUploadProject, a.uploadProject)
	a.procs.Register(ProcGetProject, a.getProject)
	a.procs.Register(ProcListProjects, a.listProjects)
	a.procs.Register(ProcDeleteProject, a.deleteProject)
	a.procs.RegisterDownload(ProcDownloadProject, a.downloadProject)
}

// uploadProject reports rejected files through the payload sentinels rather
// than an HTTP error, so callers can tell a bad file from a failed call.
func (a *API) uploadProject(ctx context.Context, call *Call) (any, error) {
	if call.File == nil {
		return nil, BadRequest("%s: a file is required", call.Name)
	}

	p, err := a.projects.Add(ctx, call.File.Name, call.File.Data)
	switch {
	case errors.Is(err, project.ErrBadFormat):
		return map[string]string{"error": rpc.BadFileFormatError}, nil
	case errors.Is(err, project.ErrDuplicate):
		return map[string]string{"error": rpc.AddObjectError}, nil
	case err != nil:
		return nil, err
	}

	return map[string]string{"project_id": p.ID}, nil
}

func (a *API) getProject(ctx context.Context, call *Call) (any, error) {
	id, err := call.StringArg(0)
	if err != nil {
		return nil, err
	}

	p, err := a.projects.Get(ctx, id)
	if errors.Is(err, project.ErrNotFound) {
		return nil, NotFound("project %s not found", id)
	}

	return p, err
}

func (a *API) listProjects(ctx context.Context, _ *Call) (any, error) {
	return a.projects.List(ctx)
}

func (a *API) deleteProject(ctx context.Context, call *Call) (any, error) {
	id, err := call.StringArg(0)
	if err != nil {
		return nil, err
	}

	err = a.projects.Delete(ctx, id)
	if errors.Is(err, project.ErrNotFound) {
		return tasks.Ack{OK: false}, nil
	}
	if err != nil {
		return nil, err
	}

	return tasks.Ack{OK: true}, nil
}

func (a *API) downloadProject(ctx context.Context, call *Call) (*File, error) {
	id, err := call.StringArg(0)
	if err != nil {
		return nil, err
	}

	p, blob, err := a.projects.Blob(ctx, id)
	if errors.Is(err, project.ErrNotFound) {
		return nil, NotFound("project %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	return &File{
		Name:        p.DownloadName(),
		ContentType: "application/octet-stream",
		Data:        blob,
	}, nil
}
