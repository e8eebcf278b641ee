// Package api serves the named-procedure endpoint, its upload and download
// variants, the task status push stream and the dashboard.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/nadmax/taskrpc/internal/dashboard"
	"github.com/nadmax/taskrpc/internal/httputil"
	"github.com/nadmax/taskrpc/internal/metrics"
	"github.com/nadmax/taskrpc/internal/project"
	"github.com/nadmax/taskrpc/internal/queue"
	"github.com/nadmax/taskrpc/internal/repository"
	"github.com/nadmax/taskrpc/internal/rpc"
	"github.com/nadmax/taskrpc/internal/task"
)

const (
	maxRequestBody       = 1 << 20
	defaultMaxUploadSize = 32 << 20
)

type API struct {
	queue     *queue.Queue
	projects  *project.Store
	repo      repository.TaskRepository
	actions   []string
	procs     *Registry
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	maxUpload int64
}

type Option func(*API)

func WithProjects(s *project.Store) Option {
	return func(a *API) { a.projects = s }
}

func WithRepository(repo repository.TaskRepository) Option {
	return func(a *API) { a.repo = repo }
}

// WithActions restricts launch_task to the given action names. Without it
// any action is accepted.
func WithActions(actions ...string) Option {
	return func(a *API) { a.actions = append([]string(nil), actions...) }
}

func WithMaxUploadSize(n int64) Option {
	return func(a *API) { a.maxUpload = n }
}

func NewAPI(q *queue.Queue, opts ...Option) *API {
	api := &API{
		queue:     q,
		procs:     NewRegistry(),
		mux:       http.NewServeMux(),
		maxUpload: defaultMaxUploadSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	for _, opt := range opts {
		opt(api)
	}

	api.registerTaskProcedures()
	if api.projects != nil {
		api.registerProjectProcedures()
	}

	api.setupRoutes()
	return api
}

// Procedures exposes the registry so callers can add their own procedures.
func (a *API) Procedures() *Registry {
	return a.procs
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc(rpc.CallPath, a.handleCall)
	a.mux.HandleFunc(rpc.UploadPath, a.handleUpload)
	a.mux.HandleFunc(rpc.DownloadPath, a.handleDownload)
	a.mux.HandleFunc(rpc.StreamPath, a.handleStream)
	a.mux.HandleFunc("/api/tasks", a.listTasks)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)

	dash := dashboard.NewDashboard(a.queue, a.repo)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("/api/dashboard/history", dash.GetRecentTasks)
	a.mux.HandleFunc("/api/history/recent", dash.GetRecentRuns)
	a.mux.HandleFunc("/api/history/stats", dash.GetActionStats)
	a.mux.HandleFunc("/api/history/task/", dash.GetTaskRuns)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleCall(w http.ResponseWriter, r *http.Request) {
	call, ok := a.readCall(w, r)
	if !ok {
		return
	}

	a.dispatch(w, r, call)
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if err := r.ParseMultipartForm(a.maxUpload); err != nil {
		httputil.WriteJSONError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	call := &Call{Name: r.FormValue(rpc.FieldName)}
	if call.Name == "" {
		httputil.WriteJSONError(w, "Procedure name is required", http.StatusBadRequest)
		return
	}

	if raw := r.FormValue(rpc.FieldArgs); raw != "" {
		if err := json.Unmarshal([]byte(raw), &call.Args); err != nil {
			httputil.WriteJSONError(w, "Invalid args", http.StatusBadRequest)
			return
		}
	}
	if raw := r.FormValue(rpc.FieldKwargs); raw != "" {
		if err := json.Unmarshal([]byte(raw), &call.Kwargs); err != nil {
			httputil.WriteJSONError(w, "Invalid kwargs", http.StatusBadRequest)
			return
		}
	}

	file, header, err := r.FormFile(rpc.FieldFile)
	if err != nil {
		httputil.WriteJSONError(w, "File is required", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("failed to close uploaded file: %v", err)
		}
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read uploaded file", http.StatusBadRequest)
		return
	}

	call.File = &File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}

	a.dispatch(w, r, call)
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	call, ok := a.readCall(w, r)
	if !ok {
		return
	}

	h, exists := a.procs.download(call.Name)
	if !exists {
		metrics.RecordProcedureCall(call.Name, "unknown")
		httputil.WriteJSONError(w, "Unknown procedure: "+call.Name, http.StatusNotFound)
		return
	}

	f, err := h(r.Context(), call)
	if err != nil {
		metrics.RecordProcedureCall(call.Name, "error")
		log.Printf("Procedure %s failed: %v", call.Name, err)
		httputil.WriteJSONError(w, err.Error(), statusFor(err))
		return
	}
	metrics.RecordProcedureCall(call.Name, "ok")

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	if f.Name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(f.Data); err != nil {
		log.Printf("failed to write download body: %v", err)
	}
}

func (a *API) readCall(w http.ResponseWriter, r *http.Request) (*Call, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return nil, false
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req rpc.IncomingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return nil, false
	}

	if req.Name == "" {
		httputil.WriteJSONError(w, "Procedure name is required", http.StatusBadRequest)
		return nil, false
	}

	return &Call{Name: req.Name, Args: req.Args, Kwargs: req.Kwargs}, true
}

func (a *API) dispatch(w http.ResponseWriter, r *http.Request, call *Call) {
	h, exists := a.procs.call(call.Name)
	if !exists {
		metrics.RecordProcedureCall(call.Name, "unknown")
		httputil.WriteJSONError(w, "Unknown procedure: "+call.Name, http.StatusNotFound)
		return
	}

	result, err := h(r.Context(), call)
	if err != nil {
		metrics.RecordProcedureCall(call.Name, "error")
		log.Printf("Procedure %s failed: %v", call.Name, err)
		httputil.WriteJSONError(w, err.Error(), statusFor(err))
		return
	}

	metrics.RecordProcedureCall(call.Name, "ok")
	writeJSON(w, http.StatusOK, result)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := a.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	rec, err := a.queue.GetTask(r.Context(), task.ID(taskID))
	if errors.Is(err, queue.ErrNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
