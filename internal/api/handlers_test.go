package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/taskrpc/internal/project"
	"github.com/nadmax/taskrpc/internal/queue"
	"github.com/nadmax/taskrpc/internal/rpc"
	"github.com/nadmax/taskrpc/internal/task"
	"github.com/nadmax/taskrpc/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestAPI(t *testing.T, opts ...Option) (*API, *queue.Queue) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := queue.NewQueue(mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	projects, err := project.NewStore(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = projects.Close() })

	opts = append([]Option{WithProjects(projects)}, opts...)
	return NewAPI(q, opts...), q
}

func call(t *testing.T, api *API, name string, args ...any) *httptest.ResponseRecorder {
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(map[string]any{"name": name, "args": args})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, rpc.CallPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) task.Status {
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var st task.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	return st
}

func projectFile(t *testing.T, name string) []byte {
	var buf bytes.Buffer
	require.NoError(t, project.Encode(&buf, &project.Document{Name: name, Data: json.RawMessage(`{"years":[2020,2030]}`)}))
	return buf.Bytes()
}

func TestCheckTask_NotStarted(t *testing.T) {
	api, _ := setupTestAPI(t)

	st := decodeStatus(t, call(t, api, tasks.ProcCheckTask, task.AutofitID("p1", "ps1")))
	assert.Equal(t, task.StateNotStarted, st.State)
}

func TestLaunchTask(t *testing.T) {
	api, q := setupTestAPI(t)
	id := task.AutofitID("p1", "ps1")

	st := decodeStatus(t, call(t, api, tasks.ProcLaunchTask, id, task.ActionAutofit, map[string]any{"max_time": 5}))
	assert.Equal(t, task.StateStarted, st.State)
	assert.NotZero(t, st.StartTime)

	rec, err := q.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"max_time":5}`, string(rec.Args))

	st = decodeStatus(t, call(t, api, tasks.ProcLaunchTask, id, task.ActionAutofit, nil))
	assert.Equal(t, task.StateBlocked, st.State)
}

func TestLaunchTask_Validation(t *testing.T) {
	api, _ := setupTestAPI(t, WithActions(task.ActionAutofit))

	tests := []struct {
		name   string
		args   []any
		status int
	}{
		{name: "missing action", args: []any{task.AutofitID("p1", "ps1")}, status: http.StatusBadRequest},
		{name: "action mismatch", args: []any{task.AutofitID("p1", "ps1"), task.ActionBOC}, status: http.StatusBadRequest},
		{name: "unknown action", args: []any{task.BOCID("pf1", "p1"), task.ActionBOC}, status: http.StatusBadRequest},
		{name: "empty id", args: []any{"", task.ActionAutofit}, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(t, api, tasks.ProcLaunchTask, tt.args...)
			assert.Equal(t, tt.status, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCancelAndDeleteTask(t *testing.T) {
	api, _ := setupTestAPI(t)
	id := task.OptimizeID("p1", "o1")

	decodeStatus(t, call(t, api, tasks.ProcLaunchTask, id, task.ActionOptimize, nil))

	w := call(t, api, tasks.ProcDeleteTask, id)
	assert.Equal(t, http.StatusConflict, w.Code, "running task cannot be deleted")

	w = call(t, api, tasks.ProcCancelTask, id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	st := decodeStatus(t, call(t, api, tasks.ProcCheckTask, id))
	assert.Equal(t, task.StateCancelled, st.State)

	w = call(t, api, tasks.ProcDeleteTask, id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = call(t, api, tasks.ProcDeleteTask, id)
	assert.JSONEq(t, `{"ok":false}`, w.Body.String())

	st = decodeStatus(t, call(t, api, tasks.ProcCheckTask, id))
	assert.Equal(t, task.StateNotStarted, st.State)
}

func TestListActions(t *testing.T) {
	api, _ := setupTestAPI(t, WithActions(task.ActionReconcile, task.ActionAutofit))

	w := call(t, api, tasks.ProcListActions)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["autofit","reconcile"]`, w.Body.String())
}

func TestCall_Errors(t *testing.T) {
	api, _ := setupTestAPI(t)

	t.Run("unknown procedure", func(t *testing.T) {
		w := call(t, api, "no_such_thing")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, rpc.CallPath, bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		api.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing name", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, rpc.CallPath, bytes.NewBufferString(`{"args":[]}`))
		w := httptest.NewRecorder()
		api.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, rpc.CallPath, nil)
		w := httptest.NewRecorder()
		api.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("procedure failure", func(t *testing.T) {
		api.Procedures().Register("explode", func(context.Context, *Call) (any, error) {
			return nil, errors.New("boom")
		})
		w := call(t, api, "explode")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"error":"boom"}`, w.Body.String())
	})
}

func TestCall_Kwargs(t *testing.T) {
	api, _ := setupTestAPI(t)

	var verbose bool
	var present bool
	api.Procedures().Register("echo", func(_ context.Context, c *Call) (any, error) {
		var err error
		present, err = c.Kwarg("verbose", &verbose)
		return map[string]bool{"verbose": verbose}, err
	})

	body := `{"name":"echo","args":[],"kwargs":{"verbose":true}}`
	req := httptest.NewRequest(http.MethodPost, rpc.CallPath, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, present)
	assert.True(t, verbose)
}

func TestStringArg_AcceptsNumbers(t *testing.T) {
	c := &Call{Name: "get_project", Args: []json.RawMessage{json.RawMessage(`42`)}}

	s, err := c.StringArg(0)
	require.NoError(t, err)
	assert.Equal(t, "42", s)

	_, err = c.StringArg(1)
	var pe *ProcedureError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Code)
}

func TestRegistry_Names(t *testing.T) {
	api, _ := setupTestAPI(t)

	assert.Equal(t, []string{
		"cancel_task", "check_task", "delete_project", "delete_task", "download_project",
		"get_project", "launch_task", "list_actions", "list_projects", "upload_project",
	}, api.Procedures().Names())
}

func uploadRequest(t *testing.T, name, filename string, data []byte) *http.Request {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField(rpc.FieldName, name))
	require.NoError(t, mw.WriteField(rpc.FieldArgs, "[]"))
	fw, err := mw.CreateFormFile(rpc.FieldFile, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, rpc.UploadPath, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadProject(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := httptest.NewRecorder()
	api.ServeHTTP(w, uploadRequest(t, ProcUploadProject, "malawi.prj", projectFile(t, "Malawi")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created["project_id"])

	w = httptest.NewRecorder()
	api.ServeHTTP(w, uploadRequest(t, ProcUploadProject, "again.prj", projectFile(t, "Malawi")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rpc.AddObjectError, rpc.PayloadError(w.Body.Bytes()))

	w = httptest.NewRecorder()
	api.ServeHTTP(w, uploadRequest(t, ProcUploadProject, "broken.prj", []byte("not gzip")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rpc.BadFileFormatError, rpc.PayloadError(w.Body.Bytes()))
}

func TestUpload_MissingFile(t *testing.T) {
	api, _ := setupTestAPI(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField(rpc.FieldName, ProcUploadProject))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, rpc.UploadPath, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadProject(t *testing.T) {
	api, _ := setupTestAPI(t)
	blob := projectFile(t, "Kenya")

	w := httptest.NewRecorder()
	api.ServeHTTP(w, uploadRequest(t, ProcUploadProject, "kenya.prj", blob))
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	body, err := json.Marshal(map[string]any{"name": ProcDownloadProject, "args": []any{created["project_id"]}})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, rpc.DownloadPath, bytes.NewReader(body))
	w = httptest.NewRecorder()
	api.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename=Kenya.prj`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, blob, w.Body.Bytes())

	body, err = json.Marshal(map[string]any{"name": ProcDownloadProject, "args": []any{"missing"}})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, rpc.DownloadPath, bytes.NewReader(body))
	w = httptest.NewRecorder()
	api.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAndListTasks(t *testing.T) {
	api, q := setupTestAPI(t)
	id := task.ReconcileID("p1", "pg1", "ps1", 2030)

	_, err := q.Launch(context.Background(), id, task.ActionReconcile, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var records []task.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/"+id.String(), nil)
	w = httptest.NewRecorder()
	api.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/missing:1", nil)
	w = httptest.NewRecorder()
	api.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream_RequiresTaskID(t *testing.T) {
	api, _ := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, rpc.StreamPath, nil)
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func setupTestServer(t *testing.T) (*rpc.Client, *queue.Queue) {
	api, q := setupTestAPI(t)

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	return rpc.NewClient(srv.URL), q
}

func TestClientRoundTrip(t *testing.T) {
	client, _ := setupTestServer(t)
	ctx := context.Background()
	id := task.GAOptimizeID("pf1")

	st, err := rpc.Send(ctx, client, tasks.LaunchTask(id, task.ActionGAOptimize, map[string]any{"max_time": 60}))
	require.NoError(t, err)
	assert.Equal(t, task.StateStarted, st.State)

	st, err = rpc.Send(ctx, client, tasks.LaunchTask(id, task.ActionGAOptimize, nil))
	require.NoError(t, err)
	assert.Equal(t, task.StateBlocked, st.State)

	ack, err := rpc.Send(ctx, client, tasks.CancelTask(id))
	require.NoError(t, err)
	assert.True(t, ack.OK)

	st, err = rpc.Send(ctx, client, tasks.CheckTask(id))
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, st.State)
}

func TestClientUploadDownload(t *testing.T) {
	client, _ := setupTestServer(t)
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "upload.prj")
	blob := projectFile(t, "Zambia")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	payload, err := client.Upload(ctx, ProcUploadProject, nil, nil, path, rpc.ParseFileFilter(project.Extension))
	require.NoError(t, err)
	assert.Empty(t, rpc.PayloadError(payload))

	var created map[string]string
	require.NoError(t, json.Unmarshal(payload, &created))

	saved, err := client.Download(ctx, ProcDownloadProject, []any{created["project_id"]}, t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "Zambia.prj", filepath.Base(saved))

	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, blob, data)

	payload, err = client.Upload(ctx, ProcUploadProject, nil, nil, path, nil)
	require.NoError(t, err, "duplicate is a payload error, not a transport error")
	assert.Equal(t, rpc.AddObjectError, rpc.PayloadError(payload))
}

func TestClientWatchStatus(t *testing.T) {
	client, q := setupTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := task.BOCID("pf1", "p1")
	_, err := q.Launch(ctx, id, task.ActionBOC, nil)
	require.NoError(t, err)

	updates, err := client.WatchStatus(ctx, id)
	require.NoError(t, err)

	first := <-updates
	require.NotNil(t, first)
	assert.Equal(t, task.StateStarted, first.State)

	ok, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	var last *task.Status
	for st := range updates {
		last = st
	}

	require.NotNil(t, last)
	assert.Equal(t, task.StateCancelled, last.State)
}
