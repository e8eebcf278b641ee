package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/taskrpc/internal/api"
	"github.com/nadmax/taskrpc/internal/poller"
	"github.com/nadmax/taskrpc/internal/project"
	"github.com/nadmax/taskrpc/internal/queue"
	"github.com/nadmax/taskrpc/internal/task"
	"github.com/nadmax/taskrpc/internal/worker"
	"github.com/nadmax/taskrpc/internal/worker/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) (string, *queue.Queue) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := queue.NewQueue(mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	projects, err := project.NewStore(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = projects.Close() })

	srv := httptest.NewServer(api.NewAPI(q,
		api.WithProjects(projects),
		api.WithActions(task.ActionAutofit, task.ActionBOC),
	))
	t.Cleanup(srv.Close)

	return srv.URL, q
}

func runCommand(t *testing.T, url string, args ...string) (string, error) {
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, append([]string{"-url", url, "-interval", "50ms"}, args...), &out)
	return out.String(), err
}

func TestActions(t *testing.T) {
	url, _ := setupTestServer(t)

	out, err := runCommand(t, url, "actions")
	require.NoError(t, err)
	assert.Equal(t, "autofit\nboc\n", out)
}

func TestLaunchCheckCancelDelete(t *testing.T) {
	url, _ := setupTestServer(t)

	out, err := runCommand(t, url, "launch", "-args", `{"max_time":30}`, "autofit", "p1", "ps1")
	require.NoError(t, err)
	assert.Equal(t, "autofit:p1:ps1 started 0s\n", out)

	out, err = runCommand(t, url, "launch", "autofit", "p1", "ps1")
	require.NoError(t, err)
	assert.Equal(t, "autofit:p1:ps1 blocked\n", out)

	out, err = runCommand(t, url, "check", "autofit:p1:ps1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "autofit:p1:ps1 started"), out)

	out, err = runCommand(t, url, "cancel", "autofit:p1:ps1")
	require.NoError(t, err)
	assert.Equal(t, "autofit:p1:ps1 cancelled\n", out)

	out, err = runCommand(t, url, "cancel", "autofit:p1:ps1")
	require.NoError(t, err)
	assert.Equal(t, "autofit:p1:ps1 was not running\n", out)

	out, err = runCommand(t, url, "delete", "autofit:p1:ps1")
	require.NoError(t, err)
	assert.Equal(t, "autofit:p1:ps1 deleted\n", out)

	out, err = runCommand(t, url, "check", "autofit:p1:ps1")
	require.NoError(t, err)
	assert.Equal(t, "autofit:p1:ps1 not_started\n", out)
}

func TestLaunch_UnknownAction(t *testing.T) {
	url, _ := setupTestServer(t)

	_, err := runCommand(t, url, "launch", "optimize", "p1", "o1")
	assert.ErrorContains(t, err, "unknown action")
}

func TestLaunchWait(t *testing.T) {
	url, q := setupTestServer(t)

	w := worker.NewWorker("worker-test", q)
	w.SetPollInterval(10 * time.Millisecond)
	w.RegisterHandler(task.ActionBOC, handlers.Iterate(250*time.Millisecond))
	go w.Start()
	t.Cleanup(w.Stop)

	out, err := runCommand(t, url, "launch", "-wait", "-args", `{"max_time":1}`, "boc", "pf1", "p1")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "boc:pf1:p1 started 0s", lines[0])
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], `boc:pf1:p1 completed {"iterations":4`), out)
}

type finishedSource struct{}

func (finishedSource) CheckStatus(_ context.Context, id task.ID) (*task.Status, error) {
	return &task.Status{TaskID: id, State: task.StateCompleted, Result: []byte(`{"iterations":1}`)}, nil
}

func TestFollow_TerminalStatusAlreadyDelivered(t *testing.T) {
	id := task.BOCID("pf1", "p1")

	for i := 0; i < 40; i++ {
		p := poller.New(finishedSource{}, poller.WithInterval(time.Millisecond))
		w := p.Watch(context.Background(), ownerKey, id)

		require.Eventually(t, func() bool { return !p.IsPolling(id) }, 2*time.Second, time.Millisecond)

		var out bytes.Buffer
		c := &cli{poller: p, out: &out}
		require.NotPanics(t, func() {
			require.NoError(t, c.follow(context.Background(), id, w))
		})
		assert.Equal(t, "boc:pf1:p1 completed {\"iterations\":1}\n", out.String())

		p.Close()
	}
}

func TestUploadDownload(t *testing.T) {
	url, _ := setupTestServer(t)
	dir := t.TempDir()

	var blob bytes.Buffer
	require.NoError(t, project.Encode(&blob, &project.Document{Name: "Malawi"}))
	path := filepath.Join(dir, "malawi.prj")
	require.NoError(t, os.WriteFile(path, blob.Bytes(), 0o600))

	out, err := runCommand(t, url, "upload", path)
	require.NoError(t, err)
	assert.Contains(t, out, "project_id")

	_, err = runCommand(t, url, "upload", path)
	assert.ErrorContains(t, err, "AddObjectError")

	_, err = runCommand(t, url, "upload", filepath.Join(dir, "notes.txt"))
	assert.ErrorContains(t, err, "file rejected")

	projects, err := runCommand(t, url, "call", "list_projects")
	require.NoError(t, err)
	start := strings.Index(projects, `"id":"`) + len(`"id":"`)
	id := projects[start : start+36]

	saveDir := t.TempDir()
	out, err = runCommand(t, url, "download", "-dir", saveDir, id)
	require.NoError(t, err)
	assert.Equal(t, "saved "+filepath.Join(saveDir, "Malawi.prj")+"\n", out)
}

func TestUsageErrors(t *testing.T) {
	url, _ := setupTestServer(t)

	_, err := runCommand(t, url, "frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	_, err = runCommand(t, url, "check")
	assert.ErrorContains(t, err, "exactly one task id")

	_, err = runCommand(t, url, "launch", "-args", "{", "autofit", "p1", "ps1")
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "0s", formatElapsed(0))
	assert.Equal(t, "3s", formatElapsed(3))
	assert.Equal(t, "2m5s", formatElapsed(125))
}
