package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/taskrpc/internal/repository"
	"github.com/nadmax/taskrpc/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := NewQueue(mr.Addr(), nil)
	require.NoError(t, err)

	return q, mr
}

func setupTestQueueWithMockRepo(t *testing.T) (*Queue, *repository.MockPostgresRepository, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	mockRepo := repository.NewMockPostgresRepository()
	q, err := NewQueue(mr.Addr(), mockRepo)
	require.NoError(t, err)

	return q, mockRepo, mr
}

func TestNewQueue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	assert.NotNil(t, q)
	assert.NotNil(t, q.client)
}

func TestNewQueue_InvalidAddress(t *testing.T) {
	_, err := NewQueue("invalid:99999", nil)
	assert.Error(t, err)
}

func TestLaunch(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.AutofitID("proj1", "parsetA")

	st, err := q.Launch(ctx, id, task.ActionAutofit, json.RawMessage(`{"max_time":60}`))
	require.NoError(t, err)

	assert.Equal(t, task.StateStarted, st.State)
	assert.Equal(t, id, st.TaskID)
	assert.NotZero(t, st.StartTime)
	assert.GreaterOrEqual(t, st.CurrentTime, st.StartTime)

	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.ActionAutofit, rec.Action)
	assert.NotEmpty(t, rec.RunID)
	assert.JSONEq(t, `{"max_time":60}`, string(rec.Args))

	depth, err := q.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestLaunch_BlockedWhileStarted(t *testing.T) {
	q, mockRepo, mr := setupTestQueueWithMockRepo(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.AutofitID("proj1", "parsetA")

	first, err := q.Launch(ctx, id, task.ActionAutofit, nil)
	require.NoError(t, err)
	before, err := q.GetTask(ctx, id)
	require.NoError(t, err)

	second, err := q.Launch(ctx, id, task.ActionAutofit, nil)
	require.NoError(t, err)

	assert.Equal(t, task.StateStarted, first.State)
	assert.Equal(t, task.StateBlocked, second.State)

	after, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.RunID, after.RunID, "blocked launch must not replace the running record")

	saves, _, _ := mockRepo.Calls()
	assert.Equal(t, 1, saves)
}

func TestLaunch_ConcurrentStartsOnce(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.OptimizeID("p1", "o1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		blocked int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			st, err := q.Launch(ctx, id, task.ActionOptimize, nil)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			switch st.State {
			case task.StateStarted:
				started++
			case task.StateBlocked:
				blocked++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 7, blocked)
}

func TestLaunch_AfterTerminalStartsNewRun(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.BOCID("pf1", "p1")

	_, err := q.Launch(ctx, id, task.ActionBOC, nil)
	require.NoError(t, err)
	first, err := q.GetTask(ctx, id)
	require.NoError(t, err)

	ok, err := q.Finish(ctx, id, first.RunID, task.StateError, nil, "no budget")
	require.NoError(t, err)
	require.True(t, ok)

	st, err := q.Launch(ctx, id, task.ActionBOC, nil)
	require.NoError(t, err)
	assert.Equal(t, task.StateStarted, st.State)
	assert.Empty(t, st.Error)

	second, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestStatus(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.GAOptimizeID("pf9")

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateNotStarted, st.State)
	assert.Equal(t, id, st.TaskID)
	assert.Zero(t, st.StartTime)

	_, err = q.Launch(ctx, id, task.ActionGAOptimize, nil)
	require.NoError(t, err)

	st, err = q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateStarted, st.State)
	assert.NotZero(t, st.StartTime)
}

func TestDequeue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()

	rec, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	first := task.OptimizeID("p1", "o1")
	second := task.OptimizeID("p1", "o2")
	cancelled := task.OptimizeID("p1", "o3")

	_, err = q.Launch(ctx, cancelled, task.ActionOptimize, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = q.Launch(ctx, first, task.ActionOptimize, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = q.Launch(ctx, second, task.ActionOptimize, nil)
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, cancelled)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, first, rec.ID)

	rec, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, second, rec.ID)

	rec, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClaimAndProgress(t *testing.T) {
	q, mockRepo, mr := setupTestQueueWithMockRepo(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.ReconcileID("p1", "ps1", "pa1", 2020)

	_, err := q.Launch(ctx, id, task.ActionReconcile, nil)
	require.NoError(t, err)
	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)

	ok, err := q.Claim(ctx, id, rec.RunID, "worker-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Progress(ctx, id, rec.RunID, "iteration 3 of 10")
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "iteration 3 of 10", st.StatusString)

	ok, err = q.Progress(ctx, id, "another-run", "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	_, assigns, _ := mockRepo.Calls()
	assert.Equal(t, 1, assigns)

	stored, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", stored.WorkerID)
}

func TestFinish(t *testing.T) {
	q, mockRepo, mr := setupTestQueueWithMockRepo(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.BOCID("pf1", "p2")

	_, err := q.Launch(ctx, id, task.ActionBOC, nil)
	require.NoError(t, err)
	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)

	_, err = q.Finish(ctx, id, rec.RunID, task.StateStarted, nil, "")
	assert.Error(t, err)

	ok, err := q.Finish(ctx, id, rec.RunID, task.StateCompleted, json.RawMessage(`{"curve":[1,2,3]}`), "")
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, st.State)
	assert.JSONEq(t, `{"curve":[1,2,3]}`, string(st.Result))
	assert.Zero(t, st.StartTime)

	ok, err = q.Finish(ctx, id, rec.RunID, task.StateError, nil, "late")
	require.NoError(t, err)
	assert.False(t, ok, "a finished run cannot be finished twice")

	finished := mockRepo.Finished()
	require.Len(t, finished, 1)
	assert.Equal(t, task.StateCompleted, finished[0].Status)
}

func TestCancel(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.OptimizeID("p1", "o1")

	ok, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Launch(ctx, id, task.ActionOptimize, nil)
	require.NoError(t, err)
	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)

	ok, err = q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Finish(ctx, id, rec.RunID, task.StateCompleted, json.RawMessage(`1`), "")
	require.NoError(t, err)
	assert.False(t, ok, "a worker finishing after cancel must not overwrite it")

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, st.State)
	assert.Empty(t, st.Result)
}

func TestDelete(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.BOCID("pf1", "p3")

	assert.ErrorIs(t, q.Delete(ctx, id), ErrNotFound)

	_, err := q.Launch(ctx, id, task.ActionBOC, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Delete(ctx, id), ErrRunning)

	_, err = q.Cancel(ctx, id)
	require.NoError(t, err)
	require.NoError(t, q.Delete(ctx, id))

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateNotStarted, st.State)

	all, err := q.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGetAllTasks(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()

	all, err := q.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	for _, project := range []string{"a", "b", "c"} {
		_, err := q.Launch(ctx, task.AutofitID(project, "default"), task.ActionAutofit, nil)
		require.NoError(t, err)
	}

	all, err = q.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSubscribe(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	id := task.AutofitID("proj1", "parsetA")

	sub := q.Subscribe(ctx, id)
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	_, err = q.Launch(ctx, id, task.ActionAutofit, nil)
	require.NoError(t, err)
	_, err = q.Cancel(ctx, id)
	require.NoError(t, err)

	var states []task.State
	for len(states) < 2 {
		select {
		case msg := <-ch:
			st, err := task.StatusFromJSON([]byte(msg.Payload))
			require.NoError(t, err)
			assert.Equal(t, id, st.TaskID)
			states = append(states, st.State)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected two status messages, got %v", states)
		}
	}

	assert.Equal(t, []task.State{task.StateStarted, task.StateCancelled}, states)
}
