package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nadmax/taskrpc/internal/poller"
	"github.com/nadmax/taskrpc/internal/rpc"
	"github.com/nadmax/taskrpc/internal/task"
)

const cancelTimeout = 10 * time.Second

// Source adapts a Caller to the poller: status checks go through check_task,
// and push streams are used when the caller can open them.
type Source struct {
	caller  rpc.Caller
	watcher poller.StatusWatcher
}

func NewSource(caller rpc.Caller) *Source {
	s := &Source{caller: caller}
	if w, ok := caller.(poller.StatusWatcher); ok {
		s.watcher = w
	}

	return s
}

func (s *Source) CheckStatus(ctx context.Context, id task.ID) (*task.Status, error) {
	st, err := rpc.Send(ctx, s.caller, CheckTask(id))
	if err != nil {
		return nil, err
	}

	return &st, nil
}

func (s *Source) WatchStatus(ctx context.Context, id task.ID) (<-chan *task.Status, error) {
	if s.watcher == nil {
		return nil, errors.New("caller cannot stream task status")
	}

	return s.watcher.WatchStatus(ctx, id)
}

// Service is what page-level code talks to. It owns no goroutines of its own
// apart from fire-and-forget cancels; polling belongs to the injected Poller.
type Service struct {
	caller  rpc.Caller
	poller  *poller.Poller
	pending sync.WaitGroup
}

func NewService(caller rpc.Caller, p *poller.Poller) *Service {
	return &Service{caller: caller, poller: p}
}

func (s *Service) Check(ctx context.Context, id task.ID) (*task.Status, error) {
	st, err := rpc.Send(ctx, s.caller, CheckTask(id))
	if err != nil {
		return nil, err
	}

	return &st, nil
}

// Launch checks whether l is already running and launches it if not. A task
// that is already started comes back as blocked and nothing is sent. No poll
// is registered.
func (s *Service) Launch(ctx context.Context, l Launch) (*task.Status, error) {
	current, err := s.Check(ctx, l.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check task %s: %w", l.ID, err)
	}
	if current.State == task.StateStarted {
		return task.BlockedStatus(l.ID), nil
	}

	st, err := rpc.Send(ctx, s.caller, LaunchTask(l.ID, l.Action, l.Args))
	if err != nil {
		return nil, fmt.Errorf("failed to launch task %s: %w", l.ID, err)
	}
	if st.TaskID == "" {
		st.TaskID = l.ID
	}

	return &st, nil
}

// Start launches l like Launch and registers a poll that feeds onUpdate. When
// the task is blocked a poll is attached only if none is registered for the
// id yet.
func (s *Service) Start(ctx context.Context, ownerKey string, l Launch, onUpdate poller.UpdateFunc) (*task.Status, error) {
	st, err := s.Launch(ctx, l)
	if err != nil {
		return nil, err
	}

	switch st.State {
	case task.StateStarted:
		s.poller.StartPollForTask(ownerKey, l.ID, onUpdate)
	case task.StateBlocked:
		s.attach(ownerKey, l.ID, onUpdate)
	default:
		log.Printf("[Task %s] launch returned unexpected status %s", l.ID, st.State)
	}

	return st, nil
}

// Resume attaches to a task launched earlier, e.g. after a page reload. Only
// a started task gets a poll.
func (s *Service) Resume(ctx context.Context, ownerKey string, id task.ID, onUpdate poller.UpdateFunc) (*task.Status, error) {
	st, err := s.Check(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to check task %s: %w", id, err)
	}

	if st.State == task.StateStarted {
		s.attach(ownerKey, id, onUpdate)
	}

	return st, nil
}

// Watch is Start for callers that prefer a future and a progress stream over
// a callback. It replaces any poll already registered for the id.
func (s *Service) Watch(ctx context.Context, ownerKey string, l Launch) (*poller.Watch, *task.Status, error) {
	st, err := s.Launch(ctx, l)
	if err != nil {
		return nil, nil, err
	}

	if st.State != task.StateStarted && st.State != task.StateBlocked {
		return nil, st, nil
	}

	return s.poller.Watch(ctx, ownerKey, l.ID), st, nil
}

// Cancel stops polling immediately and reports cancelled locally. The server
// is told in the background and its answer is only logged.
func (s *Service) Cancel(ctx context.Context, id task.ID, onUpdate poller.UpdateFunc) *task.Status {
	s.poller.StopPoll(id)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
		defer cancel()

		if _, err := rpc.Send(cctx, s.caller, CancelTask(id)); err != nil {
			log.Printf("[Task %s] cancel request failed: %v", id, err)
		}
	}()

	st := task.CancelledStatus(id)
	if onUpdate != nil {
		onUpdate(st)
	}

	return st
}

// Delete drops a finished task record so its id can be reused.
func (s *Service) Delete(ctx context.Context, id task.ID) error {
	ack, err := rpc.Send(ctx, s.caller, DeleteTask(id))
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("server refused to delete task %s", id)
	}

	return nil
}

func (s *Service) Actions(ctx context.Context) ([]string, error) {
	return rpc.Send(ctx, s.caller, ListActions())
}

// StopAll tears down every poll, for when the owning context goes away.
func (s *Service) StopAll() {
	s.poller.StopAllPolls()
}

// Wait blocks until background cancel requests have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) attach(ownerKey string, id task.ID, onUpdate poller.UpdateFunc) {
	if s.poller.IsPolling(id) {
		return
	}

	s.poller.StartPollForTask(ownerKey, id, onUpdate)
}
