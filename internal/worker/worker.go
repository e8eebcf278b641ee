// Package worker runs launched tasks. It takes started records off the queue,
// dispatches them to the handler registered for their action and writes the
// outcome back, unless the task was cancelled meanwhile.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/taskrpc/internal/queue"
	"github.com/nadmax/taskrpc/internal/task"
)

// ProgressFunc replaces the progress text clients see in status_string.
type ProgressFunc func(statusString string)

// ActionHandler performs the work of one action. ctx is cancelled when the
// task is cancelled. The returned JSON becomes the completed status result.
type ActionHandler func(ctx context.Context, rec *task.Record, progress ProgressFunc) (json.RawMessage, error)

// Notifier is told about every run this worker finishes.
type Notifier interface {
	Notify(ctx context.Context, rec *task.Record) error
}

type Worker struct {
	id           string
	queue        *queue.Queue
	notifier     Notifier
	mu           sync.RWMutex
	handlers     map[string]ActionHandler
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
	pollInterval time.Duration
}

func NewWorker(id string, q *queue.Queue) *Worker {
	return &Worker{
		id:           id,
		queue:        q,
		handlers:     make(map[string]ActionHandler),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		pollInterval: time.Second,
	}
}

func (w *Worker) RegisterHandler(action string, handler ActionHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers[action] = handler
}

// Actions lists the registered action names in sorted order.
func (w *Worker) Actions() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	actions := make([]string, 0, len(w.handlers))
	for action := range w.handlers {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	return actions
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

func (w *Worker) SetNotifier(n Notifier) {
	w.notifier = n
}

func (w *Worker) ID() string {
	return w.id
}

// Start processes tasks until Stop is called. A task in progress when Stop
// is called is cancelled.
func (w *Worker) Start() {
	defer close(w.done)
	log.Printf("Worker %s started", w.id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-w.stop:
			log.Printf("Worker %s stopped", w.id)
			return
		default:
		}

		rec, err := w.queue.Dequeue(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("Worker %s failed to dequeue: %v", w.id, err)
		}
		if err != nil || rec == nil {
			select {
			case <-w.stop:
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.processTask(ctx, rec)
	}
}

// Stop asks Start to return and waits until it has.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) handler(action string) (ActionHandler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	h, ok := w.handlers[action]
	return h, ok
}

func (w *Worker) processTask(parent context.Context, rec *task.Record) {
	log.Printf("[Task %s] Worker %s processing run %s (action: %s)", rec.ID, w.id, rec.RunID, rec.Action)

	claimed, err := w.queue.Claim(parent, rec.ID, rec.RunID, w.id)
	if err != nil {
		log.Printf("[Task %s] Failed to claim: %v", rec.ID, err)
		return
	}
	if !claimed {
		log.Printf("[Task %s] No longer started, skipping", rec.ID)
		return
	}
	rec.WorkerID = w.id

	handler, exists := w.handler(rec.Action)
	if !exists {
		w.finish(parent, rec, task.StateError, nil, fmt.Sprintf("no handler for action: %s", rec.Action))
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	watcher, err := w.watchCancel(ctx, rec, cancel)
	if err != nil {
		log.Printf("[Task %s] Cancel watcher unavailable: %v", rec.ID, err)
	} else {
		defer watcher.Wait()
		defer cancel()
	}

	progress := func(statusString string) {
		if _, err := w.queue.Progress(ctx, rec.ID, rec.RunID, statusString); err != nil && ctx.Err() == nil {
			log.Printf("[Task %s] Failed to report progress: %v", rec.ID, err)
		}
	}

	result, err := runHandler(ctx, handler, rec, progress)

	if ctx.Err() != nil && parent.Err() == nil {
		log.Printf("[Task %s] Cancelled while running", rec.ID)
		return
	}

	if err != nil {
		msg := err.Error()
		if parent.Err() != nil {
			msg = fmt.Sprintf("worker %s stopped", w.id)
		}
		w.finish(parent, rec, task.StateError, nil, msg)
		return
	}

	w.finish(parent, rec, task.StateCompleted, result, "")
}

// runHandler turns a handler panic into an error so one bad action cannot
// take the worker down.
func runHandler(ctx context.Context, h ActionHandler, rec *task.Record, progress ProgressFunc) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", rec.Action, r)
		}
	}()

	return h(ctx, rec, progress)
}

func (w *Worker) finish(ctx context.Context, rec *task.Record, state task.State, result json.RawMessage, errMsg string) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	ok, err := w.queue.Finish(ctx, rec.ID, rec.RunID, state, result, errMsg)
	if err != nil {
		log.Printf("[Task %s] Failed to record %s: %v", rec.ID, state, err)
		return
	}
	if !ok {
		log.Printf("[Task %s] Run %s was superseded, dropping %s outcome", rec.ID, rec.RunID, state)
		return
	}

	if state == task.StateCompleted {
		log.Printf("[Task %s] Completed successfully", rec.ID)
	} else {
		log.Printf("[Task %s] Failed: %s", rec.ID, errMsg)
	}

	if w.notifier == nil {
		return
	}

	finished, err := w.queue.GetTask(ctx, rec.ID)
	if err != nil {
		log.Printf("[Task %s] Failed to load finished record: %v", rec.ID, err)
		return
	}
	if err := w.notifier.Notify(ctx, finished); err != nil {
		log.Printf("[Task %s] Notification failed: %v", rec.ID, err)
	}
}

// watchCancel cancels the run's context once its record leaves the started
// state through anything other than this worker finishing it.
func (w *Worker) watchCancel(ctx context.Context, rec *task.Record, cancel context.CancelFunc) (*sync.WaitGroup, error) {
	sub := w.queue.Subscribe(ctx, rec.ID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				st, err := task.StatusFromJSON([]byte(msg.Payload))
				if err != nil {
					continue
				}
				if st.State == task.StateCancelled {
					cancel()
					return
				}
			}
		}
	}()

	current, err := w.queue.GetTask(ctx, rec.ID)
	if errors.Is(err, queue.ErrNotFound) || (err == nil && (current.State != task.StateStarted || current.RunID != rec.RunID)) {
		cancel()
	}

	return &wg, nil
}
