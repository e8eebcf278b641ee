package poller

import (
	"context"
	"sync"

	"github.com/nadmax/taskrpc/internal/task"
)

const progressBuffer = 16

// Watch separates progress observation from the final outcome of one task.
type Watch struct {
	mu       sync.Mutex
	closed   bool
	progress chan *task.Status
	done     chan *task.Status
}

// Watch registers a loop for id like StartPollForTask. Running statuses go to
// Progress; the terminal status resolves Done exactly once. When the loop is
// stopped first (ctx done, StopPoll, superseded) Done is closed without a value.
func (p *Poller) Watch(ctx context.Context, ownerKey string, id task.ID) *Watch {
	w := &Watch{
		progress: make(chan *task.Status, progressBuffer),
		done:     make(chan *task.Status, 1),
	}

	reg := p.start(ownerKey, id, w.update)

	go func() {
		select {
		case <-ctx.Done():
			reg.cancel()
		case <-reg.ctx.Done():
		}
		w.finish(nil)
	}()

	return w
}

// Progress yields running statuses. Updates are dropped when the reader falls
// more than a few ticks behind.
func (w *Watch) Progress() <-chan *task.Status {
	return w.progress
}

func (w *Watch) Done() <-chan *task.Status {
	return w.done
}

// Wait blocks until the terminal status or ctx is done.
func (w *Watch) Wait(ctx context.Context) (*task.Status, error) {
	select {
	case st, ok := <-w.done:
		if !ok {
			return nil, context.Canceled
		}
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Watch) update(st *task.Status) {
	if st.IsTerminal() {
		w.finish(st)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	select {
	case w.progress <- st:
	default:
	}
}

func (w *Watch) finish(st *task.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true

	if st != nil {
		w.done <- st
	}
	close(w.done)
	close(w.progress)
}
