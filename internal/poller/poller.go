// Package poller tracks background tasks from the client side. Each registered
// task id gets one loop that checks its status on a fixed interval, hands every
// status to the caller, and tears itself down on a terminal state.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nadmax/taskrpc/internal/metrics"
	"github.com/nadmax/taskrpc/internal/task"
)

const DefaultInterval = 2 * time.Second

// StatusSource performs one status check for a task id.
type StatusSource interface {
	CheckStatus(ctx context.Context, id task.ID) (*task.Status, error)
}

// StatusWatcher is implemented by sources that can push status changes over a
// duplex connection instead of being asked on every tick.
type StatusWatcher interface {
	WatchStatus(ctx context.Context, id task.ID) (<-chan *task.Status, error)
}

type UpdateFunc func(*task.Status)

type Poller struct {
	source   StatusSource
	interval time.Duration
	push     bool
	mu       sync.Mutex
	polls    map[task.ID]*registration
	wg       sync.WaitGroup
}

type registration struct {
	id       task.ID
	owner    string
	onUpdate UpdateFunc
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPush lets loops consume pushed statuses when the source implements
// StatusWatcher. A loop whose stream fails falls back to ticking.
func WithPush(enabled bool) Option {
	return func(p *Poller) {
		p.push = enabled
	}
}

func New(source StatusSource, opts ...Option) *Poller {
	p := &Poller{
		source:   source,
		interval: DefaultInterval,
		polls:    make(map[task.ID]*registration),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// StartPollForTask begins checking id every interval. onUpdate receives every
// status, running or terminal; the loop stops on its own after delivering a
// terminal status or a failed check. ownerKey only labels log lines.
//
// A loop already registered for id is cancelled and replaced.
func (p *Poller) StartPollForTask(ownerKey string, id task.ID, onUpdate UpdateFunc) {
	p.start(ownerKey, id, onUpdate)
}

func (p *Poller) start(ownerKey string, id task.ID, onUpdate UpdateFunc) *registration {
	ctx, cancel := context.WithCancel(context.Background())
	reg := &registration{
		id:       id,
		owner:    ownerKey,
		onUpdate: onUpdate,
		ctx:      ctx,
		cancel:   cancel,
	}

	p.mu.Lock()
	if old, exists := p.polls[id]; exists {
		old.cancel()
		log.Printf("[Task %s] poll for %s superseded by %s", id, old.owner, ownerKey)
	}
	p.polls[id] = reg
	active := len(p.polls)
	p.wg.Add(1)
	p.mu.Unlock()

	metrics.UpdateActivePolls(active)

	go p.run(reg)
	return reg
}

// StopPoll cancels the loop for id. It is a no-op when none is registered. It
// does not wait for a callback that is already running.
func (p *Poller) StopPoll(id task.ID) {
	p.mu.Lock()
	reg, exists := p.polls[id]
	if exists {
		delete(p.polls, id)
	}
	active := len(p.polls)
	p.mu.Unlock()

	if exists {
		reg.cancel()
		metrics.UpdateActivePolls(active)
	}
}

// StopAllPolls cancels every registered loop.
func (p *Poller) StopAllPolls() {
	p.mu.Lock()
	polls := p.polls
	p.polls = make(map[task.ID]*registration)
	p.mu.Unlock()

	for _, reg := range polls {
		reg.cancel()
	}

	metrics.UpdateActivePolls(0)
}

// Close stops every loop and waits for them to exit. It must not be called
// from inside an UpdateFunc.
func (p *Poller) Close() {
	p.StopAllPolls()
	p.wg.Wait()
}

func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.polls)
}

func (p *Poller) IsPolling(id task.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, exists := p.polls[id]
	return exists
}

func (p *Poller) run(reg *registration) {
	defer p.wg.Done()
	defer p.release(reg)

	if p.push {
		if watcher, ok := p.source.(StatusWatcher); ok && p.watch(reg, watcher) {
			return
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-reg.ctx.Done():
			return
		case <-ticker.C:
		}

		if p.tick(reg) {
			return
		}
	}
}

// tick runs one status check and reports whether the loop is finished.
func (p *Poller) tick(reg *registration) bool {
	st, err := p.source.CheckStatus(reg.ctx, reg.id)
	if reg.ctx.Err() != nil {
		return true
	}

	if err != nil {
		log.Printf("[Task %s] status check for %s failed: %v", reg.id, reg.owner, err)
		st = task.ErrorStatus(reg.id, err)
		metrics.RecordPollTick(reg.id.Action(), st.State)
		p.deliver(reg, st)
		return true
	}

	if st == nil {
		st = task.NotStartedStatus(reg.id)
	}
	if st.TaskID == "" {
		st.TaskID = reg.id
	}

	metrics.RecordPollTick(reg.id.Action(), st.State)
	p.deliver(reg, st)

	return st.IsTerminal()
}

// watch consumes a push stream. It returns false when the loop should fall
// back to ticking.
func (p *Poller) watch(reg *registration, watcher StatusWatcher) bool {
	updates, err := watcher.WatchStatus(reg.ctx, reg.id)
	if err != nil {
		if reg.ctx.Err() != nil {
			return true
		}
		log.Printf("[Task %s] push stream unavailable, polling instead: %v", reg.id, err)
		return false
	}

	for st := range updates {
		if reg.ctx.Err() != nil {
			return true
		}
		if st.TaskID == "" {
			st.TaskID = reg.id
		}

		metrics.RecordPollTick(reg.id.Action(), st.State)
		p.deliver(reg, st)

		if st.IsTerminal() {
			return true
		}
	}

	if reg.ctx.Err() != nil {
		return true
	}

	log.Printf("[Task %s] push stream closed before a terminal status, polling instead", reg.id)
	return false
}

// deliver skips loops that were stopped or superseded while their check was in
// flight. The skip is not atomic with the call: StopPoll and a replacing
// StartPollForTask do not wait for a callback, because a callback may stop or
// restart its own loop. A stop racing the check can therefore still see one
// last callback, and never more than one.
func (p *Poller) deliver(reg *registration, st *task.Status) {
	if reg.ctx.Err() != nil || reg.onUpdate == nil {
		return
	}

	reg.onUpdate(st)
}

func (p *Poller) release(reg *registration) {
	p.mu.Lock()
	current, exists := p.polls[reg.id]
	removed := exists && current == reg
	if removed {
		delete(p.polls, reg.id)
	}
	active := len(p.polls)
	p.mu.Unlock()

	reg.cancel()
	if removed {
		metrics.UpdateActivePolls(active)
	}
}
