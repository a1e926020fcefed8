package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-engine-bridge/internal/connmgr"
	"github.com/park285/chess-engine-bridge/internal/msgcat"
	"github.com/park285/chess-engine-bridge/pkg/wire"
)

const inboxSize = 64

// Runner owns a Machine and applies every event to it on one goroutine:
// socket messages, state changes, timers and user input.
type Runner struct {
	m      *Machine
	events chan func(*Machine)
	done   chan struct{}
	log    *zap.Logger

	mu       sync.Mutex
	onUpdate func(Snapshot)
}

func NewRunner(cfg Config, sender Sender, cat *msgcat.Catalog, log *zap.Logger, hooks Hooks) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		events: make(chan func(*Machine), inboxSize),
		done:   make(chan struct{}),
		log:    log,
	}
	r.m = NewMachine(cfg, sender, postingScheduler{r: r}, cat, log, hooks)
	return r
}

// OnUpdate registers fn to receive a snapshot after every applied event.
func (r *Runner) OnUpdate(fn func(Snapshot)) {
	r.mu.Lock()
	r.onUpdate = fn
	r.mu.Unlock()
}

// Run drains the inbox until ctx ends.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.m.cancelDebounce()
			return
		case fn := <-r.events:
			fn(r.m)
			r.publish()
		}
	}
}

func (r *Runner) publish() {
	r.mu.Lock()
	fn := r.onUpdate
	r.mu.Unlock()
	if fn != nil {
		fn(r.m.Snapshot())
	}
}

// Post queues fn. It reports false once the runner has stopped.
func (r *Runner) Post(fn func(*Machine)) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.events <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Do runs fn on the owning goroutine and waits for its result.
func (r *Runner) Do(ctx context.Context, fn func(*Machine) error) error {
	res := make(chan error, 1)
	if !r.Post(func(m *Machine) { res <- fn(m) }) {
		return context.Canceled
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return context.Canceled
	}
}

// Snapshot returns the current snapshot as seen from the owning goroutine.
func (r *Runner) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := r.Do(ctx, func(m *Machine) error {
		s = m.Snapshot()
		return nil
	})
	return s, err
}

// Attach routes the client's messages and state changes into the runner.
// The returned func detaches it.
func (r *Runner) Attach(c connmgr.Client) func() {
	msgID := c.OnMessage(func(msg wire.Message) {
		r.Post(func(m *Machine) { m.HandleMessage(msg) })
	})
	stateID := c.OnStateChange(func(st connmgr.State) {
		switch st {
		case connmgr.StateOpen:
			r.Post(func(m *Machine) { m.HandleOpen() })
		case connmgr.StateDisconnected:
			r.Post(func(m *Machine) { m.HandleClosed() })
		}
	})
	return func() {
		c.RemoveMessageCallback(msgID)
		c.RemoveStateCallback(stateID)
	}
}

type postingScheduler struct{ r *Runner }

func (s postingScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, func() {
		s.r.Post(func(*Machine) { f() })
	})
}
