// Package schedule runs background maintenance tasks: one-shot tasks and
// fixed-rate loops whose bodies execute on a bounded worker pool.
package schedule

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/ants/v2"

	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
)

// Future is the handle of a scheduled task.
type Future interface {
	// Done reports whether the task will not run again on its own.
	Done() bool
	Cancelled() bool
	// Cancel stops future runs. A run already in progress completes.
	Cancel() bool
}

// Scheduler submits tasks for background execution.
type Scheduler interface {
	// Schedule runs task after delay and then every interval while
	// interval > 0. Runs of the same task never overlap.
	Schedule(task func(), delay, interval time.Duration) Future
}

// Options configure an Executor.
type Options struct {
	// Workers caps how many task bodies run at once. Defaults to 4.
	Workers int
	// ReleaseTimeout bounds how long Close waits for running bodies.
	ReleaseTimeout time.Duration
	Logger         hclog.Logger
}

func (o *Options) Validate() error {
	if o.Workers < 0 {
		return errors.New("schedule: workers must be >= 0")
	}
	if o.ReleaseTimeout < 0 {
		return errors.New("schedule: release timeout must be >= 0")
	}
	return nil
}

// Executor is the shared Scheduler implementation.
type Executor struct {
	pool    *ants.Pool
	log     hclog.Logger
	timeout time.Duration
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New starts an executor.
func New(opts Options) (*Executor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.ReleaseTimeout == 0 {
		opts.ReleaseTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logutil.New("schedule")
	}
	p, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(v any) {
		log.Error("scheduled task panicked", "panic", v)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "schedule: worker pool")
	}
	return &Executor{pool: p, log: log, timeout: opts.ReleaseTimeout, closing: make(chan struct{})}, nil
}

func (e *Executor) Schedule(fn func(), delay, interval time.Duration) Future {
	t := &task{cancel: make(chan struct{})}
	select {
	case <-e.closing:
		t.finish()
		return t
	default:
	}
	e.wg.Add(1)
	go e.loop(t, fn, delay, interval)
	return t
}

// Running is the number of task bodies executing right now.
func (e *Executor) Running() int { return e.pool.Running() }

// Close stops all loops and waits up to the release timeout for running
// bodies. It does not interrupt them.
func (e *Executor) Close() error {
	var err error
	e.once.Do(func() {
		close(e.closing)
		err = e.pool.ReleaseTimeout(e.timeout)
	})
	return err
}

func (e *Executor) loop(t *task, fn func(), delay, interval time.Duration) {
	defer e.wg.Done()
	defer t.finish()
	next := time.Now().Add(delay)
	for {
		if !e.wait(t, time.Until(next)) {
			return
		}
		if !e.run(fn) {
			return
		}
		if interval <= 0 {
			return
		}
		next = next.Add(interval)
		// a slow run skips the ticks it missed
		if now := time.Now(); next.Before(now) {
			next = now
		}
	}
}

func (e *Executor) wait(t *task, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-t.cancel:
			return false
		case <-e.closing:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.cancel:
		return false
	case <-e.closing:
		return false
	}
}

func (e *Executor) run(fn func()) bool {
	done := make(chan struct{})
	if err := e.pool.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		e.log.Warn("task rejected", "error", err)
		return false
	}
	<-done
	return true
}

type task struct {
	cancel    chan struct{}
	done      atomic.Bool
	cancelled atomic.Bool
}

func (t *task) Done() bool      { return t.done.Load() }
func (t *task) Cancelled() bool { return t.cancelled.Load() }

func (t *task) Cancel() bool {
	if t.done.Load() || !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	close(t.cancel)
	return true
}

func (t *task) finish() { t.done.Store(true) }

// Pending reports whether f is a live handle: scheduled or running and not
// cancelled.
func Pending(f Future) bool {
	return f != nil && !f.Done() && !f.Cancelled()
}
