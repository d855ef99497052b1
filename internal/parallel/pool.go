package parallel

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by Launch after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// TaskFunc is one unit of a kernel's work. It is called exactly once per task id.
type TaskFunc func(ctx context.Context, taskID int) error

// TaskError reports the failure of one or more tasks of a single Launch.
// TaskID is the lowest failing task id; Err is its error.
type TaskError struct {
	TaskID int
	Failed int // Number of failed tasks
	Tasks  int // Number of launched tasks
	Err    error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.Failed > 1 {
		return fmt.Sprintf("task %d failed: %v (%d of %d tasks failed)", e.TaskID, e.Err, e.Failed, e.Tasks)
	}
	return fmt.Sprintf("task %d failed: %v", e.TaskID, e.Err)
}

// Unwrap returns the first task's error.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Pool is a fixed set of worker goroutines reused across Launch calls.
type Pool struct {
	cfg    Config
	jobs   chan job
	group  errgroup.Group
	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx    context.Context
	fn     TaskFunc
	id     int
	launch *launch
}

// launch collects the outcome of one Launch call.
type launch struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	tasks  int
	failed int
	first  int
	err    error
}

// NewPool starts cfg.NumWorkers workers. A disabled config still gets a pool;
// Launch then runs tasks inline on the caller's goroutine.
func NewPool(cfg Config) *Pool {
	cfg.NumWorkers = max(cfg.NumWorkers, 1)
	p := &Pool{
		cfg:  cfg,
		jobs: make(chan job, cfg.NumWorkers),
	}
	if cfg.Enabled {
		for i := 0; i < cfg.NumWorkers; i++ {
			p.group.Go(func() error {
				for j := range p.jobs {
					j.launch.run(j.ctx, j.fn, j.id)
				}
				return nil
			})
		}
	}
	return p
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.cfg.NumWorkers
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Launch runs fn once for every task id in [0, taskCount) and blocks until
// all of them return. There is no cancellation: a failing task does not stop
// its peers. Failures are aggregated into a *TaskError after the join.
func (p *Pool) Launch(ctx context.Context, fn TaskFunc, taskCount int) error {
	if taskCount <= 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "launch")
	}

	l := &launch{tasks: taskCount}
	if !p.cfg.Enabled || taskCount == 1 {
		for id := 0; id < taskCount; id++ {
			l.wg.Add(1)
			l.run(ctx, fn, id)
		}
		return l.result()
	}

	l.wg.Add(taskCount)
	for id := 0; id < taskCount; id++ {
		p.jobs <- job{ctx: ctx, fn: fn, id: id, launch: l}
	}
	l.wg.Wait()
	return l.result()
}

// Close stops the workers after queued tasks finish.
// Launch calls in flight complete first.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	return p.group.Wait()
}

func (l *launch) run(ctx context.Context, fn TaskFunc, id int) {
	defer l.wg.Done()
	if err := call(ctx, fn, id); err != nil {
		l.record(id, err)
	}
}

func (l *launch) record(id int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed++
	if l.err == nil || id < l.first {
		l.first = id
		l.err = err
	}
}

func (l *launch) result() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		return nil
	}
	return &TaskError{TaskID: l.first, Failed: l.failed, Tasks: l.tasks, Err: l.err}
}

// call runs one task, turning a panic into an error.
func call(ctx context.Context, fn TaskFunc, id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, id)
}
