// Package queue runs provisioning jobs on a bounded worker pool with at most
// one run per project.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyActive is returned when the project is queued or running.
	ErrAlreadyActive = errors.New("project already has an active run")
	// ErrQueueFull is returned when the buffer has no room.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("job queue stopped")
)

// Runner executes one provisioning run.
type Runner interface {
	Run(ctx context.Context, projectID string, abort <-chan struct{}) error
}

// Gauge observes queue activity.
type Gauge interface {
	RunStarted()
	RunFinished()
	QueueDepth(n int)
}

// Options sizes the queue.
type Options struct {
	Workers int
	Size    int
	LockTTL time.Duration
}

type run struct {
	abort     chan struct{}
	done      chan struct{}
	started   bool
	abortOnce sync.Once
}

func (r *run) cancel() {
	r.abortOnce.Do(func() { close(r.abort) })
}

// Queue is an in-process job queue.
type Queue struct {
	runner Runner
	locker Locker
	gauge  Gauge
	logger *slog.Logger
	opts   Options

	jobs chan string

	mu      sync.Mutex
	runs    map[string]*run
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Queue. locker defaults to a MemoryLocker.
func New(runner Runner, locker Locker, gauge Gauge, opts Options, logger *slog.Logger) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.Size < 1 {
		opts.Size = 256
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		runner: runner,
		locker: locker,
		gauge:  gauge,
		logger: logger.With("component", "queue"),
		opts:   opts,
		jobs:   make(chan string, opts.Size),
		runs:   make(map[string]*run),
	}
}

// Submit enqueues projectID without blocking.
func (q *Queue) Submit(projectID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	if _, ok := q.runs[projectID]; ok {
		return ErrAlreadyActive
	}
	select {
	case q.jobs <- projectID:
	default:
		return ErrQueueFull
	}
	q.runs[projectID] = &run{abort: make(chan struct{}), done: make(chan struct{})}
	q.observeDepth()
	return nil
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("job queue started", "workers", q.opts.Workers, "size", q.opts.Size)
}

// Stop rejects new jobs, interrupts running ones and waits for the workers.
// Interrupted projects keep their stage and are resumed by the next sweep.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.logger.Info("job queue stopped")
}

// Cancel aborts the run for projectID. done closes once the run has returned;
// active is false when the project had no queued or running job.
func (q *Queue) Cancel(projectID string) (done <-chan struct{}, active bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.runs[projectID]
	if !ok {
		return nil, false
	}
	r.cancel()
	if !r.started {
		delete(q.runs, projectID)
		close(r.done)
	}
	return r.done, true
}

// Active reports how many runs are executing.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, r := range q.runs {
		if r.started {
			n++
		}
	}
	return n
}

// Pending reports whether projectID is queued or running.
func (q *Queue) Pending(projectID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.runs[projectID]
	return ok
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			q.process(ctx, id)
		}
	}
}

func (q *Queue) process(ctx context.Context, projectID string) {
	q.mu.Lock()
	r, ok := q.runs[projectID]
	if !ok || r.started {
		q.mu.Unlock()
		return
	}
	r.started = true
	q.observeDepth()
	q.mu.Unlock()
	defer q.finish(projectID, r)

	log := q.logger.With("project_id", projectID)
	token, locked, err := q.locker.TryLock(ctx, projectID, q.opts.LockTTL)
	if err != nil {
		log.Error("failed to acquire run lock", "error", err)
		return
	}
	if !locked {
		log.Info("project is being provisioned elsewhere")
		return
	}

	runCtx, stopRefresh := context.WithCancel(ctx)
	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		q.keepLease(runCtx, projectID, token, log)
	}()

	if q.gauge != nil {
		q.gauge.RunStarted()
	}
	start := time.Now()
	err = q.runner.Run(ctx, projectID, r.abort)
	if q.gauge != nil {
		q.gauge.RunFinished()
	}
	stopRefresh()
	<-refreshed

	switch {
	case err == nil:
		log.Info("provisioning job finished", "duration", time.Since(start))
	case errors.Is(err, context.Canceled):
		log.Info("provisioning job interrupted", "duration", time.Since(start))
	default:
		log.Warn("provisioning job ended with error", "duration", time.Since(start), "error", err)
	}

	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.locker.Unlock(unlockCtx, projectID, token); err != nil && !errors.Is(err, ErrLockLost) {
		log.Warn("failed to release run lock", "error", err)
	}
}

func (q *Queue) keepLease(ctx context.Context, projectID, token string, log *slog.Logger) {
	ticker := time.NewTicker(q.opts.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.locker.Refresh(ctx, projectID, token, q.opts.LockTTL); err != nil && ctx.Err() == nil {
				log.Warn("failed to refresh run lock", "error", err)
			}
		}
	}
}

func (q *Queue) finish(projectID string, r *run) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.runs[projectID] == r {
		delete(q.runs, projectID)
	}
	close(r.done)
}

// observeDepth must be called with q.mu held.
func (q *Queue) observeDepth() {
	if q.gauge != nil {
		q.gauge.QueueDepth(len(q.jobs))
	}
}
