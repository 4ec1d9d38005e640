package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type blockingRunner struct {
	mu       sync.Mutex
	started  chan string
	release  chan struct{}
	running  map[string]int
	overlap  atomic.Bool
	aborted  atomic.Int32
	finished atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 16), release: make(chan struct{}), running: map[string]int{}}
}

func (r *blockingRunner) Run(ctx context.Context, projectID string, abort <-chan struct{}) error {
	r.mu.Lock()
	r.running[projectID]++
	if r.running[projectID] > 1 {
		r.overlap.Store(true)
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running[projectID]--
		r.mu.Unlock()
		r.finished.Add(1)
	}()
	r.started <- projectID
	select {
	case <-r.release:
		return nil
	case <-abort:
		r.aborted.Add(1)
		return errors.New("aborted")
	case <-ctx.Done():
		return ctx.Err()
	}
}

type countingGauge struct {
	active atomic.Int32
	depth  atomic.Int32
}

func (g *countingGauge) RunStarted()      { g.active.Add(1) }
func (g *countingGauge) RunFinished()     { g.active.Add(-1) }
func (g *countingGauge) QueueDepth(n int) { g.depth.Store(int32(n)) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitStarted(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

func TestSubmitCoalescesDuplicates(t *testing.T) {
	runner := newBlockingRunner()
	q := New(runner, nil, nil, Options{Workers: 2, Size: 4}, discardLogger())
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Submit("p1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStarted(t, runner)
	if err := q.Submit("p1"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if q.Active() != 1 {
		t.Fatalf("expected one active run, got %d", q.Active())
	}
	close(runner.release)
}

func TestSubmitQueueFull(t *testing.T) {
	q := New(newBlockingRunner(), nil, nil, Options{Workers: 1, Size: 1}, discardLogger())

	if err := q.Submit("p1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := q.Submit("p2"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Pending("p2") {
		t.Fatal("rejected job must not be tracked")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	q := New(newBlockingRunner(), nil, nil, Options{Workers: 1, Size: 1}, discardLogger())
	q.Start(context.Background())
	q.Stop()

	if err := q.Submit("p1"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	runner := newBlockingRunner()
	gauge := &countingGauge{}
	q := New(runner, nil, gauge, Options{Workers: 1, Size: 4}, discardLogger())
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Submit("p1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStarted(t, runner)

	done, active := q.Cancel("p1")
	if !active {
		t.Fatal("expected an active run")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after cancel")
	}
	if runner.aborted.Load() != 1 {
		t.Fatalf("expected run to observe abort")
	}
	if q.Pending("p1") {
		t.Fatal("cancelled run still tracked")
	}
	if gauge.active.Load() != 0 {
		t.Fatalf("expected gauge back at zero, got %d", gauge.active.Load())
	}
}

func TestCancelQueuedJobDropsIt(t *testing.T) {
	runner := newBlockingRunner()
	q := New(runner, nil, nil, Options{Workers: 1, Size: 4}, discardLogger())
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Submit("p1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStarted(t, runner)
	if err := q.Submit("p2"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done, active := q.Cancel("p2")
	if !active {
		t.Fatal("expected queued job to count as active")
	}
	select {
	case <-done:
	default:
		t.Fatal("queued job cancel should complete immediately")
	}

	close(runner.release)
	time.Sleep(50 * time.Millisecond)
	if runner.finished.Load() != 1 {
		t.Fatalf("dropped job must not run, finished=%d", runner.finished.Load())
	}
}

func TestCancelUnknownProject(t *testing.T) {
	q := New(newBlockingRunner(), nil, nil, Options{}, discardLogger())
	if _, active := q.Cancel("missing"); active {
		t.Fatal("expected no active run")
	}
}

func TestLockHeldElsewhereSkipsRun(t *testing.T) {
	runner := newBlockingRunner()
	locker := NewMemoryLocker()
	if _, ok, _ := locker.TryLock(context.Background(), "p1", time.Minute); !ok {
		t.Fatal("pre-lock failed")
	}
	q := New(runner, locker, nil, Options{Workers: 1, Size: 4}, discardLogger())
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Submit("p1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for q.Pending("p1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Pending("p1") {
		t.Fatal("job should have been released")
	}
	if runner.finished.Load() != 0 {
		t.Fatal("runner must not execute while another holder owns the lock")
	}
}

func TestAtMostOneRunPerProject(t *testing.T) {
	runner := newBlockingRunner()
	q := New(runner, nil, nil, Options{Workers: 4, Size: 16}, discardLogger())
	q.Start(context.Background())
	defer q.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit("p1")
		}()
	}
	wg.Wait()
	waitStarted(t, runner)
	close(runner.release)
	time.Sleep(20 * time.Millisecond)
	if runner.overlap.Load() {
		t.Fatal("project ran concurrently")
	}
}

func TestStopInterruptsRuns(t *testing.T) {
	runner := newBlockingRunner()
	q := New(runner, nil, nil, Options{Workers: 1, Size: 4}, discardLogger())
	q.Start(context.Background())

	if err := q.Submit("p1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStarted(t, runner)
	q.Stop()
	if runner.finished.Load() != 1 {
		t.Fatal("stop should wait for the interrupted run")
	}
	if runner.aborted.Load() != 0 {
		t.Fatal("stop must not abort runs")
	}
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	token, ok, err := l.TryLock(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "k", time.Minute); ok {
		t.Fatal("second lock should fail")
	}
	if err := l.Refresh(ctx, "k", "wrong", time.Minute); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if err := l.Refresh(ctx, "k", token, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	now = now.Add(2 * time.Minute)
	stolen, ok, _ := l.TryLock(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("expired lease should be reclaimable")
	}
	if err := l.Unlock(ctx, "k", token); !errors.Is(err, ErrLockLost) {
		t.Fatalf("stale token unlock should fail, got %v", err)
	}
	if err := l.Unlock(ctx, "k", stolen); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}
