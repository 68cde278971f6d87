package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chorus/internal/dispatch"
	"chorus/internal/testsupport"
)

func newDispatcher(t *testing.T, opts ...testsupport.ConfigOption) *dispatch.Dispatcher {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	d := dispatch.New(cfg, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func waitTask(jobID string, release <-chan struct{}, started chan<- string) dispatch.Task {
	return dispatch.Task{
		JobID: jobID,
		Stage: "stage",
		Run: func(ctx context.Context) error {
			if started != nil {
				started <- jobID
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func TestSubmitReturnsWithoutBlocking(t *testing.T) {
	d := newDispatcher(t, testsupport.WithPoolSizes(1, 1, 1, 1, 1))

	release := make(chan struct{})
	defer close(release)

	// Fill the single gpu slot, then verify further submissions queue
	// without blocking the caller.
	if _, err := d.Submit(dispatch.PoolGPU, waitTask("job-1", release, nil)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if _, err := d.Submit(dispatch.PoolGPU, waitTask("job-n", release, nil)); err != nil {
				t.Errorf("Submit failed: %v", err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked while the pool was saturated")
	}
}

func TestPoolsAreIsolated(t *testing.T) {
	d := newDispatcher(t, testsupport.WithPoolSizes(1, 1, 1, 1, 1))

	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 4)

	// Saturate the gpu pool: one task holds the slot, one waits.
	if _, err := d.Submit(dispatch.PoolGPU, waitTask("gpu-running", release, started)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("gpu task never started")
	}
	if _, err := d.Submit(dispatch.PoolGPU, waitTask("gpu-queued", release, started)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// A utility task must still run while gpu is backed up.
	handle, err := d.Submit(dispatch.PoolUtility, dispatch.Task{
		JobID: "utility-job",
		Stage: "stage",
		Run:   func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := handle.Wait(waitCtx); err != nil {
		t.Fatalf("utility task should run despite gpu backlog: %v", err)
	}
}

func TestTasksStartInSubmissionOrder(t *testing.T) {
	d := newDispatcher(t, testsupport.WithPoolSizes(1, 1, 1, 1, 1))

	started := make(chan string, 5)
	var mu sync.Mutex
	var order []string

	handles := make([]*dispatch.Handle, 0, 5)
	for _, jobID := range []string{"a", "b", "c", "d", "e"} {
		jobID := jobID
		handle, err := d.Submit(dispatch.PoolCPU, dispatch.Task{
			JobID: jobID,
			Stage: "stage",
			Run: func(ctx context.Context) error {
				mu.Lock()
				order = append(order, jobID)
				mu.Unlock()
				started <- jobID
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		handles = append(handles, handle)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, handle := range handles {
		if err := handle.Wait(waitCtx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d", "e"}
	for i, jobID := range want {
		if order[i] != jobID {
			t.Fatalf("tasks started out of order: got %v, want %v", order, want)
		}
	}
}

func TestStopResolvesQueuedTasksWithErrStopped(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPoolSizes(1, 1, 1, 1, 1))
	d := dispatch.New(cfg, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	started := make(chan string, 1)
	blocker := make(chan struct{})
	if _, err := d.Submit(dispatch.PoolGPU, waitTask("running", blocker, started)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}

	queued, err := d.Submit(dispatch.PoolGPU, waitTask("queued", blocker, nil))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	d.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := queued.Wait(waitCtx); !errors.Is(err, dispatch.ErrStopped) {
		t.Fatalf("expected ErrStopped for the queued task, got %v", err)
	}

	if _, err := d.Submit(dispatch.PoolGPU, waitTask("late", blocker, nil)); !errors.Is(err, dispatch.ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
	close(blocker)
}
