package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/services"
)

// Pool names the resource class a task consumes.
type Pool string

const (
	PoolGPU      Pool = "gpu"
	PoolDownload Pool = "download"
	PoolCPU      Pool = "cpu"
	PoolNLP      Pool = "nlp"
	PoolUtility  Pool = "utility"
)

// AllPools returns the known pool names in display order.
func AllPools() []Pool {
	return []Pool{PoolGPU, PoolDownload, PoolCPU, PoolNLP, PoolUtility}
}

// ErrStopped is returned for submissions after the dispatcher shut down.
var ErrStopped = errors.New("dispatch: dispatcher stopped")

// Task is one unit of stage work bound to a job.
type Task struct {
	JobID string
	Stage string
	Run   func(ctx context.Context) error
}

// Handle lets the submitter wait for a task it queued.
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed when the task finished, failed, or was dropped at
// shutdown.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's outcome. Valid only after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// Wait blocks until the task finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedTask struct {
	task   Task
	handle *Handle
}

type pool struct {
	name  Pool
	slots *semaphore.Weighted
	size  int

	mu      sync.Mutex
	pending []*queuedTask
	wake    chan struct{}
}

// Dispatcher owns the five resource pools and their feeder goroutines.
type Dispatcher struct {
	logger *slog.Logger
	pools  map[Pool]*pool

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}

	mu      sync.Mutex
	started bool
	closing bool
}

// New builds a dispatcher with pool sizes taken from configuration.
func New(cfg *config.Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	sizes := map[Pool]int{
		PoolGPU:      cfg.Pools.GPU,
		PoolDownload: cfg.Pools.Download,
		PoolCPU:      cfg.Pools.CPU,
		PoolNLP:      cfg.Pools.NLP,
		PoolUtility:  cfg.Pools.Utility,
	}

	pools := make(map[Pool]*pool, len(sizes))
	for name, size := range sizes {
		if size < 1 {
			size = 1
		}
		pools[name] = &pool{
			name:  name,
			slots: semaphore.NewWeighted(int64(size)),
			size:  size,
			wake:  make(chan struct{}, 1),
		}
	}

	return &Dispatcher{
		logger:  logging.NewComponentLogger(logger, "dispatch"),
		pools:   pools,
		stopped: make(chan struct{}),
	}
}

// Start launches one feeder goroutine per pool. Calling Start twice is an
// error.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatch: already started")
	}
	d.started = true
	d.runCtx, d.cancel = context.WithCancel(ctx)

	for _, p := range d.pools {
		d.wg.Add(1)
		go d.feed(p)
	}
	return nil
}

// Stop cancels running tasks and waits for the feeders to drain. Queued
// tasks that never started complete with ErrStopped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.closing {
		d.mu.Unlock()
		return
	}
	d.closing = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	for _, p := range d.pools {
		p.mu.Lock()
		for _, queued := range p.pending {
			queued.handle.err = ErrStopped
			close(queued.handle.done)
		}
		p.pending = nil
		p.mu.Unlock()
	}
	close(d.stopped)
}

// Submit queues a task on the named pool and returns immediately. The
// returned handle resolves once the task has run to completion.
func (d *Dispatcher) Submit(poolName Pool, task Task) (*Handle, error) {
	if task.Run == nil {
		return nil, errors.New("dispatch: task has no run function")
	}
	p, ok := d.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown pool %q", poolName)
	}

	d.mu.Lock()
	if !d.started || d.closing {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	d.mu.Unlock()

	queued := &queuedTask{
		task:   task,
		handle: &Handle{done: make(chan struct{})},
	}

	p.mu.Lock()
	p.pending = append(p.pending, queued)
	depth := len(p.pending)
	p.mu.Unlock()

	d.logger.Debug("task queued",
		logging.String(logging.FieldJobID, task.JobID),
		logging.String(logging.FieldStage, task.Stage),
		logging.String(logging.FieldPool, string(poolName)),
		logging.Int("queue_depth", depth))

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return queued.handle, nil
}

// QueueDepth reports the number of tasks waiting for a slot in a pool.
func (d *Dispatcher) QueueDepth(poolName Pool) int {
	p, ok := d.pools[poolName]
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Size reports the slot count of a pool.
func (d *Dispatcher) Size(poolName Pool) int {
	p, ok := d.pools[poolName]
	if !ok {
		return 0
	}
	return p.size
}

// feed pops tasks in FIFO order and starts each once a slot is free. The
// single feeder per pool preserves start order.
func (d *Dispatcher) feed(p *pool) {
	defer d.wg.Done()
	for {
		queued := p.pop()
		if queued == nil {
			select {
			case <-p.wake:
				continue
			case <-d.runCtx.Done():
				return
			}
		}

		if err := p.slots.Acquire(d.runCtx, 1); err != nil {
			// Shutdown: return the task so Stop resolves its handle.
			p.mu.Lock()
			p.pending = append([]*queuedTask{queued}, p.pending...)
			p.mu.Unlock()
			return
		}

		d.wg.Add(1)
		go func(queued *queuedTask) {
			defer d.wg.Done()
			defer p.slots.Release(1)
			d.runTask(p, queued)
		}(queued)
	}
}

func (d *Dispatcher) runTask(p *pool, queued *queuedTask) {
	task := queued.task
	ctx := services.WithJobID(d.runCtx, task.JobID)
	ctx = services.WithStage(ctx, task.Stage)
	ctx = services.WithPool(ctx, string(p.name))

	logger := logging.WithContext(ctx, d.logger)
	logger.Debug("task started")

	err := task.Run(ctx)
	if err != nil {
		logger.Debug("task finished with error", logging.Error(err))
	} else {
		logger.Debug("task finished")
	}

	queued.handle.err = err
	close(queued.handle.done)
}

func (p *pool) pop() *queuedTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	queued := p.pending[0]
	p.pending = p.pending[1:]
	return queued
}
