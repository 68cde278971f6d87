// Package daemon assembles the orchestrator's long-running services and
// enforces single-instance execution through a file lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"chorus/internal/config"
	"chorus/internal/dispatch"
	"chorus/internal/logging"
	"chorus/internal/media"
	"chorus/internal/notifications"
	"chorus/internal/objectstore"
	"chorus/internal/pipeline"
	"chorus/internal/progress"
	"chorus/internal/recovery"
	"chorus/internal/services/llm"
	"chorus/internal/services/whisperx"
	"chorus/internal/services/ytdlp"
	"chorus/internal/speaker"
	"chorus/internal/stages"
	"chorus/internal/store"
)

// Daemon owns the store, the dispatcher, the pipeline coordinator, and the
// recovery monitor.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *store.Store
	objects     *objectstore.Store
	notifier    notifications.Service
	tracker     *progress.Tracker
	dispatcher  *dispatch.Dispatcher
	coordinator *pipeline.Coordinator
	monitor     *recovery.Monitor
	executors   map[store.Stage]stages.Executor
	submitter   *Submitter

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New builds the daemon and all of its collaborators. The caller owns the
// returned daemon and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon: config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	objects, err := objectstore.New(filepath.Join(cfg.Paths.DataDir, "objects"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open object store: %w", err)
	}

	notifier := notifications.NewService(cfg)
	tracker := progress.NewTracker(st, notifier, logger)
	resolver := speaker.NewResolver(st, cfg, logger)
	downloader := ytdlp.NewService(ytdlp.Config{
		Binary:           cfg.Downloader.Binary,
		TimeoutSeconds:   cfg.Downloader.TimeoutSeconds,
		MaxPlaylistItems: cfg.Downloader.MaxPlaylistItems,
	})

	env := &stages.Env{
		Config:  cfg,
		Store:   st,
		Objects: objects,
		Media:   media.NewToolkit("", ""),
		WhisperX: whisperx.NewService(whisperx.Config{
			Model:       cfg.WhisperX.Model,
			CUDAEnabled: cfg.WhisperX.CUDAEnabled,
			HFToken:     cfg.WhisperX.HFToken,
		}),
		LLM: llm.NewClient(llm.Config{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		}),
		Downloader: downloader,
		Resolver:   resolver,
		Tracker:    tracker,
		Notifier:   notifier,
		Logger:     logger,
	}
	executors := stages.All(env)

	dispatcher := dispatch.New(cfg, logger)
	coordinator := pipeline.NewCoordinator(cfg, st, dispatcher, executors, tracker, logger)
	monitor := recovery.NewMonitor(cfg, st, tracker, logger)

	lockPath := filepath.Join(cfg.Paths.DataDir, "chorusd.lock")
	d := &Daemon{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		store:       st,
		objects:     objects,
		notifier:    notifier,
		tracker:     tracker,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		monitor:     monitor,
		executors:   executors,
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
	}
	d.submitter = NewSubmitter(cfg, st, downloader, notifier, logger)
	d.submitter.OnSubmit(coordinator.Kick)
	return d, nil
}

// Start acquires the daemon lock and launches the background loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon: already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another daemon instance holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.dispatcher.Start(runCtx); err != nil {
		d.releaseLock()
		cancel()
		return err
	}
	if err := d.coordinator.Start(runCtx); err != nil {
		d.dispatcher.Stop()
		d.releaseLock()
		cancel()
		return err
	}
	if err := d.monitor.Start(runCtx); err != nil {
		d.coordinator.Stop()
		d.dispatcher.Stop()
		d.releaseLock()
		cancel()
		return err
	}

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.String("db", d.store.Path()))
	return nil
}

// Stop halts the background loops in dependency order and releases the
// lock. Stopping the dispatcher first resolves every in-flight stage
// handle, which lets the coordinator's job goroutines settle.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.monitor.Stop()
	d.dispatcher.Stop()
	d.coordinator.Stop()
	d.releaseLock()
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases its store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// Submitter exposes the submission surface backed by this daemon's store.
func (d *Daemon) Submitter() *Submitter {
	return d.submitter
}

// Store exposes the job store for operational commands.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// PoolStatus reports occupancy for one dispatch pool.
type PoolStatus struct {
	Name      dispatch.Pool
	Size      int
	QueueWait int
}

// Status is a point-in-time summary for operators.
type Status struct {
	Running bool
	Queue   store.HealthSummary
	Stages  []stages.Health
	Pools   []PoolStatus
}

// Status gathers queue counts, per-stage collaborator health, and pool
// occupancy.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	summary, err := d.store.Health(ctx)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Running: d.running.Load(),
		Queue:   summary,
	}
	for _, stage := range store.AllStages() {
		executor, ok := d.executors[stage]
		if !ok {
			continue
		}
		status.Stages = append(status.Stages, executor.HealthCheck(ctx))
	}
	for _, name := range dispatch.AllPools() {
		status.Pools = append(status.Pools, PoolStatus{
			Name:      name,
			Size:      d.dispatcher.Size(name),
			QueueWait: d.dispatcher.QueueDepth(name),
		})
	}
	return status, nil
}

func (d *Daemon) releaseLock() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
}
