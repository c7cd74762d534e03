// Package orchestrator assembles relay's components from configuration
// and routes settled child tasks back to the pipeline or worker pool that
// owns them.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/relay/internal/config"
	"github.com/Iron-Ham/relay/internal/detect"
	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/metrics"
	"github.com/Iron-Ham/relay/internal/pipeline"
	"github.com/Iron-Ham/relay/internal/pool"
	"github.com/Iron-Ham/relay/internal/prompt"
	"github.com/Iron-Ham/relay/internal/queue"
	"github.com/Iron-Ham/relay/internal/spawn"
	"github.com/Iron-Ham/relay/internal/status"
	"github.com/Iron-Ham/relay/internal/store"
	"github.com/Iron-Ham/relay/internal/task"
)

// shutdownTimeout bounds the HTTP server drain in Run.
const shutdownTimeout = 5 * time.Second

// Orchestrator owns one instance of every relay component.
type Orchestrator struct {
	cfg     *config.Config
	dataDir string
	logger  *logging.Logger

	bus       *event.Bus
	store     *store.FileStore
	tasks     *task.Manager
	layout    status.Layout
	spawner   spawn.Spawner
	queue     *queue.Processor
	pipelines *pipeline.Manager
	pools     *pool.Manager
	metrics   *metrics.Metrics

	subscriptions []string
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger      *logging.Logger
	spawner     spawn.Spawner
	binary      string
	taskOptions []task.ManagerOption
}

// WithLogger sets the logger shared by all components.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSpawner replaces the configured worker backend.
func WithSpawner(s spawn.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithBinary sets the CLI name workers are told to call when reporting.
func WithBinary(path string) Option {
	return func(o *options) { o.binary = path }
}

// WithTaskOptions appends options to the task manager's construction.
func WithTaskOptions(opts ...task.ManagerOption) Option {
	return func(o *options) { o.taskOptions = append(o.taskOptions, opts...) }
}

// New builds every component from cfg and wires the event subscriptions.
// Nothing runs in the background until Run is called.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	dataDir := cfg.Paths.ResolveDataDir()
	bus := event.NewBus(event.WithLogger(logger.WithComponent("event-bus")))

	st, err := store.Open(dataDir, store.WithLogger(logger.WithComponent("store")))
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	taskOpts := []task.ManagerOption{
		task.WithEventBus(bus),
		task.WithLogger(logger),
		task.WithDefaultMaxRetries(cfg.Queue.MaxRetries),
		task.WithDefaultTimeout(cfg.Queue.DefaultTimeout()),
	}
	tasks := task.NewManager(st, append(taskOpts, o.taskOptions...)...)

	layout := status.NewLayout(dataDir)
	spawner := o.spawner
	if spawner == nil {
		builder := prompt.NewBuilder(prompt.WithBinary(o.binary))
		spawner, err = spawn.New(cfg.Spawn.Backend, spawn.Config{
			Command:    cfg.Spawn.Command,
			Args:       cfg.Spawn.Args,
			Layout:     layout,
			Prompt:     builder.Build,
			Logger:     logger,
			TmuxWidth:  cfg.Spawn.TmuxWidth,
			TmuxHeight: cfg.Spawn.TmuxHeight,
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.Queue.SpawnRatePerSecond > 0 {
		spawner = spawn.NewRateLimited(spawner, cfg.Queue.SpawnRatePerSecond, cfg.Queue.SpawnBurst)
	}

	inspector := detect.NewInspector(layout,
		detect.Policy{CompletionKeywords: cfg.Detector.CompletionKeywords},
		detect.ScanOptions{
			Patterns:   cfg.Detector.RelevantPatterns,
			IgnoreDirs: cfg.Detector.IgnoreDirs,
			MaxFiles:   cfg.Detector.MaxScanFiles,
		},
		logger,
	)

	orc := &Orchestrator{
		cfg:     cfg,
		dataDir: dataDir,
		logger:  logger.WithComponent("orchestrator"),
		bus:     bus,
		store:   st,
		tasks:   tasks,
		layout:  layout,
		spawner: spawner,
		metrics: metrics.New(nil),
	}

	orc.queue = queue.NewProcessor(tasks, spawner, inspector,
		queue.WithMaxConcurrent(cfg.Queue.MaxConcurrentTasks),
		queue.WithInterval(cfg.Queue.Interval()),
		queue.WithGracePeriod(cfg.Detector.GracePeriod()),
		queue.WithTrackerCheck(orc.checkTracker),
		queue.WithEventBus(bus),
		queue.WithLogger(logger),
	)

	stopper, _ := spawner.(spawn.Stopper)
	orc.pipelines = pipeline.NewManager(tasks, orc.queue,
		pipeline.WithEventBus(bus),
		pipeline.WithLogger(logger),
		pipeline.WithMaxAgentsPerStep(cfg.Pipeline.MaxAgentsPerStep),
		pipeline.WithStopper(stopper),
	)
	orc.pools = pool.NewManager(tasks, orc.queue,
		pool.WithEventBus(bus),
		pool.WithLogger(logger),
		pool.WithMaxWorkers(cfg.Pool.MaxWorkers),
		pool.WithStopper(stopper),
	)

	orc.subscriptions = append(orc.subscriptions,
		bus.Subscribe(event.TypeTaskTerminal, orc.routeTerminal),
		orc.metrics.Subscribe(bus),
	)
	return orc, nil
}

// Config returns the configuration the orchestrator was built from.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// DataDir returns the resolved data directory.
func (o *Orchestrator) DataDir() string { return o.dataDir }

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *logging.Logger { return o.logger }

// Bus returns the event bus.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Tasks returns the task manager.
func (o *Orchestrator) Tasks() *task.Manager { return o.tasks }

// Layout returns the status directory layout.
func (o *Orchestrator) Layout() status.Layout { return o.layout }

// Queue returns the queue processor.
func (o *Orchestrator) Queue() *queue.Processor { return o.queue }

// Pipelines returns the pipeline manager.
func (o *Orchestrator) Pipelines() *pipeline.Manager { return o.pipelines }

// Pools returns the worker pool manager.
func (o *Orchestrator) Pools() *pool.Manager { return o.pools }

// Metrics returns the Prometheus collectors.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// Close drops the orchestrator's event subscriptions. It does not stop a
// running loop; cancel Run's context for that.
func (o *Orchestrator) Close() {
	for _, id := range o.subscriptions {
		o.bus.Unsubscribe(id)
	}
	o.subscriptions = nil
}

// Run starts the queue loop, the done-marker watcher and, when an address
// is configured, the metrics server. It blocks until ctx is done or the
// server fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	watcher, err := status.NewWatcher(o.layout, o.workerReported, o.logger)
	if err != nil {
		return fmt.Errorf("create status watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start status watcher: %w", err)
	}
	defer watcher.Stop()

	o.queue.Start(ctx)
	defer o.queue.Stop()

	var srv *metrics.Server
	errCh := make(chan error, 1)
	if addr := o.cfg.Metrics.Addr; addr != "" {
		srv = metrics.NewServer(addr, o.metrics, o.queue.Status, o.logger)
		go func() { errCh <- srv.Start() }()
	}

	o.logger.Info("relay running", "data_dir", o.dataDir, "metrics_addr", o.cfg.Metrics.Addr)
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	return nil
}

// Cancel cancels a task of any kind. Pipelines and pools take their
// unsettled children with them; a plain task's worker is stopped.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*task.Task, error) {
	t, err := o.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Kind {
	case task.KindPipeline:
		return o.pipelines.Cancel(ctx, id, reason)
	case task.KindPool:
		return o.pools.Cancel(ctx, id, reason)
	}

	cancelled, err := o.tasks.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if stopper, ok := o.spawner.(spawn.Stopper); ok && !t.Handle.IsZero() {
		if err := stopper.Stop(t.Handle); err != nil {
			o.logger.WithTask(id).Warn("stop worker failed", "error", err)
		}
	}
	return cancelled, nil
}

// checkTracker is the queue's sweep hook for pipeline and pool trackers.
func (o *Orchestrator) checkTracker(ctx context.Context, tracker *task.Task) error {
	switch tracker.Kind {
	case task.KindPipeline:
		return o.pipelines.CheckTracker(ctx, tracker)
	case task.KindPool:
		return o.pools.CheckTracker(ctx, tracker)
	}
	return nil
}

// routeTerminal re-evaluates the parent of a child that just settled. It
// runs on the publisher's goroutine, so it never takes the queue lock.
func (o *Orchestrator) routeTerminal(e event.Event) {
	ev, ok := e.(event.TaskTerminalEvent)
	if !ok || ev.ParentTaskID == "" {
		return
	}
	ctx := context.Background()
	logger := o.logger.WithTask(ev.TaskID).With("parent_task_id", ev.ParentTaskID)

	parent, err := o.tasks.Get(ctx, ev.ParentTaskID)
	if err != nil {
		logger.Warn("parent of settled task not found", "error", err)
		return
	}
	if parent.Status.IsTerminal() {
		return
	}

	switch parent.Kind {
	case task.KindPipeline:
		child, err := o.tasks.Get(ctx, ev.TaskID)
		if err != nil {
			logger.Warn("settled pipeline child not found", "error", err)
			return
		}
		if child.StepID == "" {
			return
		}
		if _, err := o.pipelines.CheckStepCompletion(ctx, parent.ID, child.StepID); err != nil {
			logFailure(logger, "step completion check failed", err, "step", child.StepID)
		}
	case task.KindPool:
		if _, err := o.pools.CheckWorkerPoolCompletion(ctx, parent.ID); err != nil {
			logFailure(logger, "worker pool completion check failed", err)
		}
	}
}

// logFailure logs err at the level its severity calls for.
func logFailure(logger *logging.Logger, msg string, err error, args ...any) {
	args = append(args, "error", err)
	if errors.GetSeverity(err) < errors.SeverityError {
		logger.Warn(msg, args...)
		return
	}
	logger.Error(msg, args...)
}

// workerReported runs on the status watcher goroutine.
func (o *Orchestrator) workerReported(taskID string) {
	o.bus.Publish(event.NewWorkerReportedEvent(taskID, filepath.Join(o.layout.Dir(taskID), status.DoneFile)))
	o.queue.Nudge()
}
