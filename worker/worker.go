package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/badaitech/chaingraph-go/events"
	"github.com/badaitech/chaingraph-go/flow"
	"github.com/badaitech/chaingraph-go/orchestrator"
	"github.com/badaitech/chaingraph-go/queue"
	"github.com/badaitech/chaingraph-go/store"
)

// Worker consumes the task queue and drives executions through the
// orchestrator until its context is cancelled.
type Worker struct {
	cfg      Config
	store    store.Store
	queue    *queue.Queue
	orch     *orchestrator.Orchestrator
	metrics  *Metrics
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	health   *healthServer
	running  atomic.Int32
	extra    events.Emitter
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the worker logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// WithMetricsRegistry registers collectors on the given registry instead of
// the default one; pass a fresh registry per worker in tests.
func WithMetricsRegistry(reg *prometheus.Registry) WorkerOption {
	return func(w *Worker) {
		w.metrics = NewMetrics(reg)
		w.gatherer = reg
	}
}

// WithEventEmitter tees execution events to an additional emitter (tracing,
// test capture) next to the durable append and the metrics counter.
func WithEventEmitter(em events.Emitter) WorkerOption {
	return func(w *Worker) { w.extra = em }
}

// New assembles a worker over an already-open store. The registry supplies
// the node types the worker can execute; nil uses the process-wide default.
func New(cfg Config, st store.Store, registry *flow.Registry, opts ...WorkerOption) (*Worker, error) {
	if cfg.AppVersion == "" {
		return nil, fmt.Errorf("app version is empty")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is empty")
	}

	w := &Worker{
		cfg:   cfg,
		store: st,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(prometheus.DefaultRegisterer)
		w.gatherer = prometheus.DefaultGatherer
	}

	w.queue = queue.New(st, cfg.AppVersion,
		queue.WithName(cfg.QueueName),
		queue.WithTaskTimeout(cfg.TaskTimeout),
		queue.WithLogger(w.log),
	)

	emitter := w.metrics.Emitter()
	if w.extra != nil {
		emitter = events.MultiEmitter{emitter, w.extra}
	}
	w.orch = orchestrator.New(st, w.queue, registry,
		orchestrator.WithLogger(w.log),
		orchestrator.WithEmitter(emitter),
		orchestrator.WithConfig(orchestrator.Config{
			MaxDepth:          cfg.MaxExecutionDepth,
			RootStartTimeout:  cfg.RootStartTimeout,
			ChildStartTimeout: cfg.ChildStartTimeout,
		}),
	)
	return w, nil
}

// Queue returns the worker's queue handle, shared with producers in
// single-process setups.
func (w *Worker) Queue() *queue.Queue { return w.queue }

// Run serves health and metrics and consumes tasks until ctx is cancelled,
// then drains in-flight executions before returning.
func (w *Worker) Run(ctx context.Context) error {
	log := w.log.With().Str("workerId", w.cfg.WorkerID).Logger()
	log.Info().
		Str("appVersion", w.cfg.AppVersion).
		Str("queue", w.cfg.QueueName).
		Int("concurrency", w.cfg.WorkerConcurrency).
		Msg("worker starting")

	if w.cfg.HealthPort > 0 {
		w.health = newHealthServer(w.cfg.HealthPort, w.cfg.WorkerID, &w.running, w.gatherer, log)
		w.health.start()
		defer w.health.stop(context.Background())
		defer w.health.drain()
	}

	err := w.queue.Consume(ctx, queue.ConsumerConfig{
		WorkerID:          w.cfg.WorkerID,
		WorkerConcurrency: w.cfg.WorkerConcurrency,
		GlobalConcurrency: w.cfg.GlobalConcurrency,
	}, w.handle)
	if err == context.Canceled {
		err = nil
	}
	log.Info().Msg("worker stopped")
	return err
}

// handle wraps the orchestrator with metrics bookkeeping.
func (w *Worker) handle(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	w.metrics.tasksClaimed.Inc()
	if task.Attempt > 0 {
		w.metrics.tasksRecovered.Inc()
	}
	w.running.Add(1)
	w.metrics.runningTasks.Inc()
	start := time.Now()
	defer func() {
		w.running.Add(-1)
		w.metrics.runningTasks.Dec()
		w.metrics.taskDuration.Observe(time.Since(start).Seconds())
	}()

	out, err := w.orch.Run(ctx, task)
	if err != nil {
		w.metrics.tasksCompleted.WithLabelValues("error").Inc()
	} else {
		w.metrics.tasksCompleted.WithLabelValues("success").Inc()
	}
	return out, err
}

// OpenStore opens the store selected by the configuration: Postgres when
// DATABASE_URL is set, the SQLite development file otherwise.
func OpenStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	return store.NewSQLiteStore(cfg.SQLitePath)
}
