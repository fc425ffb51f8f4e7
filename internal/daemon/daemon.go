package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"wayfarer/internal/agents"
	"wayfarer/internal/api"
	"wayfarer/internal/config"
	"wayfarer/internal/connections"
	"wayfarer/internal/kv"
	"wayfarer/internal/logging"
	"wayfarer/internal/metrics"
	"wayfarer/internal/notifications"
	"wayfarer/internal/pipeline"
	"wayfarer/internal/progress"
	"wayfarer/internal/router"
	"wayfarer/internal/stage"
	"wayfarer/internal/workflowstate"
)

const shutdownTimeout = 10 * time.Second

// Options overrides the collaborators New would otherwise build from config.
type Options struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    kv.Store
	Agents   map[stage.Name]stage.Agent
	Notifier notifications.Service
	Tracer   trace.Tracer
}

// Daemon owns the workflow engine and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clockwork.Clock
	backend  kv.Store
	store    *workflowstate.Store
	tracker  *progress.Tracker
	conns    *connections.Manager
	router   *router.Router
	notifier notifications.Service
	agents   map[stage.Name]stage.Agent
	metrics  *metrics.Metrics
	exporter http.Handler
	tracer   trace.Tracer

	lockPath string
	lock     *flock.Flock

	mu          sync.Mutex
	coordinator *pipeline.Coordinator
	relay       *pipeline.Relay
	api         *apiServer
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	running atomic.Bool
}

// New wires the engine from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		clock:    clock,
		agents:   opts.Agents,
		notifier: opts.Notifier,
		tracer:   opts.Tracer,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		d.metrics = metrics.MustNew(reg)
		d.exporter = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	d.backend = opts.Store
	if d.backend == nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.OperationTimeout())
		backend, err := kv.Open(ctx, cfg, clock)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
		}
		d.backend = backend
	}
	d.store = workflowstate.NewFromConfig(d.backend, cfg, clock, logger)

	tracker, err := progress.New(progress.OptionsFromConfig(cfg, clock, logger))
	if err != nil {
		_ = d.backend.Close()
		return nil, fmt.Errorf("create tracker: %w", err)
	}
	d.tracker = tracker

	d.conns = connections.New(connections.OptionsFromConfig(cfg, clock, logger, d.metrics))
	d.router = router.New(d.conns, router.OptionsFromConfig(cfg, clock, logger, d.metrics))

	if d.notifier == nil {
		d.notifier = notifications.NewService(cfg)
	}
	if err := d.router.AddRule(notifications.RoutingRule(d.notifier, logger)); err != nil {
		d.tracker.Close()
		_ = d.backend.Close()
		return nil, fmt.Errorf("register notification rule: %w", err)
	}

	if d.agents == nil {
		d.agents = agents.NewFromConfig(cfg, logger)
	}
	return d, nil
}

// Start acquires the lock and brings the engine up: reindex, router and
// connection sweeps, progress relay, run recovery, then the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another wayfarer daemon instance is already running")
	}

	if d.cfg.Store.ReindexOnStart {
		if indexed, err := d.store.Reindex(ctx); err != nil {
			logging.WarnWithContext(d.logger, "workflow reindex failed", "store_reindex_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the state backend; session lookups may miss workflows"),
			)
		} else {
			d.logger.Info("workflow index rebuilt", logging.Int("workflows", indexed))
		}
	}

	coordinator, err := pipeline.New(pipeline.OptionsFromConfig(d.cfg, pipeline.Options{
		Store:     d.store,
		Tracker:   d.tracker,
		Publisher: d.router,
		Agents:    d.agents,
		Clock:     d.clock,
		Logger:    d.logger,
		Metrics:   d.metrics,
		Tracer:    d.tracer,
	}))
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("create coordinator: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.router.Start(runCtx)
	d.conns.Start(runCtx)

	relay := pipeline.NewRelay(d.tracker, d.router, d.logger)
	relay.Start(runCtx)

	if resumed, err := coordinator.Resume(runCtx); err != nil {
		logging.WarnWithContext(d.logger, "resume interrupted workflows failed", "resume_failed",
			logging.Error(err),
			logging.Int("resumed", resumed),
			logging.String(logging.FieldImpact, "interrupted workflows stay processing until the next start"),
		)
	} else if resumed > 0 {
		d.logger.Info("resumed interrupted workflows", logging.Int("count", resumed))
	}

	if interval := d.cfg.Store.CleanupInterval(); interval > 0 {
		d.wg.Add(1)
		go d.cleanupLoop(runCtx, interval)
	}

	srv := newAPIServer(d.cfg.Paths.APIBind, d.handler(coordinator), d.logger)
	if err := srv.start(runCtx); err != nil {
		cancel()
		d.wg.Wait()
		_ = coordinator.Close(context.Background())
		relay.Stop()
		d.router.Stop()
		d.conns.Stop()
		_ = d.lock.Unlock()
		return err
	}

	d.coordinator = coordinator
	d.relay = relay
	d.api = srv
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("wayfarer daemon started",
		logging.String("lock", d.lockPath),
		logging.String("store", d.cfg.Store.Backend),
		logging.String("address", srv.addr()),
	)
	return nil
}

// Stop shuts the engine down in reverse start order and releases the lock.
// Interrupted runs stay processing for the next Start to resume.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.api.stop()
	d.cancel()
	d.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.coordinator.Close(ctx); err != nil {
		logging.WarnWithContext(d.logger, "workflow runs did not stop in time", "coordinator_close_timeout",
			logging.Error(err),
			logging.String(logging.FieldImpact, "some runs may finish after shutdown"),
		)
	}
	d.relay.Stop()
	// Final status envelopes are queued by now; give clients a chance to see them.
	d.router.Drain(ctx)
	d.router.Stop()
	d.conns.Stop()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.api, d.relay, d.coordinator, d.cancel = nil, nil, nil, nil
	d.running.Store(false)
	d.logger.Info("wayfarer daemon stopped")
}

// Close stops the daemon and releases the tracker and state backend.
func (d *Daemon) Close() error {
	d.Stop()
	d.tracker.Close()
	return d.backend.Close()
}

// Addr reports the API listen address, or "" when stopped.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		StoreBackend: d.cfg.Store.Backend,
		Router:       d.router.Stats(),
		Connections:  d.conns.Stats(),
	}

	d.mu.Lock()
	coordinator := d.coordinator
	d.mu.Unlock()
	if coordinator != nil {
		status.Pipeline = coordinator.Health(ctx)
	}

	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.logger.Debug("workflow stats unavailable", logging.Error(err))
	}
	status.Workflows = stats
	return status
}

func (d *Daemon) handler(coordinator *pipeline.Coordinator) http.Handler {
	return api.NewHandler(api.Options{
		Workflows:    coordinator,
		Sessions:     d.store,
		Live:         d.conns,
		Status:       d.Status,
		Metrics:      d.exporter,
		MetricsPath:  d.cfg.Metrics.Path,
		Token:        d.cfg.Paths.APIToken,
		WriteTimeout: d.cfg.Connections.WriteTimeout(),
		SendBuffer:   d.cfg.Connections.SendBuffer,
		Keepalive:    d.cfg.Connections.SSEKeepalive(),
		Logger:       d.logger,
	})
}

func (d *Daemon) cleanupLoop(ctx context.Context, interval time.Duration) {
	defer d.wg.Done()
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			removed, err := d.store.CleanupExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.WarnWithContext(d.logger, "workflow cleanup failed", "store_cleanup_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check the state backend"),
				)
				continue
			}
			if removed > 0 {
				d.logger.Debug("expired workflow entries removed", logging.Int("removed", removed))
			}
		}
	}
}
