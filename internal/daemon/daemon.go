package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/logger"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agents"
	"github.com/harun/conductor/pkg/cron"
	"github.com/harun/conductor/pkg/events"
	"github.com/harun/conductor/pkg/executor"
	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/governor"
	"github.com/harun/conductor/pkg/pipeline"
	"github.com/harun/conductor/pkg/sink"
	"github.com/harun/conductor/pkg/supervisor"
)

// shutdownTimeout bounds how long Stop waits for each component
const shutdownTimeout = 30 * time.Second

// Daemon owns every long-lived component of the orchestrator and starts
// and stops them in dependency order.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core
	governor   *governor.Governor
	executor   executor.Executor
	agents     *agents.Registry
	bus        *events.Bus
	supervisor *supervisor.Supervisor
	catalog    *pipeline.Catalog
	scheduler  *pipeline.Scheduler

	// Services
	watcher       *pipeline.Watcher
	history       *sink.HistoryStore
	redis         *sink.RedisSink
	dispatcher    *sink.Dispatcher
	cronService   *cron.Service
	gatewayServer *gateway.Server

	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New builds every component from cfg. Nothing is started and no port is
// opened until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		opts := tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
			Attributes:  []attribute.KeyValue{attribute.String("conductor.executor_mode", string(cfg.Executor.Mode))},
		}
		if cfg.Tracing.LogSpans {
			spanLog := log.Component("trace")
			opts.SpanLogger = &spanLog
		}
		if err := tracing.InitOpenTelemetry(opts); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without spans")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized")
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize audit logger, using stderr")
		} else {
			log.Debug().Str("path", cfg.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	if err := d.initializeCore(); err != nil {
		d.closePartial()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.closePartial()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, log.GetZerolog())
	return d, nil
}

func (d *Daemon) initializeCore() error {
	cfg := d.config
	base := d.logger.GetZerolog()

	gov, err := governor.New(cfg.Safety, governor.WithObserver(func(s governor.Snapshot) {
		observability.SetRunsInWindow(s.StartsInWindow)
	}))
	if err != nil {
		return fmt.Errorf("safety limits: %w", err)
	}
	d.governor = gov

	exec, err := executor.New(cfg.Executor, base)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	d.executor = exec
	d.logger.Info().Str("mode", string(exec.Mode())).Msg("Executor initialized")

	registry, err := loadAgents(cfg)
	if err != nil {
		return err
	}
	d.agents = registry

	d.bus = events.NewBus(events.WithDropHook(func(evt events.Event) {
		observability.RecordEventDropped(string(evt.Type))
	}))

	supOpts := []supervisor.Option{
		supervisor.WithBus(d.bus),
		supervisor.WithLogger(base),
		supervisor.WithHistorySize(cfg.Supervisor.HistorySize),
		supervisor.WithOutputEvents(cfg.Supervisor.OutputEvents),
	}
	if registry != nil {
		supOpts = append(supOpts, supervisor.WithAgents(registry))
	}
	d.supervisor = supervisor.New(exec, gov, supOpts...)

	var defs []pipeline.Definition
	if cfg.Pipelines.Dir != "" {
		defs, err = pipeline.LoadDir(cfg.Pipelines.Dir)
		if err != nil {
			return err
		}
	}
	catalog, err := pipeline.NewCatalog(defs...)
	if err != nil {
		return err
	}
	d.catalog = catalog
	d.logger.Info().Int("pipelines", catalog.Len()).Msg("Pipeline catalog loaded")

	// The history store doubles as the run store, so it opens before the
	// scheduler.
	if cfg.Sinks.History.Enabled {
		history, err := sink.OpenHistory(cfg.Sinks.History.Path)
		if err != nil {
			return err
		}
		d.history = history
	}

	schedOpts := []pipeline.Option{
		pipeline.WithBus(d.bus),
		pipeline.WithLogger(base),
		pipeline.WithAdmissionRetry(cfg.Pipelines.AdmissionRetries, cfg.Pipelines.AdmissionRetryInterval),
		pipeline.WithRetainedRuns(cfg.Pipelines.RetainRuns),
	}
	if d.history != nil {
		schedOpts = append(schedOpts, pipeline.WithRunStore(d.history))
	}
	d.scheduler = pipeline.NewScheduler(d.supervisor, catalog, schedOpts...)
	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config
	base := d.logger.GetZerolog()

	var sinks []sink.Sink
	if cfg.Sinks.Log.Enabled {
		sinks = append(sinks, sink.NewLogSink(base, cfg.Sinks.Log.IncludeOutput))
	}
	if cfg.Sinks.Redis.Enabled {
		redisSink, err := sink.NewRedisSink(context.Background(), cfg.Sinks.Redis.RedisConfig)
		if err != nil {
			return err
		}
		d.redis = redisSink
		sinks = append(sinks, redisSink)
	}
	if d.history != nil {
		sinks = append(sinks, d.history)
	}
	d.dispatcher = sink.NewDispatcher(d.bus, base, sinks)

	if cfg.Pipelines.Dir != "" && cfg.Pipelines.Watch {
		watcher, err := pipeline.NewWatcher(pipeline.WatcherConfig{
			Dir:     cfg.Pipelines.Dir,
			Catalog: d.catalog,
			Logger:  base,
			OnReload: func(count int, err error) {
				status := "success"
				meta := map[string]interface{}{"count": count}
				if err != nil {
					status = "failure"
					meta["error"] = err.Error()
				}
				observability.GetAuditLogger().Record(context.Background(), observability.AuditEvent{
					Type:     "config",
					Actor:    "pipeline-watcher",
					Action:   "pipelines_reload",
					Status:   status,
					Metadata: meta,
				})
			},
		})
		if err != nil {
			return err
		}
		d.watcher = watcher
	}

	cronService, err := cron.NewService(d.supervisor, d.scheduler, cfg.Schedules, cron.WithLogger(base))
	if err != nil {
		return err
	}
	d.cronService = cronService

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Addr:                  cfg.Gateway.Addr(),
			SharedSecret:          cfg.Gateway.SharedSecret,
			RequestsPerMinute:     cfg.Gateway.RequestsPerMinute,
			MaxConcurrentRequests: cfg.Gateway.MaxConcurrentRequests,
			TickInterval:          cfg.Gateway.TickInterval,
			Sessions:              d.supervisor,
			Pipelines:             d.scheduler,
			Governor:              d.governor,
			Cron:                  d.cronService,
			Bus:                   d.bus,
			Logger:                base,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}
	return nil
}

func loadAgents(cfg *config.Config) (*agents.Registry, error) {
	defs := append([]agents.Definition(nil), cfg.Agents...)
	if cfg.AgentsFile != "" {
		more, err := agents.LoadFile(cfg.AgentsFile)
		if err != nil {
			return nil, err
		}
		defs = append(defs, more...)
	}
	// No definitions means any well-formed agent ref may run.
	if len(defs) == 0 {
		return nil, nil
	}
	registry, err := agents.NewRegistry(defs...)
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}
	return registry, nil
}

// closePartial releases what New opened before failing
func (d *Daemon) closePartial() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.history != nil {
		_ = d.history.Close()
	}
	if d.watcher != nil {
		_ = d.watcher.Stop()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// Start starts every component. A daemon can be started once.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon has been stopped")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Starting Conductor daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.supervisor.Init(ctx); err != nil {
		return fmt.Errorf("failed to start session supervisor: %w", err)
	}

	if err := d.dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start event sinks: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start pipeline watcher, definitions will not reload")
		}
	}

	d.cronService.Start()

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
	}

	observability.RecordConfigAudit(ctx, "daemon_start", "daemon", map[string]interface{}{
		"executor_mode": string(d.executor.Mode()),
		"pipelines":     d.catalog.Len(),
		"schedules":     len(d.config.Schedules),
	})

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop shuts components down in reverse order: intake first, then running
// work, then sinks so the final events are recorded.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.stopped = true
	d.mu.Unlock()

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Stopping Conductor daemon")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	record := func(component string, err error) {
		if err != nil {
			logger.Error().Err(err).Str("component", component).Msg("Failed to stop component")
			errs = append(errs, fmt.Errorf("%s: %w", component, err))
		}
	}

	if d.gatewayServer != nil {
		record("gateway", d.gatewayServer.Stop(shutdownCtx))
	}
	record("cron", d.cronService.Stop(shutdownCtx))
	if d.watcher != nil {
		record("pipeline watcher", d.watcher.Stop())
	}
	record("pipeline scheduler", d.scheduler.Shutdown(shutdownCtx))
	record("session supervisor", d.supervisor.Shutdown(shutdownCtx))
	record("event sinks", d.dispatcher.Stop(shutdownCtx))
	d.bus.Close()

	record("lifecycle", d.lifecycle.Stop())

	if d.tracingEnabled {
		record("tracing", tracing.ShutdownOpenTelemetry(shutdownCtx))
		d.tracingEnabled = false
	}
	record("audit log", observability.GetAuditLogger().Close())

	logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// Status describes the running daemon
type Status struct {
	Running        bool
	Uptime         time.Duration
	StartTime      time.Time
	GatewayAddr    string
	ExecutorMode   executor.Mode
	ActiveSessions int
	Pipelines      int
}

// Status returns a status snapshot
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:        d.running,
		ExecutorMode:   d.executor.Mode(),
		ActiveSessions: d.supervisor.ActiveCount(),
		Pipelines:      d.catalog.Len(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		if d.gatewayServer != nil {
			status.GatewayAddr = d.gatewayServer.Addr()
		}
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Daemon stopped with errors")
	}
}

// GetConfig returns the configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetSupervisor returns the session supervisor
func (d *Daemon) GetSupervisor() *supervisor.Supervisor {
	return d.supervisor
}

// GetScheduler returns the pipeline scheduler
func (d *Daemon) GetScheduler() *pipeline.Scheduler {
	return d.scheduler
}

// GetGovernor returns the safety governor
func (d *Daemon) GetGovernor() *governor.Governor {
	return d.governor
}

// GetCronService returns the cron service
func (d *Daemon) GetCronService() *cron.Service {
	return d.cronService
}

// GetGatewayServer returns the gateway server, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetHistory returns the SQLite history store, nil when disabled
func (d *Daemon) GetHistory() *sink.HistoryStore {
	return d.history
}

// GetBus returns the event bus
func (d *Daemon) GetBus() *events.Bus {
	return d.bus
}
