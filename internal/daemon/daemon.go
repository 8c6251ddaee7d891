// Package daemon hosts the lane queue in a long-running process together with
// its monitor, health probes, event sinks and HTTP endpoints.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/laneq/internal/config"
	"github.com/harun/laneq/internal/logger"
	"github.com/harun/laneq/internal/metrics"
	"github.com/harun/laneq/internal/observability"
	"github.com/harun/laneq/internal/tracing"
	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/harun/laneq/pkg/eventsink"
	"github.com/harun/laneq/pkg/hooks"
	"github.com/harun/laneq/pkg/probe"
	"golang.org/x/sync/errgroup"
)

// Version is the laneq release, reported by the CLI and on trace resources.
const Version = "0.1.0"

// DefaultShutdownTimeout bounds a signal-triggered shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Status is a snapshot of the daemon's run state.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

// Daemon represents the laneq daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue       *commandqueue.Manager
	monitor     *commandqueue.Monitor
	prober      *probe.Prober
	hookManager *hooks.Manager
	metrics     *metrics.Metrics

	// Event sinks
	broadcaster *eventsink.Broadcaster
	redisSink   *eventsink.RedisSink
	asyncSinks  []*eventsink.Async

	// Internal
	server    *Server
	lifecycle *LifecycleManager
	watcher   *config.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex

	tracer *tracing.Provider
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		provider, err := tracing.Setup(ctx, tracing.Options{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracer = provider
			log.Info().
				Str("service", cfg.Tracing.ServiceName).
				Float64("sample_ratio", cfg.Tracing.SampleRatio).
				Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		d.closeSinks()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, log.GetZerolog())
	if cfg.Server.Enabled {
		d.server = NewServer(cfg.Server.Listen, d.routes(), log.GetZerolog())
	}

	return d, nil
}

// initializeCoreModules initializes all core modules
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Initialize audit logger
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	hookManager, err := newHookManager(d.config.Hooks, zl)
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.hookManager = hookManager
	d.logger.Info().Strs("events", hookManager.Events()).Msg("Hook manager initialized")

	sink, err := d.buildSinks()
	if err != nil {
		return fmt.Errorf("failed to create event sinks: %w", err)
	}

	builder := commandqueue.NewBuilder().
		WithLogger(zl).
		WithEventSink(sink).
		WithSchedulerInterval(d.config.Scheduler.Interval()).
		WithDedupTTL(d.config.Dedup.TTL())
	queue, err := d.config.ApplyLanes(builder).Build()
	if err != nil {
		return fmt.Errorf("failed to build command queue: %w", err)
	}
	d.queue = queue
	d.logger.Info().Int("lanes", len(queue.Lanes())).Msg("Command queue initialized")

	d.metrics = metrics.NewMetrics(queue)

	if d.config.Monitor.Enabled {
		d.monitor = commandqueue.NewMonitor(queue, sink, commandqueue.MonitorOptions{
			Thresholds: d.config.Monitor.Thresholds(),
			Logger:     &zl,
		})
	}

	if d.config.Probes.Enabled {
		prober, err := probe.NewProber(queue, probe.Options{
			Schedule:  d.config.Probes.Schedule,
			Timeout:   d.config.Probes.Timeout(),
			Logger:    &zl,
			OnResults: d.metrics.RecordProbes,
		})
		if err != nil {
			return fmt.Errorf("failed to create prober: %w", err)
		}
		if err := prober.Register(probe.QueueCheck(queue)); err != nil {
			return err
		}
		d.prober = prober
	}

	return nil
}

// WatchConfig reloads monitor thresholds whenever the config file changes.
// Lanes are insert-only and are not reloaded.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	w := config.NewWatcher(loader, d.applyConfig, d.logger.GetZerolog())
	w.OnError(d.metrics.RecordReload)
	if err := w.Start(); err != nil {
		return err
	}
	d.mu.Lock()
	d.watcher = w
	d.mu.Unlock()
	return nil
}

func (d *Daemon) applyConfig(cfg *config.Config) {
	d.metrics.RecordReload(nil)
	if d.monitor != nil {
		d.monitor.SetThresholds(cfg.Monitor.Thresholds())
	}
	if cfg.Logging.Level != "" && cfg.Logging.Level != d.logger.Level().String() {
		if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
			d.logger.Warn().Err(err).Msg("Ignoring reloaded log level")
		} else {
			d.logger.Info().Str("level", cfg.Logging.Level).Msg("Log level changed")
		}
	}
}

// Start starts the daemon service
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

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting laneq daemon")

	// Start lifecycle manager
	if err := d.lifecycle.Start(); err != nil {
		d.setRunning(false)
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.queue.Start(); err != nil {
		d.setRunning(false)
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start command queue: %w", err)
	}
	logger.Info().Msg("Command queue started")

	if d.monitor != nil {
		if err := d.monitor.Start(d.ctx, d.config.Monitor.Interval()); err != nil {
			return fmt.Errorf("failed to start monitor: %w", err)
		}
		logger.Info().Dur("interval", d.config.Monitor.Interval()).Msg("Monitor started")
	}

	if d.prober != nil {
		if err := d.prober.Start(); err != nil {
			return fmt.Errorf("failed to start prober: %w", err)
		}
	}

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	logger.Info().Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) setRunning(running bool) {
	d.mu.Lock()
	d.running = running
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully. In-flight commands get until ctx
// is done to finish.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.stopped = true
	watcher := d.watcher
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping laneq daemon")

	var errs []error

	// Stop HTTP server first so no new stream clients or scrapes arrive
	if d.server != nil {
		if err := d.server.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop HTTP server")
			errs = append(errs, err)
		}
	}

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.prober != nil {
		if err := d.prober.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop prober")
			errs = append(errs, err)
		}
	}

	if d.monitor != nil {
		d.monitor.Stop()
	}

	if err := d.queue.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Command queue did not drain cleanly")
		errs = append(errs, err)
	}
	logger.Info().Msg("Command queue stopped")

	d.cancel()
	d.closeSinks()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	// Close audit logger
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped")

	return errors.Join(errs...)
}

func (d *Daemon) shutdownTracing() {
	if d.tracer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.tracer.Shutdown(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracer = nil
}

// Run starts the daemon and blocks until ctx is cancelled, SIGINT/SIGTERM
// arrives or the HTTP server fails, then stops it. SIGHUP rotates the log file.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(); err != nil {
		if d.Status().Running {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
			defer cancel()
			_ = d.Stop(shutdownCtx)
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.server != nil {
		g.Go(func() error {
			select {
			case err, ok := <-d.server.Err():
				if ok && err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				if err := d.logger.Rotate(); err != nil {
					d.logger.Error().Err(err).Msg("Failed to rotate log file")
					continue
				}
				d.logger.Info().Msg("Log file rotated")
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info().Msg("Shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return d.Stop(shutdownCtx)
	})

	return g.Wait()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetQueue returns the command queue
func (d *Daemon) GetQueue() *commandqueue.Manager {
	return d.queue
}

// GetMonitor returns the lane monitor, nil when disabled
func (d *Daemon) GetMonitor() *commandqueue.Monitor {
	return d.monitor
}

// GetProber returns the health prober, nil when disabled
func (d *Daemon) GetProber() *probe.Prober {
	return d.prober
}

// GetServer returns the HTTP server, nil when disabled
func (d *Daemon) GetServer() *Server {
	return d.server
}
