package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/harun/laneq/pkg/probe"
	"github.com/rs/zerolog"
)

// Health is the body of GET /healthz.
type Health struct {
	Status        string                  `json:"status" yaml:"status"`
	PID           int                     `json:"pid" yaml:"pid"`
	StartedAt     time.Time               `json:"started_at" yaml:"started_at"`
	Uptime        string                  `json:"uptime" yaml:"uptime"`
	StreamClients int                     `json:"stream_clients" yaml:"stream_clients"`
	DroppedEvents uint64                  `json:"dropped_events" yaml:"dropped_events"`
	Probes        []probe.Result          `json:"probes,omitempty" yaml:"probes,omitempty"`
	Queue         commandqueue.QueueStats `json:"queue" yaml:"queue"`
}

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// Server serves health, metrics and the event stream over HTTP.
type Server struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	logger   zerolog.Logger
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		errCh:  make(chan error, 1),
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Start binds the listener synchronously so address errors surface here,
// then serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = listener

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting HTTP server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
			s.errCh <- err
		}
		close(s.errCh)
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Err delivers a serve failure; it closes when the server stops.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealth)
	metricsHandler := d.metrics.Handler()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if d.broadcaster != nil {
			d.metrics.StreamClients.Set(float64(d.broadcaster.Count()))
		}
		metricsHandler.ServeHTTP(w, r)
	})
	if d.broadcaster != nil {
		mux.Handle("/events", d.broadcaster)
	}
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := d.Health()
	code := http.StatusOK
	if health.Status != healthOK {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to write health response")
	}
}

// Health reports queue stats, probe results and sink counters.
func (d *Daemon) Health() Health {
	status := d.Status()
	health := Health{
		Status:    healthOK,
		PID:       os.Getpid(),
		StartedAt: status.StartTime,
		Uptime:    status.Uptime.Round(time.Second).String(),
		Queue:     d.queue.Stats(),
	}
	if d.prober != nil {
		health.Probes = d.prober.Results()
		if !d.prober.Healthy() {
			health.Status = healthDegraded
		}
	}
	if d.broadcaster != nil {
		health.StreamClients = d.broadcaster.Count()
	}
	for _, a := range d.asyncSinks {
		health.DroppedEvents += a.Dropped()
	}
	if d.queue.State() != commandqueue.SchedulerRunning {
		health.Status = healthDegraded
	}
	return health
}
