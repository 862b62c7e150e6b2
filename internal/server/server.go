// Package server exposes the manager's health over gRPC and its metrics and
// health report over HTTP. There is no secret-serving RPC surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/spounge-ai/polysecret/internal/service"
	"github.com/spounge-ai/polysecret/pkg/patterns/lifecycle"
)

// ServiceName is the gRPC health service that reports NOT_SERVING while any
// secret is overdue for rotation. The empty service reports liveness.
const ServiceName = "polysecret.SecretsManager"

const defaultRefreshInterval = 15 * time.Second

// HealthSource is the manager as seen by the server.
type HealthSource interface {
	GetHealthStatus(ctx context.Context) service.HealthStatus
}

type Config struct {
	GRPCAddr        string
	HTTPAddr        string
	Health          HealthSource
	Gatherer        prometheus.Gatherer
	Clock           clock.Clock
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// Server represents the gRPC health server and the HTTP endpoint.
type Server struct {
	grpcServer *grpc.Server
	healthSrv  *health.Server
	httpServer *http.Server
	grpcLis    net.Listener
	httpLis    net.Listener

	source   HealthSource
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ lifecycle.ManagedResource = (*Server)(nil)

// New binds both listeners so the chosen ports are known before Start.
func New(cfg Config) (*Server, error) {
	if cfg.Health == nil {
		return nil, errors.New("server requires a health source")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.NewRegistry()
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		grpcLis.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr, err)
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer: grpcServer,
		healthSrv:  healthSrv,
		grpcLis:    grpcLis,
		httpLis:    httpLis,
		source:     cfg.Health,
		clock:      cfg.Clock,
		interval:   cfg.RefreshInterval,
		logger:     cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) GRPCAddr() net.Addr { return s.grpcLis.Addr() }
func (s *Server) HTTPAddr() net.Addr { return s.httpLis.Addr() }

// Start serves both endpoints in the background and keeps the gRPC health
// status in step with the manager.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.refresh(runCtx)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.logger.InfoContext(ctx, "gRPC health server listening", "addr", s.grpcLis.Addr().String())
		if err := s.grpcServer.Serve(s.grpcLis); err != nil {
			s.logger.ErrorContext(ctx, "gRPC server stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.logger.InfoContext(ctx, "HTTP server listening", "addr", s.httpLis.Addr().String())
		if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.ErrorContext(ctx, "HTTP server stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.watch(runCtx)
	}()
	return nil
}

func (s *Server) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
			s.refresh(ctx)
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	s.healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if h := s.source.GetHealthStatus(ctx); !h.Healthy {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.healthSrv.SetServingStatus(ServiceName, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.source.GetHealthStatus(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !h.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to write health response", "error", err)
	}
}

// Stop gracefully stops both servers. A server that was never started only
// releases its listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.started, s.cancel = false, nil
	s.mu.Unlock()

	if !started {
		return errors.Join(ignoreClosed(s.grpcLis.Close()), ignoreClosed(s.httpLis.Close()))
	}

	s.logger.InfoContext(ctx, "stopping servers")
	cancel()
	s.healthSrv.Shutdown()

	httpErr := s.httpServer.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	s.wg.Wait()
	s.logger.InfoContext(ctx, "servers stopped")
	return httpErr
}

func (s *Server) Health(ctx context.Context) lifecycle.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return lifecycle.HealthStatus{Message: "not started"}
	}
	return lifecycle.HealthStatus{Ready: true}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
