// Package health serves the standard gRPC health service and reports the
// reachability of the storage backend through it.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name clients may query besides "".
const ServiceName = "vdm.RoomServer"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// Server polls a Pinger and publishes the result over gRPC.
type Server struct {
	addr     string
	pinger   Pinger
	interval time.Duration
	logger   *zap.Logger

	hs   *grpchealth.Server
	grpc *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	lastErr  error
	quit     chan struct{}
	stopOnce sync.Once
}

// New creates a Server listening on addr that polls pinger every interval.
//
// Precondition: pinger and logger must be non-nil; interval must be positive.
func New(addr string, pinger Pinger, interval time.Duration, logger *zap.Logger) *Server {
	hs := grpchealth.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{
		addr:     addr,
		pinger:   pinger,
		interval: interval,
		logger:   logger,
		hs:       hs,
		grpc:     gs,
		quit:     make(chan struct{}),
	}
}

// Poll checks the Pinger once and updates the published status.
//
// Postcondition: Returns the Pinger's error, nil when healthy.
func (s *Server) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	err := s.pinger.Health(ctx)

	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(ServiceName, status)

	s.mu.Lock()
	changed := (err == nil) != (s.lastErr == nil)
	s.lastErr = err
	s.mu.Unlock()
	if changed {
		if err != nil {
			s.logger.Warn("storage unhealthy", zap.Error(err))
		} else {
			s.logger.Info("storage healthy")
		}
	}
	return err
}

// Healthy returns the result of the last poll.
func (s *Server) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start polls once, then serves gRPC until Stop.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	_ = s.Poll(context.Background())
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	go s.pollLoop()

	s.logger.Info("health service listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

func (s *Server) pollLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			_ = s.Poll(context.Background())
		}
	}
}

// Stop marks every service NOT_SERVING and stops the gRPC server, waiting
// for in-flight checks until ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpc.Stop()
		}
	})
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
