// Package server runs the process's long-lived services: it starts them in
// registration order, waits for a signal or a failure, and stops them in
// reverse order.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const defaultStopTimeout = 15 * time.Second

// Service is a long-running component.
type Service interface {
	// Start blocks until the service is stopped or fails.
	Start() error
	// Stop asks the service to finish, giving up when ctx expires.
	Stop(ctx context.Context)
}

// FuncService adapts a pair of functions to Service.
type FuncService struct {
	StartFn func() error
	StopFn  func(ctx context.Context)
}

func (f *FuncService) Start() error { return f.StartFn() }

func (f *FuncService) Stop(ctx context.Context) { f.StopFn(ctx) }

type entry struct {
	name string
	svc  Service
}

// Lifecycle owns an ordered set of services.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration

	mu      sync.Mutex
	entries []entry
}

// NewLifecycle returns an empty Lifecycle. stopTimeout bounds each
// service's Stop; zero selects 15s.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger, stopTimeout time.Duration) *Lifecycle {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Lifecycle{logger: logger, stopTimeout: stopTimeout}
}

// Add appends svc under name. Services start in the order they are added.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	l.entries = append(l.entries, entry{name: name, svc: svc})
	l.mu.Unlock()
}

// Run starts every service and blocks until SIGINT or SIGTERM arrives,
// ctx is cancelled, or a service returns an error.
//
// Postcondition: every service has been stopped, last-added first. The
// returned error is the first service failure, if any.
func (l *Lifecycle) Run(ctx context.Context) error {
	l.mu.Lock()
	entries := append([]entry(nil), l.entries...)
	l.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	began := time.Now()
	failed := l.startAll(entries)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("signal received", zap.Stringer("signal", sig))
	case runErr = <-failed:
	case <-ctx.Done():
		l.logger.Info("run context done")
	}

	l.stopAll(entries)
	l.logger.Info("lifecycle finished", zap.Duration("uptime", time.Since(began)))
	return runErr
}

// startAll launches each service on its own goroutine. The returned
// channel receives one error per failed service.
func (l *Lifecycle) startAll(entries []entry) <-chan error {
	failed := make(chan error, len(entries))
	for _, e := range entries {
		go func() {
			log := l.logger.With(zap.String("service", e.name))
			log.Info("service starting")
			started := time.Now()
			if err := e.svc.Start(); err != nil {
				log.Error("service failed", zap.Error(err), zap.Duration("ran", time.Since(started)))
				failed <- fmt.Errorf("service %s: %w", e.name, err)
			}
		}()
	}
	l.logger.Info("services launched", zap.Int("count", len(entries)))
	return failed
}

func (l *Lifecycle) stopAll(entries []entry) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		log := l.logger.With(zap.String("service", e.name))
		began := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), l.stopTimeout)
		e.svc.Stop(ctx)
		if ctx.Err() != nil {
			log.Warn("service stop exceeded timeout", zap.Duration("timeout", l.stopTimeout))
		}
		cancel()
		log.Info("service stopped", zap.Duration("elapsed", time.Since(began)))
	}
}
