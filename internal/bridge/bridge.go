// Package bridge wires presence sources to the tracker and runs the periodic
// flush loop.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// DefaultShutdownTimeout bounds the final flush and backup on Stop.
const DefaultShutdownTimeout = 30 * time.Second

// Config holds bridge configuration.
type Config struct {
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
}

// Tracker is the state the bridge flushes and closes.
type Tracker interface {
	Flush(ctx context.Context) error
	Close()
}

// Source produces presence events.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
}

// Sidecar runs alongside the sources: the API server and backup scheduler.
type Sidecar interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Service defines the bridge service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	log      logrus.FieldLogger
	cfg      Config
	clock    quartz.Clock
	tracker  Tracker
	sources  []Source
	sidecars []Sidecar
	started  []Source
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a new bridge service.
func NewService(log logrus.FieldLogger, cfg Config, clock quartz.Clock, tr Tracker, sources []Source, sidecars ...Sidecar) Service {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &service{
		log:      log.WithField("component", "bridge"),
		cfg:      cfg,
		clock:    clock,
		tracker:  tr,
		sources:  sources,
		sidecars: sidecars,
		done:     make(chan struct{}),
	}
}

// Start launches the sidecars, the sources and the flush loop.
func (s *service) Start(ctx context.Context) error {
	for i, sc := range s.sidecars {
		if err := sc.Start(ctx); err != nil {
			s.stopSidecars(ctx, s.sidecars[:i])
			return fmt.Errorf("failed to start sidecar: %w", err)
		}
	}

	for _, src := range s.sources {
		if err := src.Start(ctx); err != nil {
			s.stopSources()
			s.stopSidecars(ctx, s.sidecars)

			return fmt.Errorf("failed to start presence source: %w", err)
		}

		s.started = append(s.started, src)
	}

	s.wg.Add(1)

	go s.loop(ctx)

	s.log.WithFields(logrus.Fields{
		"sources":        len(s.sources),
		"flush_interval": s.cfg.FlushInterval,
	}).Info("Bridge started")

	return nil
}

// Stop stops the sources, flushes the tracker and stops the sidecars.
func (s *service) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.stopSources()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var result *multierror.Error

	if err := s.tracker.Flush(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to flush tracker: %w", err))
	}

	s.tracker.Close()

	for _, err := range s.stopSidecars(ctx, s.sidecars) {
		result = multierror.Append(result, err)
	}

	s.log.Info("Bridge stopped")

	return result.ErrorOrNil()
}

func (s *service) stopSources() {
	for i := len(s.started) - 1; i >= 0; i-- {
		if err := s.started[i].Stop(); err != nil {
			s.log.WithError(err).Warn("Failed to stop presence source")
		}
	}

	s.started = nil
}

// stopSidecars stops sidecars in reverse start order.
func (s *service) stopSidecars(ctx context.Context, sidecars []Sidecar) []error {
	var errs []error

	for i := len(sidecars) - 1; i >= 0; i-- {
		if err := sidecars[i].Stop(ctx); err != nil {
			s.log.WithError(err).Warn("Failed to stop sidecar")
			errs = append(errs, err)
		}
	}

	return errs
}

// loop runs the periodic flush.
func (s *service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.FlushInterval, "bridge", "flush")
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tracker.Flush(ctx); err != nil {
				s.log.WithError(err).Warn("Flush failed")
			}
		}
	}
}
