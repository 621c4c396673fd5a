// Package service runs the rack's region-transport control loop: the
// discovery timer, reconciliation, idle scale-down and the health
// checker live here, under one cancellation tree.
package service

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalstack/rackd/internal/health"
	"github.com/metalstack/rackd/internal/interval"
	"github.com/metalstack/rackd/internal/models"
	"github.com/metalstack/rackd/internal/pool"
)

type Service struct {
	pool    *pool.Pool
	disc    pool.Discoverer
	sched   *interval.Scheduler
	checker *health.Checker

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(p *pool.Pool, disc pool.Discoverer, sched *interval.Scheduler, checker *health.Checker) *Service {
	return &Service{
		pool:    p,
		disc:    disc,
		sched:   sched,
		checker: checker,
		stopped: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()

	go s.checker.Run(ctx)

	for {
		desired := s.cycle(ctx)
		next := s.sched.Next(len(desired), s.pool.ConnectedLoops())
		select {
		case <-ctx.Done():
			log.Info().Msg("region transport service stopping")
			return ctx.Err()
		case <-time.After(withJitter(next)):
		}
	}
}

// cycle runs one discovery and reconciliation pass and returns the
// discovered map (nil when discovery failed everywhere).
func (s *Service) cycle(ctx context.Context) models.EventLoopMap {
	desired, err := s.disc.Discover(ctx)
	if err != nil {
		log.Info().Msgf("discovery cycle produced nothing: %v", err)
		return nil
	}
	if desired == nil {
		// regions reached but not advertising yet; leave pool alone
		return nil
	}
	s.pool.Reconcile(ctx, desired)
	s.pool.ScaleDown()
	return desired
}

// Stop is the disable-and-shutoff path: it cancels every in-flight
// operation and refuses all future reconciliation.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.pool.Disable()
		close(s.stopped)
	})
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Uint64N(uint64(d/10+1)))
}
