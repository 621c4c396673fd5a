// Package interval decides how soon the next discovery cycle runs,
// based on how healthy the connection pool looks.
package interval

import (
	"sync"
	"time"
)

type Config struct {
	Low    time.Duration `envconfig:"INTERVAL_LOW,default=2s"`
	Mid    time.Duration `envconfig:"INTERVAL_MID,default=10s"`
	High   time.Duration `envconfig:"INTERVAL_HIGH,default=30s"`
	WarmUp time.Duration `envconfig:"INTERVAL_WARMUP,default=60s"`
}

type Scheduler struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	started   time.Time
	forcedLow bool
}

func NewScheduler(cfg Config) *Scheduler {
	return newScheduler(cfg, time.Now)
}

func newScheduler(cfg Config, now func() time.Time) *Scheduler {
	return &Scheduler{cfg: cfg, now: now, started: now()}
}

// ForceLow makes the next cycle run at the LOW interval regardless of
// pool state. Called when a connection is lost so the peer is
// rediscovered quickly.
func (s *Scheduler) ForceLow() {
	s.mu.Lock()
	s.forcedLow = true
	s.mu.Unlock()
}

// Next evaluates the interval table against the current pool state and
// consumes any pending ForceLow.
func (s *Scheduler) Next(eventLoops, connections int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forcedLow {
		s.forcedLow = false
		return s.cfg.Low
	}
	return s.calculate(eventLoops, connections)
}

func (s *Scheduler) calculate(eventLoops, connections int) time.Duration {
	switch {
	case s.now().Sub(s.started) < s.cfg.WarmUp:
		return s.cfg.Low
	case eventLoops == 0:
		return s.cfg.Low
	case connections == 0:
		return s.cfg.Low
	case connections < eventLoops:
		return s.cfg.Mid
	default:
		return s.cfg.High
	}
}
