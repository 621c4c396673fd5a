// Package health periodically probes every ready connection with a
// no-op call and force-closes the ones that stop answering, which
// funnels them into the pool's normal removal path.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/metalstack/rackd/internal/rpc"
)

type Config struct {
	Period      time.Duration `envconfig:"HEALTH_PERIOD,default=30s"`
	PingTimeout time.Duration `envconfig:"HEALTH_PING_TIMEOUT,default=5s"`
	// PingsPerSecond paces the probe burst on large pools.
	PingsPerSecond float64 `envconfig:"HEALTH_PINGS_PER_SECOND,default=20"`
}

// ConnSource yields the connections to probe; the pool implements it.
type ConnSource interface {
	Snapshot() []*rpc.Conn
}

type Checker struct {
	cfg     Config
	source  ConnSource
	limiter *rate.Limiter
}

func NewChecker(cfg Config, source ConnSource) *Checker {
	return &Checker{
		cfg:     cfg,
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(cfg.PingsPerSecond), 1),
	}
}

// Run blocks until ctx is cancelled, probing on a fixed period.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every known connection once. A pool with no known
// peers needs no action.
func (c *Checker) CheckAll(ctx context.Context) {
	conns := c.source.Snapshot()
	for _, conn := range conns {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.check(ctx, conn)
	}
}

func (c *Checker) check(ctx context.Context, conn *rpc.Conn) {
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		log.Info().Msgf("health check of event-loop %s at %s failed: %v",
			conn.LoopID(), conn.RemoteAddr(), err)
		conn.Close()
	}
}
