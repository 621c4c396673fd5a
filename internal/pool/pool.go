// Package pool owns the mapping from event-loop identity to its live
// connections. All mutations of the ready and in-flight sets happen
// under one lock, so a reconciliation is applied as a single atomic
// update: callers of GetClient never observe it half done.
package pool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/metalstack/rackd/internal/models"
	"github.com/metalstack/rackd/internal/rpc"
)

type Config struct {
	MaxIdleConnections int           `envconfig:"POOL_MAX_IDLE_CONNECTIONS,default=2"`
	MaxConnections     int           `envconfig:"POOL_MAX_CONNECTIONS,default=4"`
	KeepAlive          time.Duration `envconfig:"POOL_KEEPALIVE,default=60s"`
	RegionHTTPPort     uint16        `envconfig:"REGION_HTTP_PORT,default=5240"`
}

// Handshaker runs the connect/authenticate/register sequence for one
// endpoint.
type Handshaker interface {
	Run(ctx context.Context, loopID models.EventLoopID, addr string) (*rpc.Conn, error)
}

// Discoverer fetches the live event-loop map.
type Discoverer interface {
	Discover(ctx context.Context) (models.EventLoopMap, error)
}

// IntervalSignaler is poked whenever a connection is lost so the next
// discovery cycle comes sooner.
type IntervalSignaler interface {
	ForceLow()
}

// AddressRecorder persists a proven-reachable region address into the
// rpc-info fallback state.
type AddressRecorder interface {
	Add(url string) error
}

type Pool struct {
	cfg      Config
	hs       Handshaker
	disc     Discoverer
	sched    IntervalSignaler
	recorder AddressRecorder

	flight singleflight.Group

	// parent of every handshake the pool starts on its own (pre-warm,
	// on-demand growth); cancelled by Disable
	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	ready     map[models.EventLoopID][]*rpc.Conn
	trying    map[models.EventLoopID]int
	endpoints models.EventLoopMap
	disabled  bool
	// state key of the last "fully connected" summary, to log it at
	// most once per stable topology
	lastSummary string
}

func New(cfg Config, hs Handshaker, disc Discoverer, sched IntervalSignaler, recorder AddressRecorder) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		hs:       hs,
		disc:     disc,
		sched:    sched,
		recorder: recorder,
		baseCtx:  ctx,
		cancel:   cancel,
		ready:    make(map[models.EventLoopID][]*rpc.Conn),
		trying:   make(map[models.EventLoopID]int),
	}
}

// Reconcile adjusts the actual topology to the desired one: it starts
// a handshake for every newly discovered event loop and disconnects
// every connection to loops no longer advertised. It returns once all
// new handshakes have settled.
func (p *Pool) Reconcile(ctx context.Context, desired models.EventLoopMap) {
	p.mu.Lock()
	if p.disabled {
		p.mu.Unlock()
		return
	}
	p.endpoints = desired

	var toConnect []models.EventLoopID
	for id := range desired {
		if len(p.ready[id]) == 0 && p.trying[id] == 0 {
			toConnect = append(toConnect, id)
			p.trying[id]++
		}
	}
	var toDrop []*rpc.Conn
	for id, conns := range p.ready {
		if _, ok := desired[id]; !ok {
			toDrop = append(toDrop, conns...)
			delete(p.ready, id)
		}
	}
	p.mu.Unlock()

	for _, conn := range toDrop {
		log.Info().Msgf("dropping connection to stale event-loop %s at %s", conn.LoopID(), conn.RemoteAddr())
		conn.Close()
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, id := range toConnect {
		eg.Go(func() error {
			p.connect(ctx, id)
			return nil
		})
	}
	_ = eg.Wait()

	p.logSummary(desired)
}

// connect runs one handshake to the loop's first candidate address and
// registers the result. The trying slot is held for the whole attempt.
func (p *Pool) connect(ctx context.Context, id models.EventLoopID) {
	p.mu.Lock()
	eps := p.endpoints[id]
	p.mu.Unlock()
	if len(eps) == 0 {
		p.dropTrying(id)
		return
	}
	conn, err := p.hs.Run(ctx, id, eps[0].Addr())
	if err != nil {
		p.dropTrying(id)
		return
	}
	p.AddConn(id, conn)
}

func (p *Pool) dropTrying(id models.EventLoopID) {
	p.mu.Lock()
	if p.trying[id] > 0 {
		p.trying[id]--
	}
	if p.trying[id] == 0 {
		delete(p.trying, id)
	}
	p.mu.Unlock()
}

// AddConn moves a freshly ready connection out of the in-flight set
// and into the pool. While the pool-wide ready count is below
// MaxIdleConnections it opportunistically pre-warms one more
// connection to the same loop.
func (p *Pool) AddConn(id models.EventLoopID, conn *rpc.Conn) {
	p.mu.Lock()
	if p.trying[id] > 0 {
		p.trying[id]--
		if p.trying[id] == 0 {
			delete(p.trying, id)
		}
	}
	if p.disabled || len(p.ready[id]) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		conn.Close()
		return
	}
	prewarm := p.readyCount() < p.cfg.MaxIdleConnections &&
		p.trying[id] == 0 &&
		len(p.ready[id])+1 < p.cfg.MaxConnections
	if prewarm {
		p.trying[id]++
	}
	p.ready[id] = append(p.ready[id], conn)
	p.mu.Unlock()

	conn.OnClose(func(c *rpc.Conn) { p.RemoveConn(id, c) })
	p.recordAddress(conn)

	if prewarm {
		go p.connect(p.baseCtx, id)
	}
}

// RemoveConn drops a connection from both the ready and in-flight sets
// and asks for a quick rediscovery. Safe to call twice for the same
// connection.
func (p *Pool) RemoveConn(id models.EventLoopID, conn *rpc.Conn) {
	p.mu.Lock()
	conns := p.ready[id]
	found := false
	for i, c := range conns {
		if c == conn {
			p.ready[id] = append(conns[:i], conns[i+1:]...)
			found = true
			break
		}
	}
	if len(p.ready[id]) == 0 {
		delete(p.ready, id)
	}
	p.mu.Unlock()

	if found {
		conn.Close()
		p.sched.ForceLow()
	}
}

// GetClient picks uniformly at random among ready connections. With
// busyOK false only connections with no call in flight are eligible.
func (p *Pool) GetClient(busyOK bool) (*rpc.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var eligible []*rpc.Conn
	for _, conns := range p.ready {
		for _, c := range conns {
			if busyOK || c.InUse() == 0 {
				eligible = append(eligible, c)
			}
		}
	}
	if len(eligible) == 0 {
		return nil, rpc.ErrNoConnectionsAvailable
	}
	return eligible[rand.IntN(len(eligible))], nil
}

// GetClientNow is GetClient for callers that cannot wait for the next
// scheduled cycle: an empty pool triggers discovery first, and a pool
// where every connection is busy grows by one connection on demand.
func (p *Pool) GetClientNow(ctx context.Context) (*rpc.Conn, error) {
	if conn, err := p.GetClient(false); err == nil {
		return conn, nil
	}
	if p.ReadyCount() == 0 {
		if err := p.Refresh(ctx); err != nil {
			return nil, rpc.ErrNoConnectionsAvailable
		}
		return p.GetClient(false)
	}

	id, addr, ok := p.pickGrowable()
	if !ok {
		// at capacity everywhere; share a busy connection
		return p.GetClient(true)
	}
	p.mu.Lock()
	p.trying[id]++
	p.mu.Unlock()
	conn, err := p.hs.Run(ctx, id, addr)
	if err != nil {
		p.dropTrying(id)
		return p.GetClient(true)
	}
	p.AddConn(id, conn)
	return conn, nil
}

// Refresh runs one discovery and applies its result. Concurrent
// callers coalesce: only one discovery is in flight and a single
// reconciliation serves everyone.
func (p *Pool) Refresh(ctx context.Context) error {
	// shared by every coalesced caller, so the first caller's
	// cancellation must not fail the rest
	refreshCtx := context.WithoutCancel(ctx)
	_, err, _ := p.flight.Do("refresh", func() (any, error) {
		desired, err := p.disc.Discover(refreshCtx)
		if err != nil {
			return nil, err
		}
		if desired == nil {
			return nil, rpc.ErrNoConnectionsAvailable
		}
		p.Reconcile(refreshCtx, desired)
		return nil, nil
	})
	return err
}

// ScaleDown closes redundant connections that have been idle longer
// than the keepalive, never going below one connection per loop nor
// below MaxIdleConnections pool-wide.
func (p *Pool) ScaleDown() {
	now := time.Now()
	p.mu.Lock()
	var victims []*rpc.Conn
	total := p.readyCount()
	for id, conns := range p.ready {
		var kept []*rpc.Conn
		droppedHere := 0
		for _, c := range conns {
			idle := c.InUse() == 0 && now.Sub(c.LastUsed()) > p.cfg.KeepAlive
			// keep at least one connection per loop and stop once the
			// pool is back at its idle target
			if idle && total > p.cfg.MaxIdleConnections && len(conns)-droppedHere > 1 {
				victims = append(victims, c)
				droppedHere++
				total--
				continue
			}
			kept = append(kept, c)
		}
		p.ready[id] = kept
	}
	p.mu.Unlock()
	for _, c := range victims {
		log.Info().Msgf("closing idle connection to %s at %s", c.LoopID(), c.RemoteAddr())
		c.Close()
	}
}

// Disable closes every connection and refuses all future
// reconciliation. Used by the disable-and-shutoff procedure.
func (p *Pool) Disable() {
	p.cancel()
	p.mu.Lock()
	p.disabled = true
	var all []*rpc.Conn
	for _, conns := range p.ready {
		all = append(all, conns...)
	}
	p.ready = make(map[models.EventLoopID][]*rpc.Conn)
	p.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}

// Snapshot returns the current ready connections; the health checker
// probes them without holding any pool state.
func (p *Pool) Snapshot() []*rpc.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []*rpc.Conn
	for _, conns := range p.ready {
		all = append(all, conns...)
	}
	return all
}

// ReadyCount is the number of ready connections pool-wide.
func (p *Pool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyCount()
}

// ConnectedLoops is the number of event loops with at least one ready
// connection; the interval table compares it against the number of
// discovered loops.
func (p *Pool) ConnectedLoops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

func (p *Pool) readyCount() int {
	n := 0
	for _, conns := range p.ready {
		n += len(conns)
	}
	return n
}

// pickGrowable returns a loop that still has headroom for one more
// connection.
func (p *Pool) pickGrowable() (models.EventLoopID, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conns := range p.ready {
		if len(conns)+p.trying[id] < p.cfg.MaxConnections && len(p.endpoints[id]) > 0 {
			return id, p.endpoints[id][0].Addr(), true
		}
	}
	return "", "", false
}

func (p *Pool) recordAddress(conn *rpc.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr())
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprintf("%d", p.cfg.RegionHTTPPort)))
	if err := p.recorder.Add(url); err != nil {
		log.Warn().Err(err).Msg("failed to record reachable region address")
	}
}

// logSummary emits the "fully connected" line once per stable
// topology: every discovered loop on every region host has at least
// one ready connection.
func (p *Pool) logSummary(desired models.EventLoopMap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(desired) == 0 {
		p.lastSummary = ""
		return
	}
	for id := range desired {
		if len(p.ready[id]) == 0 {
			p.lastSummary = ""
			return
		}
	}
	hosts := desired.Hosts()
	key := fmt.Sprintf("%d|%s", len(desired), strings.Join(hosts, ","))
	if key == p.lastSummary {
		return
	}
	p.lastSummary = key
	log.Info().Msgf("fully connected to %d event loops on region hosts %s",
		len(desired), strings.Join(hosts, ", "))
}
