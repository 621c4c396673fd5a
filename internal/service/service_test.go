package service

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/metalstack/rackd/internal/health"
	"github.com/metalstack/rackd/internal/interval"
	"github.com/metalstack/rackd/internal/models"
	"github.com/metalstack/rackd/internal/pool"
	"github.com/metalstack/rackd/internal/rpc"
)

type fakeHandshaker struct {
	mu    sync.Mutex
	peers []*rpc.Conn
}

func (h *fakeHandshaker) Run(_ context.Context, id models.EventLoopID, _ string) (*rpc.Conn, error) {
	nop := rpc.DispatcherFunc(func(context.Context, *rpc.Conn, string, cbor.RawMessage) (any, error) {
		return nil, nil
	})
	c1, c2 := net.Pipe()
	conn := rpc.NewConn(c1, id, nop)
	peer := rpc.NewConn(c2, "", nop)
	h.mu.Lock()
	h.peers = append(h.peers, peer)
	h.mu.Unlock()
	return conn, nil
}

func (h *fakeHandshaker) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		p.Close()
	}
}

type fakeDiscoverer struct {
	calls atomic.Int64
	m     models.EventLoopMap
}

func (d *fakeDiscoverer) Discover(context.Context) (models.EventLoopMap, error) {
	d.calls.Add(1)
	return d.m, nil
}

type fakeRecorder struct{}

func (fakeRecorder) Add(string) error { return nil }

func newService(t *testing.T, disc pool.Discoverer) (*Service, *pool.Pool) {
	t.Helper()
	hs := &fakeHandshaker{}
	t.Cleanup(hs.closeAll)

	sched := interval.NewScheduler(interval.Config{
		Low: 10 * time.Millisecond, Mid: 20 * time.Millisecond,
		High: 30 * time.Millisecond, WarmUp: time.Nanosecond,
	})
	poolCfg := pool.Config{MaxIdleConnections: 0, MaxConnections: 4, KeepAlive: time.Minute, RegionHTTPPort: 5240}
	p := pool.New(poolCfg, hs, disc, sched, fakeRecorder{})
	checker := health.NewChecker(
		health.Config{Period: time.Minute, PingTimeout: time.Second, PingsPerSecond: 1000}, p)
	return New(p, disc, sched, checker), p
}

func TestRun_ConnectsAndStops(t *testing.T) {
	disc := &fakeDiscoverer{m: models.EventLoopMap{
		"region-a:pid=1": {{IP: netip.MustParseAddr("127.0.0.1"), Port: 5250}},
	}}
	svc, p := newService(t, disc)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	require.Eventually(t, func() bool { return p.ReadyCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	svc.Stop()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	require.Equal(t, 0, p.ReadyCount())

	// the disable path refuses all future reconciliation
	p.Reconcile(context.Background(), disc.m)
	require.Equal(t, 0, p.ReadyCount())
}

func TestRun_NotAdvertisingLeavesPoolAlone(t *testing.T) {
	disc := &fakeDiscoverer{m: nil}
	svc, p := newService(t, disc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return disc.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, p.ReadyCount())

	cancel()
	<-done
}
