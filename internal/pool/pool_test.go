package pool

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/metalstack/rackd/internal/models"
	"github.com/metalstack/rackd/internal/rpc"
)

var (
	loopA = models.EventLoopID("region-a:pid=1")
	loopB = models.EventLoopID("region-a:pid=2")
	loopC = models.EventLoopID("region-b:pid=1")
)

func endpointsFor(ids ...models.EventLoopID) models.EventLoopMap {
	m := make(models.EventLoopMap, len(ids))
	port := uint16(5250)
	for _, id := range ids {
		m[id] = []models.Endpoint{{IP: netip.MustParseAddr("127.0.0.1"), Port: port}}
		port++
	}
	return m
}

type fakeHandshaker struct {
	mu       sync.Mutex
	attempts map[models.EventLoopID]int
	fail     bool
	peers    []*rpc.Conn
}

func newFakeHandshaker() *fakeHandshaker {
	return &fakeHandshaker{attempts: make(map[models.EventLoopID]int)}
}

func (h *fakeHandshaker) Run(_ context.Context, id models.EventLoopID, _ string) (*rpc.Conn, error) {
	h.mu.Lock()
	h.attempts[id]++
	fail := h.fail
	h.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return h.newConn(id), nil
}

func (h *fakeHandshaker) newConn(id models.EventLoopID) *rpc.Conn {
	c1, c2 := net.Pipe()
	nop := rpc.DispatcherFunc(func(context.Context, *rpc.Conn, string, cbor.RawMessage) (any, error) {
		return nil, nil
	})
	conn := rpc.NewConn(c1, id, nop)
	peer := rpc.NewConn(c2, "", nop)
	h.mu.Lock()
	h.peers = append(h.peers, peer)
	h.mu.Unlock()
	return conn
}

func (h *fakeHandshaker) attemptsFor(id models.EventLoopID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[id]
}

func (h *fakeHandshaker) totalAttempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.attempts {
		n += c
	}
	return n
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
	delay time.Duration
	m     models.EventLoopMap
	err   error
}

func (d *fakeDiscoverer) Discover(ctx context.Context) (models.EventLoopMap, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.m, d.err
}

type fakeSignaler struct{ forced atomic.Int64 }

func (s *fakeSignaler) ForceLow() { s.forced.Add(1) }

type fakeRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (r *fakeRecorder) Add(url string) error {
	r.mu.Lock()
	r.urls = append(r.urls, url)
	r.mu.Unlock()
	return nil
}

func newTestPool(t *testing.T, cfg Config, hs *fakeHandshaker, disc Discoverer) (*Pool, *fakeSignaler) {
	t.Helper()
	sig := &fakeSignaler{}
	p := New(cfg, hs, disc, sig, &fakeRecorder{})
	t.Cleanup(hs.closeAll)
	t.Cleanup(p.Disable)
	return p, sig
}

func baseConfig() Config {
	return Config{MaxIdleConnections: 0, MaxConnections: 4, KeepAlive: time.Minute, RegionHTTPPort: 5240}
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	old := log.Logger
	log.Logger = zerolog.New(buf)
	t.Cleanup(func() { log.Logger = old })
	return buf
}

func TestReconcile_Idempotent(t *testing.T) {
	buf := captureLog(t)
	hs := newFakeHandshaker()
	p, _ := newTestPool(t, baseConfig(), hs, &fakeDiscoverer{})
	desired := endpointsFor(loopA, loopB, loopC)

	p.Reconcile(context.Background(), desired)
	require.Equal(t, 3, p.ReadyCount())
	require.Equal(t, 3, hs.totalAttempts())
	require.Equal(t, 1, strings.Count(buf.String(), "fully connected"))

	// identical input: no new connects, no disconnects, no repeat log
	p.Reconcile(context.Background(), desired)
	require.Equal(t, 3, p.ReadyCount())
	require.Equal(t, 3, hs.totalAttempts())
	require.Equal(t, 1, strings.Count(buf.String(), "fully connected"))
}

func TestReconcile_DropsStaleLoops(t *testing.T) {
	hs := newFakeHandshaker()
	p, sig := newTestPool(t, baseConfig(), hs, &fakeDiscoverer{})

	p.Reconcile(context.Background(), endpointsFor(loopA, loopB))
	require.Equal(t, 2, p.ReadyCount())

	p.Reconcile(context.Background(), endpointsFor(loopA))
	require.Equal(t, 1, p.ReadyCount())
	require.Equal(t, 1, p.ConnectedLoops())
	// an intended drop is not a lost connection
	require.EqualValues(t, 0, sig.forced.Load())
}

func TestReconcile_ConnectFailureLeavesPoolEmpty(t *testing.T) {
	hs := newFakeHandshaker()
	hs.fail = true
	p, _ := newTestPool(t, baseConfig(), hs, &fakeDiscoverer{})

	p.Reconcile(context.Background(), endpointsFor(loopA))
	require.Equal(t, 0, p.ReadyCount())

	// the failed attempt released its in-flight slot: retried next cycle
	p.Reconcile(context.Background(), endpointsFor(loopA))
	require.Equal(t, 2, hs.attemptsFor(loopA))
}

func TestAddConn_PrewarmsExactlyOne(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIdleConnections = 2
	hs := newFakeHandshaker()
	p, _ := newTestPool(t, cfg, hs, &fakeDiscoverer{})

	p.mu.Lock()
	p.endpoints = endpointsFor(loopA)
	p.ready[loopA] = []*rpc.Conn{hs.newConn(loopA)}
	p.mu.Unlock()

	p.AddConn(loopA, hs.newConn(loopA))

	require.Eventually(t, func() bool { return hs.attemptsFor(loopA) == 1 }, time.Second, 10*time.Millisecond)
	// and the chain stops there: the pre-warmed connection sees a full
	// enough pool and does not spawn another
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, hs.attemptsFor(loopA))
	require.Equal(t, 3, p.ReadyCount())
}

func TestRemoveConn_ForcesLowInterval(t *testing.T) {
	hs := newFakeHandshaker()
	p, sig := newTestPool(t, baseConfig(), hs, &fakeDiscoverer{})

	p.Reconcile(context.Background(), endpointsFor(loopA))
	require.Equal(t, 1, p.ReadyCount())

	conn, err := p.GetClient(false)
	require.NoError(t, err)
	p.RemoveConn(loopA, conn)

	require.Equal(t, 0, p.ReadyCount())
	require.EqualValues(t, 1, sig.forced.Load())

	// removing it again is harmless
	p.RemoveConn(loopA, conn)
	require.EqualValues(t, 1, sig.forced.Load())
}

func TestTransportClosureRunsRemovalPath(t *testing.T) {
	hs := newFakeHandshaker()
	p, sig := newTestPool(t, baseConfig(), hs, &fakeDiscoverer{})

	p.Reconcile(context.Background(), endpointsFor(loopA))
	conn, err := p.GetClient(false)
	require.NoError(t, err)

	// peer closes the transport; the pool notices via the close hook
	conn.Close()
	require.Eventually(t, func() bool { return p.ReadyCount() == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sig.forced.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestAddConn_ClosedDuringHandoffIsEvicted(t *testing.T) {
	hs := newFakeHandshaker()
	p, sig := newTestPool(t, baseConfig(), hs, &fakeDiscoverer{})

	p.mu.Lock()
	p.endpoints = endpointsFor(loopA)
	p.mu.Unlock()

	// transport dies after the handshake settles but before the pool
	// takes ownership; the removal path must still run
	conn := hs.newConn(loopA)
	conn.Close()
	p.AddConn(loopA, conn)

	require.Eventually(t, func() bool { return p.ReadyCount() == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sig.forced.Load() == 1 }, time.Second, 10*time.Millisecond)
}

type blockingHandshaker struct {
	started chan struct{}
	done    chan error
}

func (h *blockingHandshaker) Run(ctx context.Context, _ models.EventLoopID, _ string) (*rpc.Conn, error) {
	close(h.started)
	<-ctx.Done()
	h.done <- ctx.Err()
	return nil, ctx.Err()
}

func TestDisable_CancelsPrewarmHandshake(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIdleConnections = 2
	hs := newFakeHandshaker()
	bh := &blockingHandshaker{started: make(chan struct{}), done: make(chan error, 1)}
	sig := &fakeSignaler{}
	p := New(cfg, bh, &fakeDiscoverer{}, sig, &fakeRecorder{})
	t.Cleanup(hs.closeAll)

	p.mu.Lock()
	p.endpoints = endpointsFor(loopA)
	p.mu.Unlock()
	p.AddConn(loopA, hs.newConn(loopA))

	<-bh.started
	p.Disable()
	require.ErrorIs(t, <-bh.done, context.Canceled)
}

func TestGetClient(t *testing.T) {
	hs := newFakeHandshaker()
	p, _ := newTestPool(t, baseConfig(), hs, &fakeDiscoverer{})

	_, err := p.GetClient(false)
	require.ErrorIs(t, err, rpc.ErrNoConnectionsAvailable)

	p.Reconcile(context.Background(), endpointsFor(loopA, loopB))

	busy, err := p.GetClient(false)
	require.NoError(t, err)
	busy.Acquire()
	defer busy.Release()

	// with busyOK=false only the idle connection is ever drawn
	for range 20 {
		conn, err := p.GetClient(false)
		require.NoError(t, err)
		require.NotSame(t, busy, conn)
	}

	other, err := p.GetClient(false)
	require.NoError(t, err)
	other.Acquire()
	defer other.Release()

	_, err = p.GetClient(false)
	require.ErrorIs(t, err, rpc.ErrNoConnectionsAvailable)
	_, err = p.GetClient(true)
	require.NoError(t, err)
}

func TestGetClientNow_CoalescesDiscovery(t *testing.T) {
	hs := newFakeHandshaker()
	disc := &fakeDiscoverer{delay: 50 * time.Millisecond, m: endpointsFor(loopA)}
	p, _ := newTestPool(t, baseConfig(), hs, disc)

	var wg sync.WaitGroup
	results := make([]*rpc.Conn, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.GetClientNow(context.Background())
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, disc.calls.Load(), "concurrent callers must share one discovery")
	for i := range 2 {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
	}
}

func TestGetClientNow_BothFailWhenDiscoveryYieldsNothing(t *testing.T) {
	hs := newFakeHandshaker()
	disc := &fakeDiscoverer{delay: 50 * time.Millisecond, err: errors.New("all regions down")}
	p, _ := newTestPool(t, baseConfig(), hs, disc)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.GetClientNow(context.Background())
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, disc.calls.Load())
	for i := range 2 {
		require.ErrorIs(t, errs[i], rpc.ErrNoConnectionsAvailable)
	}
}

func TestGetClientNow_SurvivesCallerCancellation(t *testing.T) {
	hs := newFakeHandshaker()
	disc := &fakeDiscoverer{delay: 20 * time.Millisecond, m: endpointsFor(loopA)}
	p, _ := newTestPool(t, baseConfig(), hs, disc)

	// the triggered refresh is shared with any coalesced caller; a dead
	// caller context must not fail it
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn, err := p.GetClientNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestGetClientNow_GrowsUnderLoad(t *testing.T) {
	hs := newFakeHandshaker()
	p, _ := newTestPool(t, baseConfig(), hs, &fakeDiscoverer{})

	p.Reconcile(context.Background(), endpointsFor(loopA))
	conn, err := p.GetClient(false)
	require.NoError(t, err)
	conn.Acquire()
	defer conn.Release()

	grown, err := p.GetClientNow(context.Background())
	require.NoError(t, err)
	require.NotSame(t, conn, grown)
	require.Equal(t, 2, p.ReadyCount())
}

func TestScaleDown_ClosesIdleRedundantConns(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIdleConnections = 1
	cfg.KeepAlive = time.Millisecond
	hs := newFakeHandshaker()
	p, _ := newTestPool(t, cfg, hs, &fakeDiscoverer{})

	p.mu.Lock()
	p.endpoints = endpointsFor(loopA)
	p.ready[loopA] = []*rpc.Conn{hs.newConn(loopA), hs.newConn(loopA), hs.newConn(loopA)}
	p.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	p.ScaleDown()
	require.Equal(t, 1, p.ReadyCount())
}

func TestDisable_RefusesFurtherReconciliation(t *testing.T) {
	hs := newFakeHandshaker()
	p, _ := newTestPool(t, baseConfig(), hs, &fakeDiscoverer{})

	p.Reconcile(context.Background(), endpointsFor(loopA))
	require.Equal(t, 1, p.ReadyCount())

	p.Disable()
	require.Equal(t, 0, p.ReadyCount())

	p.Reconcile(context.Background(), endpointsFor(loopA, loopB))
	require.Equal(t, 0, p.ReadyCount())
	_, err := p.GetClient(true)
	require.ErrorIs(t, err, rpc.ErrNoConnectionsAvailable)
}
