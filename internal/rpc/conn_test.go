package rpc

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/metalstack/rackd/internal/models"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &envelope{Kind: kindRequest, ID: 7, Proc: ProcPing, Body: mustMarshal(t, map[string]string{"k": "v"})}
	require.NoError(t, writeFrame(&buf, in))

	out, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in.Kind, out.Kind)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Proc, out.Proc)
	require.Equal(t, []byte(in.Body), []byte(out.Body))
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := readFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

// connPair wires two connection ends over an in-memory pipe.
func connPair(t *testing.T, serverDispatch Dispatcher) (client, server *Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	client = NewConn(c1, models.EventLoopID("region-a:pid=1"), nopDispatcher())
	server = NewConn(c2, "", serverDispatch)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func nopDispatcher() Dispatcher {
	return DispatcherFunc(func(context.Context, *Conn, string, cbor.RawMessage) (any, error) {
		return nil, nil
	})
}

func TestConn_CallRoundTrip(t *testing.T) {
	client, _ := connPair(t, DispatcherFunc(
		func(_ context.Context, _ *Conn, proc string, body cbor.RawMessage) (any, error) {
			require.Equal(t, ProcIdentify, proc)
			return IdentifyResponse{Ident: "region-a:pid=1"}, nil
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var resp IdentifyResponse
	require.NoError(t, client.Call(ctx, ProcIdentify, nil, &resp))
	require.Equal(t, "region-a:pid=1", resp.Ident)
}

func TestConn_RemoteErrorIsTyped(t *testing.T) {
	client, _ := connPair(t, DispatcherFunc(
		func(context.Context, *Conn, string, cbor.RawMessage) (any, error) {
			return nil, ErrScanInProgress
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Call(ctx, ProcScanNetworks, nil, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Msg, "already in progress")
}

func TestConn_CallTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	client, _ := connPair(t, DispatcherFunc(
		func(context.Context, *Conn, string, cbor.RawMessage) (any, error) {
			<-block
			return nil, nil
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Ping(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_CloseFailsPendingAndFiresHook(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	client, _ := connPair(t, DispatcherFunc(
		func(context.Context, *Conn, string, cbor.RawMessage) (any, error) {
			<-block
			return nil, nil
		}))

	var closed atomic.Bool
	client.OnClose(func(*Conn) { closed.Store(true) })

	done := make(chan error, 1)
	go func() {
		done <- client.Ping(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	client.Close()

	require.ErrorIs(t, <-done, ErrConnClosed)
	require.Eventually(t, closed.Load, time.Second, 10*time.Millisecond)

	// calls after close fail immediately
	require.ErrorIs(t, client.Ping(context.Background()), ErrConnClosed)
}

func TestConn_HookRegisteredAfterCloseStillFires(t *testing.T) {
	client, _ := connPair(t, nopDispatcher())
	client.Close()

	var fired atomic.Int64
	client.OnClose(func(*Conn) { fired.Add(1) })
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 10*time.Millisecond)

	// exactly once, even across another close
	client.Close()
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, fired.Load())
}

func TestConn_CallCountsAsBusy(t *testing.T) {
	block := make(chan struct{})
	client, _ := connPair(t, DispatcherFunc(
		func(context.Context, *Conn, string, cbor.RawMessage) (any, error) {
			<-block
			return nil, nil
		}))

	done := make(chan error, 1)
	go func() { done <- client.Ping(context.Background()) }()
	require.Eventually(t, func() bool { return client.InUse() == 1 }, time.Second, 10*time.Millisecond)

	close(block)
	require.NoError(t, <-done)
	require.EqualValues(t, 0, client.InUse())
}

func TestConn_PeerClosureEndsConnection(t *testing.T) {
	client, server := connPair(t, nopDispatcher())
	var closed atomic.Bool
	client.OnClose(func(*Conn) { closed.Store(true) })
	server.Close()
	require.Eventually(t, closed.Load, time.Second, 10*time.Millisecond)
}

func TestConn_BusyAccounting(t *testing.T) {
	client, _ := connPair(t, nopDispatcher())
	require.EqualValues(t, 0, client.InUse())
	client.Acquire()
	client.Acquire()
	require.EqualValues(t, 2, client.InUse())
	client.Release()
	client.Release()
	require.EqualValues(t, 0, client.InUse())
}

func mustMarshal(t *testing.T, v any) cbor.RawMessage {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}
