package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/metalstack/rackd/internal/models"
)

// Dispatcher serves the inbound half of a connection: requests a
// region issues against this rack.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Conn, proc string, body cbor.RawMessage) (any, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, conn *Conn, proc string, body cbor.RawMessage) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, conn *Conn, proc string, body cbor.RawMessage) (any, error) {
	return f(ctx, conn, proc, body)
}

// Conn is one framed transport to a single event-loop endpoint. It
// carries outbound calls (with response correlation) and serves
// inbound requests concurrently over the same socket.
type Conn struct {
	raw        net.Conn
	loopID     models.EventLoopID
	dispatcher Dispatcher

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *envelope
	ident   string
	nextID  uint64

	busy     atomic.Int64
	ready    atomic.Bool
	lastUsed atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	onClose   atomic.Pointer[func(*Conn)]
	hookFired atomic.Bool
}

// Dial opens the raw transport for a connection. TLS is used once a
// cluster certificate has been provisioned; before that the initial
// registration runs over plain TCP.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return raw, nil
	}
	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s failed: %w", addr, err)
	}
	return tlsConn, nil
}

// NewConn wraps an established transport and starts its read loop.
func NewConn(raw net.Conn, loopID models.EventLoopID, dispatcher Dispatcher) *Conn {
	c := &Conn{
		raw:        raw,
		loopID:     loopID,
		dispatcher: dispatcher,
		pending:    make(map[uint64]chan *envelope),
		closed:     make(chan struct{}),
	}
	c.lastUsed.Store(time.Now().UnixNano())
	go c.readLoop()
	return c
}

func (c *Conn) LoopID() models.EventLoopID { return c.loopID }
func (c *Conn) RemoteAddr() string         { return c.raw.RemoteAddr().String() }

// Ident is the identity string the peer reported after registration.
func (c *Conn) Ident() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

func (c *Conn) SetIdent(ident string) {
	c.mu.Lock()
	c.ident = ident
	c.mu.Unlock()
}

// Ready reports whether the handshake completed and the connection is
// eligible for selection.
func (c *Conn) Ready() bool     { return c.ready.Load() }
func (c *Conn) SetReady(v bool) { c.ready.Store(v) }

// Acquire marks the start of an outbound procedure call for busy
// accounting; Release ends it. Call brackets itself with the pair;
// callers reserving a connection for longer use them directly.
func (c *Conn) Acquire() { c.busy.Add(1) }

func (c *Conn) Release() {
	c.busy.Add(-1)
	c.lastUsed.Store(time.Now().UnixNano())
}

func (c *Conn) InUse() int64 { return c.busy.Load() }

// LastUsed is when the connection last finished a call; used for
// keepalive scale-down of redundant idle connections.
func (c *Conn) LastUsed() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// OnClose registers the hook run (once, on its own goroutine) when the
// connection dies for any reason. A connection that is already closed
// fires the hook right away, so a close racing the registration can
// never strand the owner without its notification.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.onClose.Store(&fn)
	select {
	case <-c.closed:
		c.fireOnClose()
	default:
	}
}

func (c *Conn) fireOnClose() {
	fn := c.onClose.Load()
	if fn != nil && c.hookFired.CompareAndSwap(false, true) {
		go (*fn)(c)
	}
}

// Call issues one outbound procedure call and decodes the response
// into out (which may be nil for fire-and-forget style procedures).
// The connection counts as busy for the duration of the call.
func (c *Conn) Call(ctx context.Context, proc string, in, out any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.Acquire()
	defer c.Release()

	var body cbor.RawMessage
	if in != nil {
		encoded, err := cbor.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", proc, err)
		}
		body = encoded
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	respCh := make(chan *envelope, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.raw.SetWriteDeadline(deadline)
	}
	err := writeFrame(c.raw, &envelope{Kind: kindRequest, ID: id, Proc: proc, Body: body})
	_ = c.raw.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to send %s: %w", proc, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnClosed
	case resp := <-respCh:
		if resp.Error != "" {
			return &RemoteError{Proc: proc, Msg: resp.Error}
		}
		if out == nil {
			return nil
		}
		if err := cbor.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("malformed %s response: %w", proc, err)
		}
		return nil
	}
}

// Ping issues the no-op procedure used by the health checker.
func (c *Conn) Ping(ctx context.Context) error {
	return c.Call(ctx, ProcPing, nil, nil)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.raw.Close()
		c.fireOnClose()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		env, err := readFrame(c.raw)
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Debug().Msgf("connection to %s closed: %v", c.RemoteAddr(), err)
			}
			return
		}
		switch env.Kind {
		case kindResponse:
			c.mu.Lock()
			respCh, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				respCh <- env
			}
		case kindRequest:
			go c.serve(env)
		default:
			log.Info().Msgf("protocol violation from %s: unknown frame kind %d", c.RemoteAddr(), env.Kind)
			return
		}
	}
}

func (c *Conn) serve(req *envelope) {
	resp := &envelope{Kind: kindResponse, ID: req.ID}
	result, err := c.dispatcher.Dispatch(context.Background(), c, req.Proc, req.Body)
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		body, err := cbor.Marshal(result)
		if err != nil {
			resp.Error = fmt.Sprintf("failed to encode %s response: %v", req.Proc, err)
		} else {
			resp.Body = body
		}
	}
	c.writeMu.Lock()
	err = writeFrame(c.raw, resp)
	c.writeMu.Unlock()
	if err != nil {
		log.Debug().Msgf("failed to respond to %s from %s: %v", req.Proc, c.RemoteAddr(), err)
		c.Close()
	}
}
