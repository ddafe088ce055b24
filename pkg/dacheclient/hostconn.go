// Package dacheclient is the importable client SDK: a host connection
// (C8), a bucket of redundant hosts (C9), a hash-modulo router
// (C10), and the client façade (C11) applications call into.
package dacheclient

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/haneytron/dache/internal/cacheerr"
	"github.com/haneytron/dache/internal/logging"
	"github.com/haneytron/dache/internal/protocol"
)

// ConnState is one of HostConnection's three lifecycle states.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

// ExpireHandler is invoked for every unsolicited `expire KEY` push
// from a host this connection is subscribed through.
type ExpireHandler func(key string)

// ConnEventHandler is invoked when a host connection transitions to
// disconnected (after any I/O or framing error) or back to connected
// (after the reconnect timer succeeds), per §3's HostConnection
// lifecycle and §4.11's "emits user-visible events" contract.
type ConnEventHandler func(addr string)

type outboundRequest struct {
	frame    *protocol.Frame
	resultCh chan *protocol.Frame
}

// HostConnectionConfig tunes a single connection's behavior.
type HostConnectionConfig struct {
	Addr              string
	ReconnectInterval time.Duration
	CommTimeout       time.Duration
	SendQueueDepth    int
	MaxFrameSize      uint32
	OnExpire          ExpireHandler
	OnDisconnect      ConnEventHandler
	OnReconnect       ConnEventHandler
	Log               logging.Logger
}

// HostConnection owns a single TCP connection to one cache host,
// reconnecting on failure and demultiplexing replies by correlation
// id, the same single-socket request/reply pattern smux's Session uses
// for its stream frames, adapted to a flat request/waiter map instead
// of smux's per-stream channels.
type HostConnection struct {
	cfg HostConnectionConfig

	state   atomic.Int32
	connMu  sync.Mutex
	conn    net.Conn
	nextID  atomic.Uint32
	limiter *rate.Limiter

	sendCh chan *outboundRequest

	waitersMu sync.Mutex
	waiters   map[uint32]chan *protocol.Frame

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHostConnection constructs a connection and starts its reconnect
// loop in the background; callers observe readiness via IsOnline.
func NewHostConnection(cfg HostConnectionConfig) *HostConnection {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.CommTimeout <= 0 {
		cfg.CommTimeout = 5 * time.Second
	}
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = 256
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	hc := &HostConnection{
		cfg:     cfg,
		sendCh:  make(chan *outboundRequest, cfg.SendQueueDepth),
		waiters: make(map[uint32]chan *protocol.Frame),
		stopCh:  make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
	}
	hc.state.Store(int32(StateConnecting))

	hc.wg.Add(1)
	go hc.connectLoop()
	return hc
}

func (hc *HostConnection) Addr() string { return hc.cfg.Addr }

func (hc *HostConnection) State() ConnState { return ConnState(hc.state.Load()) }

func (hc *HostConnection) IsOnline() bool { return hc.State() == StateConnected }

// Close stops the reconnect loop and closes the current connection, if
// any.
func (hc *HostConnection) Close() {
	close(hc.stopCh)
	hc.connMu.Lock()
	if hc.conn != nil {
		hc.conn.Close()
	}
	hc.connMu.Unlock()
	hc.wg.Wait()
}

// Send enqueues a request frame and blocks until the matching reply
// arrives, ctx is done, or the configured comm timeout elapses. It
// returns Busy immediately, without blocking, if the send queue is
// full: a full queue means the connection's writer is behind, and
// spec's contract is to fail fast rather than pile up backpressure.
func (hc *HostConnection) Send(ctx context.Context, frame *protocol.Frame) (*protocol.Frame, error) {
	if !hc.IsOnline() {
		return nil, &cacheerr.TransportError{Endpoint: hc.cfg.Addr, Err: cacheerr.NewProtocolError("not connected")}
	}

	resultCh := make(chan *protocol.Frame, 1)
	hc.waitersMu.Lock()
	hc.waiters[frame.CorrelationID] = resultCh
	hc.waitersMu.Unlock()

	req := &outboundRequest{frame: frame, resultCh: resultCh}
	select {
	case hc.sendCh <- req:
	default:
		hc.waitersMu.Lock()
		delete(hc.waiters, frame.CorrelationID)
		hc.waitersMu.Unlock()
		return nil, &cacheerr.Busy{Endpoint: hc.cfg.Addr}
	}

	timeout := time.NewTimer(hc.cfg.CommTimeout)
	defer timeout.Stop()
	select {
	case resp, ok := <-resultCh:
		if !ok {
			return nil, &cacheerr.TransportError{Endpoint: hc.cfg.Addr, Err: cacheerr.NewProtocolError("connection lost while waiting for reply")}
		}
		return resp, nil
	case <-ctx.Done():
		hc.dropWaiter(frame.CorrelationID)
		return nil, ctx.Err()
	case <-timeout.C:
		hc.dropWaiter(frame.CorrelationID)
		return nil, &cacheerr.Timeout{Endpoint: hc.cfg.Addr}
	case <-hc.stopCh:
		hc.dropWaiter(frame.CorrelationID)
		return nil, &cacheerr.TransportError{Endpoint: hc.cfg.Addr, Err: cacheerr.NewProtocolError("connection closed")}
	}
}

func (hc *HostConnection) dropWaiter(corrID uint32) {
	hc.waitersMu.Lock()
	delete(hc.waiters, corrID)
	hc.waitersMu.Unlock()
}

// NextCorrelationID hands out the id a caller should stamp onto the
// next frame it builds for this connection.
func (hc *HostConnection) NextCorrelationID() uint32 { return hc.nextID.Add(1) }

func (hc *HostConnection) connectLoop() {
	defer hc.wg.Done()
	// ctx is cancelled by Close so a pending limiter wait or dial
	// returns at once instead of holding Close for a full interval.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-hc.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	reconnecting := false
	for {
		select {
		case <-hc.stopCh:
			return
		default:
		}

		if err := hc.limiter.Wait(ctx); err != nil {
			return
		}

		hc.state.Store(int32(StateConnecting))
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", hc.cfg.Addr)
		if err != nil {
			hc.logf("warnf", "dial %s: %v", hc.cfg.Addr, err)
			continue
		}

		hc.connMu.Lock()
		hc.conn = conn
		hc.connMu.Unlock()
		hc.state.Store(int32(StateConnected))
		hc.logf("infof", "connected to %s", hc.cfg.Addr)
		if reconnecting && hc.cfg.OnReconnect != nil {
			hc.cfg.OnReconnect(hc.cfg.Addr)
		}

		hc.runSession(conn)

		hc.state.Store(int32(StateDisconnected))
		hc.failAllWaiters()
		reconnecting = true
		if hc.cfg.OnDisconnect != nil {
			hc.cfg.OnDisconnect(hc.cfg.Addr)
		}

		select {
		case <-hc.stopCh:
			return
		default:
		}
	}
}

// runSession drives one TCP connection's reader and writer goroutines
// until either one observes an error, then returns so the reconnect
// loop can try again.
func (hc *HostConnection) runSession(conn net.Conn) {
	done := make(chan struct{})
	var once sync.Once
	closeSession := func() {
		once.Do(func() {
			conn.Close()
			close(done)
		})
	}

	var sessionWG sync.WaitGroup
	sessionWG.Add(2)

	go func() {
		defer sessionWG.Done()
		hc.writerLoop(conn, done, closeSession)
	}()
	go func() {
		defer sessionWG.Done()
		hc.readerLoop(conn, closeSession)
	}()

	sessionWG.Wait()
}

func (hc *HostConnection) writerLoop(conn net.Conn, done <-chan struct{}, closeSession func()) {
	for {
		select {
		case <-done:
			return
		case <-hc.stopCh:
			closeSession()
			return
		case req := <-hc.sendCh:
			if err := protocol.WriteFrame(conn, req.frame); err != nil {
				hc.logf("warnf", "write to %s: %v", hc.cfg.Addr, err)
				closeSession()
				return
			}
		}
	}
}

func (hc *HostConnection) readerLoop(conn net.Conn, closeSession func()) {
	reader := bufio.NewReader(conn)
	for {
		frame, err := protocol.ReadFrame(reader, hc.cfg.MaxFrameSize)
		if err != nil {
			hc.logf("debugf", "read from %s: %v", hc.cfg.Addr, err)
			closeSession()
			return
		}

		if frame.CorrelationID == 0 {
			hc.handlePush(frame)
			continue
		}

		hc.waitersMu.Lock()
		ch, ok := hc.waiters[frame.CorrelationID]
		if ok {
			delete(hc.waiters, frame.CorrelationID)
		}
		hc.waitersMu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (hc *HostConnection) handlePush(frame *protocol.Frame) {
	verb, tokens, err := protocol.ParseVerb(frame.Payload)
	if err != nil || verb != protocol.VerbExpire {
		return
	}
	notif, err := protocol.ParseExpireNotification(tokens)
	if err != nil {
		return
	}
	if hc.cfg.OnExpire != nil {
		hc.cfg.OnExpire(notif.Key)
	}
}

func (hc *HostConnection) failAllWaiters() {
	hc.waitersMu.Lock()
	waiters := hc.waiters
	hc.waiters = make(map[uint32]chan *protocol.Frame)
	hc.waitersMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (hc *HostConnection) logf(level, format string, args ...any) {
	if hc.cfg.Log == nil {
		return
	}
	switch level {
	case "debugf":
		hc.cfg.Log.Debugf(format, args...)
	case "infof":
		hc.cfg.Log.Infof(format, args...)
	default:
		hc.cfg.Log.Warnf(format, args...)
	}
}
