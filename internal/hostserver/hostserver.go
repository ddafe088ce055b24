// Package hostserver implements C7: the TCP listener that accepts
// client connections, dispatches parsed commands to the memory cache
// engine, and pushes expire notifications back to subscribed
// connections.
package hostserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haneytron/dache/internal/cacheerr"
	"github.com/haneytron/dache/internal/engine"
	"github.com/haneytron/dache/internal/logging"
	"github.com/haneytron/dache/internal/protocol"
)

// Config configures the host listener.
type Config struct {
	ListenAddr   string
	MetricsAddr  string // empty disables the /metrics endpoint
	MaxFrameSize uint32
}

type session struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
}

func (s *session) writeFrame(f *protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.conn, f)
}

// Server is the host process's connection-accepting front end.
type Server struct {
	cfg    Config
	engine *engine.Engine
	log    logging.Logger

	listener    net.Listener
	metricsSrv  *http.Server
	connections sync.Map // connID -> *session
	nextConnID  atomic.Uint64

	wg      sync.WaitGroup
	running atomic.Bool

	metrics struct {
		opsTotal        *prometheus.CounterVec
		connectionsOpen prometheus.Gauge
		notifyTotal     prometheus.Counter
	}
}

// New builds a server around an already-constructed engine. The
// caller owns the engine's lifecycle (including RestoreFromDisk before
// Start and Shutdown after Server.Shutdown).
func New(cfg Config, e *engine.Engine, log logging.Logger) *Server {
	s := &Server{cfg: cfg, engine: e, log: log}

	registry := prometheus.NewRegistry()
	s.metrics.opsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "dache",
		Name:      "host_ops_total",
		Help:      "Number of commands processed, by verb and outcome.",
	}, []string{"verb", "outcome"})
	s.metrics.connectionsOpen = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "dache",
		Name:      "host_connections_open",
		Help:      "Number of currently open client connections.",
	})
	s.metrics.notifyTotal = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "dache",
		Name:      "host_expire_notifications_total",
		Help:      "Number of expire notifications pushed to subscribed connections.",
	})
	promauto.With(registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: "dache",
		Name:      "engine_evictions_total",
		Help:      "Number of entries evicted under memory pressure.",
	}, func() float64 { return float64(e.Stats().Evictions) })
	promauto.With(registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: "dache",
		Name:      "engine_sweeps_total",
		Help:      "Number of expiration sweeps that removed at least one entry.",
	}, func() float64 { return float64(e.Stats().Sweeps) })
	promauto.With(registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: "dache",
		Name:      "engine_persist_errors_total",
		Help:      "Number of failed disk persistence operations.",
	}, func() float64 { return float64(e.Stats().PersistErrors) })

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}
	return s
}

// Start opens the listener and begins accepting connections. It
// blocks until Shutdown closes the listener or Accept returns a fatal
// error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.running.Store(true)

	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logf("errorf", "metrics server: %v", err)
			}
		}()
	}

	s.logf("infof", "host listening on %s", s.cfg.ListenAddr)
	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if s.running.Load() {
				s.logf("warnf", "accept: %v", err)
				continue
			}
			break
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
	return nil
}

// Shutdown stops accepting new connections, closes existing ones, and
// waits for in-flight command handling to finish.
func (s *Server) Shutdown() {
	s.running.Store(false)
	if s.listener != nil {
		s.listener.Close()
	}
	s.connections.Range(func(_, v any) bool {
		v.(*session).conn.Close()
		return true
	})
	s.wg.Wait()
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	id := fmt.Sprintf("conn-%d", s.nextConnID.Add(1))
	sess := &session{id: id, conn: conn}
	s.connections.Store(id, sess)
	s.metrics.connectionsOpen.Inc()

	defer func() {
		conn.Close()
		s.connections.Delete(id)
		s.engine.UnregisterConnection(id)
		s.metrics.connectionsOpen.Dec()
	}()

	var inFlight sync.WaitGroup
	reader := bufio.NewReader(conn)
	for {
		frame, err := protocol.ReadFrame(reader, s.cfg.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logf("debugf", "connection %s read error: %v", id, err)
			}
			break
		}
		inFlight.Add(1)
		go func(f *protocol.Frame) {
			defer inFlight.Done()
			s.dispatch(sess, f)
		}(frame)
	}
	inFlight.Wait()
}

// notifyFunc is wired to the engine as its NotifyFunc: it pushes an
// unsolicited `expire KEY` frame to every still-connected subscriber.
func (s *Server) notifyFunc(key string, connIDs []string) {
	for _, id := range connIDs {
		v, ok := s.connections.Load(id)
		if !ok {
			continue
		}
		sess := v.(*session)
		if err := sess.writeFrame(protocol.EncodeExpireNotification(key)); err != nil {
			s.logf("debugf", "notify %s on %s: %v", key, id, err)
			continue
		}
		s.metrics.notifyTotal.Inc()
	}
}

// NotifyFunc exposes notifyFunc for wiring into the engine with
// Engine.SetNotify: New needs an already-built engine, so the engine
// cannot be handed this at construction. Wire it before Start.
func (s *Server) NotifyFunc() engine.NotifyFunc { return s.notifyFunc }

func (s *Server) dispatch(sess *session, frame *protocol.Frame) {
	verb, tokens, err := protocol.ParseVerb(frame.Payload)
	if err != nil {
		s.reply(sess, frame.CorrelationID, err)
		return
	}

	var resp *protocol.Frame
	switch verb {
	case protocol.VerbGet:
		resp, err = s.handleGet(sess, frame.CorrelationID, tokens)
	case protocol.VerbSet:
		resp, err = s.handleSet(sess, frame.CorrelationID, tokens)
	case protocol.VerbDel:
		resp, err = s.handleDel(frame.CorrelationID, tokens)
	case protocol.VerbKeys:
		resp, err = s.handleKeys(frame.CorrelationID, tokens)
	case protocol.VerbClear:
		resp, err = s.handleClear(frame.CorrelationID)
	default:
		err = cacheerr.NewProtocolError("unknown command %q", verb)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.opsTotal.WithLabelValues(string(verb), outcome).Inc()

	if err != nil {
		s.reply(sess, frame.CorrelationID, err)
		return
	}
	if writeErr := sess.writeFrame(resp); writeErr != nil {
		s.logf("debugf", "connection %s write error: %v", sess.id, writeErr)
	}
}

func (s *Server) handleGet(sess *session, corrID uint32, tokens []string) (*protocol.Frame, error) {
	cmd, err := protocol.ParseGet(tokens)
	if err != nil {
		return nil, err
	}
	keys := cmd.Keys
	if cmd.ByTag {
		all, err := s.engine.Keys(cmd.Pattern, cmd.Tags)
		if err != nil {
			return nil, err
		}
		keys = all
	}
	values := make([][]byte, len(keys))
	for i, k := range keys {
		v, _ := s.engine.Get(k)
		values[i] = v
	}
	return &protocol.Frame{Control: protocol.ControlValues, CorrelationID: corrID, Payload: protocol.EncodeGetResponse(values)}, nil
}

func (s *Server) handleSet(sess *session, corrID uint32, tokens []string) (*protocol.Frame, error) {
	cmd, err := protocol.ParseSet(tokens)
	if err != nil {
		return nil, err
	}
	for _, kv := range cmd.Pairs {
		if err := s.engine.Add(kv.Key, kv.Value, cmd.Policy, cmd.Tag, cmd.Notify, sess.id); err != nil {
			return nil, err
		}
	}
	return &protocol.Frame{Control: protocol.ControlOpaque, CorrelationID: corrID, Payload: []byte("OK")}, nil
}

func (s *Server) handleDel(corrID uint32, tokens []string) (*protocol.Frame, error) {
	cmd, err := protocol.ParseDel(tokens)
	if err != nil {
		return nil, err
	}
	keys := cmd.Keys
	if cmd.ByTag {
		all, err := s.engine.Keys(cmd.Pattern, cmd.Tags)
		if err != nil {
			return nil, err
		}
		keys = all
	}
	for _, k := range keys {
		if err := s.engine.Remove(k); err != nil {
			return nil, err
		}
	}
	return &protocol.Frame{Control: protocol.ControlOpaque, CorrelationID: corrID, Payload: []byte("OK")}, nil
}

func (s *Server) handleKeys(corrID uint32, tokens []string) (*protocol.Frame, error) {
	cmd, err := protocol.ParseKeys(tokens)
	if err != nil {
		return nil, err
	}
	keys, err := s.engine.Keys(cmd.Pattern, cmd.Tags)
	if err != nil {
		return nil, err
	}
	return &protocol.Frame{Control: protocol.ControlKeys, CorrelationID: corrID, Payload: protocol.EncodeKeysResponse(keys)}, nil
}

func (s *Server) handleClear(corrID uint32) (*protocol.Frame, error) {
	if err := s.engine.Clear(); err != nil {
		return nil, err
	}
	return &protocol.Frame{Control: protocol.ControlOpaque, CorrelationID: corrID, Payload: []byte("OK")}, nil
}

func (s *Server) reply(sess *session, corrID uint32, err error) {
	resp := &protocol.Frame{Control: protocol.ControlOpaque, CorrelationID: corrID, Payload: []byte("ERR " + err.Error())}
	if writeErr := sess.writeFrame(resp); writeErr != nil {
		s.logf("debugf", "connection %s write error: %v", sess.id, writeErr)
	}
	// A protocol error closes the offending connection once its ERR
	// reply has been written.
	var protoErr *cacheerr.ProtocolError
	if errors.As(err, &protoErr) {
		sess.conn.Close()
	}
}

func (s *Server) logf(level, format string, args ...any) {
	if s.log == nil {
		return
	}
	switch level {
	case "debugf":
		s.log.Debugf(format, args...)
	case "infof":
		s.log.Infof(format, args...)
	case "warnf":
		s.log.Warnf(format, args...)
	default:
		s.log.Errorf(format, args...)
	}
}
