// Package ws serves the relay's WebSocket endpoint. Connections are upgraded
// with gobwas/ws, registered with an epoll poller (a goroutine monitor off
// Linux) and read one frame at a time by a bounded worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strangers/relay/internal/chat"
	"github.com/strangers/relay/internal/metrics"
	"github.com/strangers/relay/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":3000"
	WorkerPoolSize int             // max concurrent frame readers
	MaxConnections int             // hard cap on open connections
	MaxFrameBytes  int64           // inbound frame payload cap
	ReadTimeout    time.Duration   // bound on reading one frame once data is ready
	WriteTimeout   time.Duration   // bound on writing one frame
	Heartbeat      HeartbeatConfig // liveness pings
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":3000",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  16 << 20,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// HealthStats is the application state reported by /health.
type HealthStats struct {
	Online  int
	Waiting int
}

// Server upgrades HTTP requests on /ws and hands complete text frames to the
// onMessage callback. Other routes (static files, metrics) are added with
// Handle.
type Server struct {
	config       ServerConfig
	log          *zap.Logger
	poller       *poller
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent readers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(connID string) error
	onDisconnect func(connID string)
	stats        func() HealthStats
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		log:        log.With(zap.String("component", "ws")),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetOnConnect registers a callback run after a connection is upgraded and
// announced. An error closes the connection.
func (s *Server) SetOnConnect(fn func(connID string) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once per removed connection (read
// error, close frame, heartbeat timeout).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetStats registers the source of the online and waiting counts in /health.
func (s *Server) SetStats(fn func() HealthStats) {
	s.stats = fn
}

// Handle registers an extra HTTP route.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the poller loop and heartbeat and serves HTTP on ln. It
// blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	p, err := newPoller()
	if err != nil {
		ln.Close()
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.poller = p
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections),
	)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), conn, s.config.WriteTimeout)
	// Frames the client sent right behind the upgrade request are already in
	// the HTTP server's read buffer.
	if rw != nil && rw.Reader.Buffered() > 0 {
		early, _ := rw.Reader.Peek(rw.Reader.Buffered())
		c.replay(early)
	}
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	// The client learns its id before any presence or pairing event.
	if data, err := protocol.Encode(chat.SessionCreated{SessionID: c.ID}); err == nil {
		if err := c.WriteMessage(data); err != nil {
			s.log.Debug("send session created", zap.String("session", c.ID), zap.Error(err))
		}
	}

	if s.onConnect != nil {
		if err := s.onConnect(c.ID); err != nil {
			s.log.Warn("connect rejected", zap.String("session", c.ID), zap.Error(err))
			s.discard(c)
			return
		}
	}

	if err := s.poller.Add(c); err != nil {
		s.log.Error("poller add failed", zap.String("session", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	s.log.Debug("connection opened", zap.String("session", c.ID), zap.Int("total", s.conns.Count()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Online      int    `json:"online"`
		Waiting     int    `json:"waiting"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
	}
	if !s.startedAt.IsZero() {
		resp.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	if s.stats != nil {
		st := s.stats()
		resp.Online, resp.Waiting = st.Online, st.Waiting
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands each ready connection to a worker, bounded by the
// worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error("poller wait failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, c := range ready {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection and re-arms it, or
// removes the connection if the read fails.
func (s *Server) handleConn(c *Connection) {
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	keep := s.readFrame(c)
	for keep && c.hasPending() {
		keep = s.readFrame(c)
	}
	atomic.StoreInt32(&c.processing, 0)

	if !keep {
		s.RemoveConnection(c)
		return
	}
	s.poller.Resume(c)
}

// readFrame reads and handles a single frame. It returns false when the
// connection should be closed.
func (s *Server) readFrame(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	header, err := ws.ReadHeader(c.rd)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Debug("read header", zap.String("session", c.ID), zap.Error(err))
		}
		return false
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.log.Info("frame too large",
			zap.String("session", c.ID),
			zap.Int64("length", header.Length),
		)
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "frame too large")))
		return false
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(c.rd, payload); err != nil {
		s.log.Debug("read payload", zap.String("session", c.ID), zap.Error(err))
		return false
	}
	if header.Masked {
		ws.Cipher(payload, header.Mask, 0)
	}

	c.Touch()

	switch header.OpCode {
	case ws.OpClose:
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return false
	case ws.OpPing:
		_ = c.writeFrame(ws.NewPongFrame(payload))
		return true
	case ws.OpPong:
		return true
	case ws.OpText, ws.OpBinary:
		if !header.Fin {
			s.log.Debug("fragmented message dropped", zap.String("session", c.ID))
			return true
		}
		if len(payload) > 0 && s.onMessage != nil {
			s.onMessage(c, payload)
		}
		return true
	default:
		// Continuation of a fragmented message.
		return true
	}
}

// RemoveConnection unregisters and closes c and runs the disconnect callback.
// Only the first call for a connection has any effect.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	_ = c.Close()
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.log.Debug("connection closed", zap.String("session", c.ID), zap.Int("total", s.conns.Count()))
}

// discard closes a connection that never reached the poller, without the
// disconnect callback.
func (s *Server) discard(c *Connection) {
	if s.conns.Remove(c.ID) {
		_ = c.Close()
		metrics.ConnectionsTotal.Dec()
	}
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Broadcast writes a text frame to every connection.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, the event loop and the heartbeat, then sends
// a going-away close frame to every connection and closes it. The disconnect
// callback is not run.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		if s.httpServer != nil {
			if e := s.httpServer.Shutdown(ctx); e != nil {
				err = fmt.Errorf("ws: http shutdown: %w", e)
			}
		}

		for _, c := range s.conns.All() {
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")))
			s.discard(c)
		}

		if s.poller != nil {
			_ = s.poller.Close()
		}
		s.log.Info("server stopped")
	})
	return err
}
