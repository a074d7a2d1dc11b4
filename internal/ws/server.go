// Package ws serves the lobby over WebSocket. Connections are upgraded with
// gobwas/ws, registered with epoll for read readiness, and read by a bounded
// worker pool. Room semantics live in Room; this file is transport only.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
	TrustedProxies []string // addresses or CIDRs allowed to set X-Forwarded-For
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server. It implements suture.Service.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	router       chi.Router
	proxies      *proxySet
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame. It fails only on a malformed
// TrustedProxies entry.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	proxies, err := newProxySet(config.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		proxies:    proxies,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	s.router = r
	return s, nil
}

// SetOnConnect registers a callback invoked after a connection is upgraded
// and registered.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, close frame or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled, then closes every
// connection.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	log := logging.Component("ws")

	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		ln.Close()
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.done = make(chan struct{})
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	log.Info().Str("addr", ln.Addr().String()).Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).Msg("server listening")

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.shutdown(httpServer)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// the gobwas/ws zero-copy upgrader and registers it with epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	log := logging.Component("ws")

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), s.epoll.Wrap(netConn), s.proxies.clientIP(r))
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}
	if err := s.epoll.Add(c.Conn); err != nil {
		log.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	log.Debug().Str("conn", c.ID).Str("ip", c.IP).Int("total", s.conns.Count()).Msg("new connection")
}

// handleHealth reports the connection count and uptime for load balancer
// checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and hands ready connections to the
// worker pool.
func (s *Server) startEventLoop() {
	log := logging.Component("ws")
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Error().Err(err).Msg("epoll wait error")
			}
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are handled inline; a read failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same connection twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the dispatch was stale; heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c, cancelling its context so its
// subscriptions end. It is safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log := logging.Component("ws")
	log.Debug().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Send writes a text frame to c under the configured write timeout.
func (s *Server) Send(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

func (s *Server) shutdown(httpServer *http.Server) {
	log := logging.Component("ws")
	log.Info().Msg("shutting down server")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	log.Info().Msg("server stopped, all connections closed")
}
