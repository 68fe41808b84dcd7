// Package ws serves the room's WebSocket endpoint. Connections are
// authenticated on upgrade, registered with a readiness poller and read by
// a bounded worker pool, so idle clients cost no goroutine.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/chattroom/chat-app/internal/auth"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/metrics"
	"github.com/chattroom/chat-app/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // larger inbound frames close the connection
	ReadTimeout    time.Duration // timeout for reading one frame
	WriteTimeout   time.Duration // timeout for writing one frame
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  8 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Authenticator turns a bearer token into the user it identifies.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// SessionStore records live sessions.
type SessionStore interface {
	Create(ctx context.Context, sessionID, uid string) error
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// ConnectLimiter throttles upgrades per client IP.
type ConnectLimiter interface {
	Allowed(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, time.Duration)
}

// readinessPoller is the subset of Poller the server drives. Readiness is
// one-shot: a reported socket is not reported again until Rearm.
type readinessPoller interface {
	Add(conn net.Conn) error
	Rearm(conn net.Conn) error
	Remove(conn net.Conn) error
	Wait() ([]net.Conn, error)
	Close() error
}

// Server accepts WebSocket clients on /ws and serves any extra HTTP
// handlers mounted with Handle on the same listener.
type Server struct {
	config   ServerConfig
	auth     Authenticator
	sessions SessionStore
	limiter  ConnectLimiter
	logger   *slog.Logger

	poller     readinessPoller
	conns      *ConnectionManager
	workerPool chan struct{}
	mux        *http.ServeMux
	httpServer *http.Server

	onMessage    func(c *Connection, data []byte)
	onConnect    func(c *Connection)
	onDisconnect func(c *Connection)

	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time
}

// NewServer creates a Server. sessions may be nil. onMessage is called from
// a worker goroutine for every complete text frame.
func NewServer(config ServerConfig, authn Authenticator, sessions SessionStore, onMessage func(c *Connection, data []byte), logger *slog.Logger) *Server {
	s := &Server{
		config:     config,
		auth:       authn,
		sessions:   sessions,
		logger:     logging.Component(logger, "ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle mounts an additional HTTP handler. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetConnectLimiter enables per-IP upgrade throttling with
// ratelimit.RuleConnect.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// SetOnConnect registers a callback run after a connection is registered,
// before any of its frames are read.
func (s *Server) SetOnConnect(fn func(c *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once per removed connection.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) {
	s.onDisconnect = fn
}

// Start creates the poller, starts the read loop and heartbeat, and serves
// HTTP until Shutdown.
func (s *Server) Start() error {
	poller, err := NewPoller()
	if err != nil {
		return fmt.Errorf("ws: create poller: %w", err)
	}
	s.poller = poller
	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.eventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	s.logger.Info("server listening",
		"addr", s.config.ListenAddr,
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and upgrades it. Unauthenticated
// requests get 401 before any WebSocket handshake.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip := clientIP(r)
		if ok, retry := s.limiter.Allowed(r.Context(), ip, ratelimit.RuleConnect); !ok {
			w.Header().Set("Retry-After", fmt.Sprint(int(retry.Seconds())+1))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	identity, err := s.auth.Verify(auth.BearerToken(r))
	if err != nil {
		s.logger.Debug("upgrade rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConnection(uuid.NewString(), identity, nc)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, identity.UID); err != nil {
			s.logger.Warn("session create failed", "session", c.ID, "error", err)
		}
		cancel()
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.poller.Add(nc); err != nil {
		s.logger.Error("poller add failed", "session", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}

	s.logger.Info("connection opened", "session", c.ID, "uid", identity.UID, "total", s.conns.Count())
}

// handleHealth reports liveness, connection count and uptime as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// eventLoop hands each ready socket to a worker, bounded by the pool.
func (s *Server) eventLoop() {
	for {
		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isInterrupted(err) {
				s.logger.Error("poller wait failed", "error", err)
			}
			continue
		}

		for _, nc := range ready {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.readFrame(nc)
			}()
		}
	}
}

// readFrame reads one frame from a ready socket. Control frames are
// handled here; text frames go to onMessage. Any read failure other than a
// timeout removes the connection.
func (s *Server) readFrame(nc net.Conn) {
	c := s.conns.GetByConn(nc)
	if c == nil {
		return
	}
	if !c.processing.CompareAndSwap(false, true) {
		return
	}

	// The connection must be released before it is rearmed, otherwise the
	// next readiness event can land while processing is still set and be
	// dropped with nothing left to arm the socket again.
	removed := false
	defer func() {
		c.processing.Store(false)
		if !removed {
			_ = s.poller.Rearm(nc)
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(nc, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		removed = true
		s.RemoveConnection(c)
		return
	}
	_ = nc.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil || header.OpCode == ws.OpClose {
			removed = true
			s.RemoveConnection(c)
			return
		}
		if header.OpCode == ws.OpPing {
			if err := c.WritePong(payload); err != nil {
				s.logger.Debug("pong failed", "session", c.ID, "error", err)
			}
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.logger.Warn("frame too large", "session", c.ID, "bytes", header.Length)
		removed = true
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		removed = true
		s.RemoveConnection(c)
		return
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. Only the first call for a
// connection has any effect.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			s.logger.Warn("session delete failed", "session", c.ID, "error", err)
		}
	}

	s.logger.Info("connection closed", "session", c.ID, "total", s.conns.Count())
}

// SendMessage writes a text frame to the connection with connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return s.write(c, data)
}

func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.WriteMessage(data)
}

// Broadcast writes data to every live connection.
func (s *Server) Broadcast(data []byte) {
	if failed := s.conns.Broadcast(data); failed > 0 {
		s.logger.Debug("broadcast had failed writes", "failed", failed)
	}
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, closes every connection and the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			err = fmt.Errorf("ws: http shutdown: %w", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.poller != nil {
		_ = s.poller.Close()
	}
	return err
}

// clientIP returns the first X-Forwarded-For hop set by the load balancer,
// or the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
