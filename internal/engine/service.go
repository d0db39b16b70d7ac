package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/simctl/internal/auth"
	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/danmuck/simctl/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

type Transport string

const (
	TransportUnix      Transport = "unix"
	TransportTCP       Transport = "tcp"
	TransportWebSocket Transport = "ws"

	// SessionPath is the websocket endpoint for sessions on the ws transport.
	SessionPath = "/session"
)

var (
	ErrUnknownTransport = errors.New("engine: unknown transport")
	ErrAddressRequired  = errors.New("engine: address required")
	ErrInvalidOrigin    = errors.New("engine: invalid cors origin")
)

// ServiceConfig selects how the service listens.
//
// Address is a socket path for unix and host:port otherwise. With KeepAlive false
// the service stops after its first connection closes. MetricsAddress, when set,
// serves /health and /metrics for the unix and tcp transports; the ws transport
// serves them next to the session endpoint. AuthToken, when set, is the bearer
// token the ws session endpoint requires. CORSOrigins lists the browser origins
// allowed to call the HTTP endpoints; empty disables CORS handling.
type ServiceConfig struct {
	Transport      Transport
	Address        string
	KeepAlive      bool
	MetricsAddress string
	AuthToken      string
	CORSOrigins    []string
	Session        session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Transport: TransportUnix,
		Address:   filepath.Join(os.TempDir(), "simctl.sock"),
		KeepAlive: true,
		Session:   session.DefaultConfig(),
	}
}

func ParseTransport(s string) (Transport, error) {
	switch t := Transport(strings.ToLower(strings.TrimSpace(s))); t {
	case TransportUnix, TransportTCP, TransportWebSocket:
		return t, nil
	case "":
		return TransportUnix, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
	}
}

// Service accepts one connection at a time and serves its commands to a handler.
// A connection attempt while another is active is refused.
type Service struct {
	cfg     ServiceConfig
	handler session.Handler
	router  *gin.Engine

	active   atomic.Bool
	served   atomic.Int64
	refused  atomic.Int64
	appeared time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	finished     chan struct{}
	finishedOnce sync.Once
}

func NewService(cfg ServiceConfig, h session.Handler) *Service {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Transport == "" {
		cfg.Transport = TransportUnix
	}
	observability.RegisterMetrics()
	s := &Service{
		cfg:      cfg,
		handler:  h,
		appeared: time.Now(),
		conns:    make(map[net.Conn]struct{}),
		finished: make(chan struct{}),
	}
	s.router = s.newRouter()
	return s
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Router returns the HTTP surface: /health, /metrics and, for ws, the session endpoint.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Served reports how many connections have been served to completion.
func (s *Service) Served() int64 {
	return s.served.Load()
}

func (s *Service) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(string(s.cfg.Transport)))
	// Listen refuses invalid origins before serving.
	if origins := normalizeOrigins(s.cfg.CORSOrigins); len(origins) > 0 && ValidateCORSOrigins(origins) == nil {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet},
			AllowHeaders: []string{"Origin", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"transport": s.cfg.Transport,
			"active":    s.active.Load(),
			"served":    s.served.Load(),
			"refused":   s.refused.Load(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.cfg.Transport == TransportWebSocket {
		handlers := []gin.HandlerFunc{s.acceptWebSocket}
		if token := strings.TrimSpace(s.cfg.AuthToken); token != "" {
			handlers = append([]gin.HandlerFunc{auth.RequireBearer(auth.StaticToken{Token: token})}, handlers...)
		}
		r.GET(SessionPath, handlers...)
	}
	return r
}

// ValidateCORSOrigins rejects origins the CORS middleware cannot match.
func ValidateCORSOrigins(origins []string) error {
	for _, o := range normalizeOrigins(origins) {
		if o == "*" {
			continue
		}
		if (strings.HasPrefix(o, "http://") || strings.HasPrefix(o, "https://")) && !strings.Contains(o, "*") {
			continue
		}
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, o)
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Listen opens the listener for the configured transport.
func (s *Service) Listen() (net.Listener, error) {
	addr := strings.TrimSpace(s.cfg.Address)
	if addr == "" {
		return nil, ErrAddressRequired
	}
	if err := ValidateCORSOrigins(s.cfg.CORSOrigins); err != nil {
		return nil, err
	}
	switch s.cfg.Transport {
	case TransportUnix:
		if err := removeStaleSocket(addr); err != nil {
			return nil, err
		}
		return net.Listen("unix", addr)
	case TransportTCP:
		if err := s.cfg.Session.ValidateServerTransport(); err != nil {
			return nil, err
		}
		if !s.cfg.Session.TLS.Enabled {
			return net.Listen("tcp", addr)
		}
		tlsCfg, err := s.cfg.Session.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		return tls.Listen("tcp", addr, tlsCfg)
	case TransportWebSocket:
		return net.Listen("tcp", addr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, s.cfg.Transport)
	}
}

// Run listens and serves until ctx is done or, without keep-alive, the first
// connection closes.
func (s *Service) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	log.Info().Str("transport", string(s.cfg.Transport)).Str("addr", ln.Addr().String()).
		Bool("keep_alive", s.cfg.KeepAlive).Msg("engine.Service listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	metricsErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.MetricsAddress); addr != "" && s.cfg.Transport != TransportWebSocket {
		go func() {
			metricsErr <- s.serveHTTP(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-metricsErr:
		if err != nil {
			cancel()
			<-serveErr
			return err
		}
		return <-serveErr
	}
}

// Serve accepts connections on ln until ctx is done or, without keep-alive, the
// first connection closes. It closes ln before returning.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.finished:
		}
		cancel()
		s.closeAllConns()
		_ = ln.Close()
	}()

	if s.cfg.Transport == TransportWebSocket {
		srv := &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: s.cfg.Session.HandshakeTimeout,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.Session.HandshakeTimeout)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
			return err
		}
		return nil
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.active.CompareAndSwap(false, true) {
			s.refuse(conn)
			continue
		}
		s.trackConn(conn)
		go func() {
			defer s.active.Store(false)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Service) serveHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: s.cfg.Session.HandshakeTimeout}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.Session.HandshakeTimeout)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("engine.Service http listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) acceptWebSocket(c *gin.Context) {
	if !s.active.CompareAndSwap(false, true) {
		s.refused.Add(1)
		log.Warn().Str("remote", c.Request.RemoteAddr).Msg("engine.Service refused connection: session active")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session already active"})
		return
	}
	defer s.active.Store(false)

	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("engine.Service websocket accept failed")
		return
	}
	ws.SetReadLimit(int64(s.cfg.Session.Limits.MaxPayloadBytes) + int64(frame.FixedHeaderLen))
	conn := websocket.NetConn(c.Request.Context(), ws, websocket.MessageBinary)
	s.trackConn(conn)
	s.handleConn(c.Request.Context(), conn)
}

// handleConn serves one connection until the peer closes it.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()

	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	logger := log.With().Str("session", id).Str("remote", remote).Logger()
	observability.ConnectionOpened()
	defer observability.ConnectionClosed()
	logger.Info().Msg("engine.Service session opened")

	if tlsConn, ok := conn.(*tls.Conn); ok {
		_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
		if err := tlsConn.Handshake(); err != nil {
			logger.Warn().Err(err).Msg("engine.Service tls handshake failed")
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
	}

	ch := session.NewChannel(conn, s.cfg.Session).WithSessionID(id)
	err := session.NewResponder(ch).Serve(ctx, s.handler)
	s.served.Add(1)
	if err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("engine.Service session closed with error")
	} else {
		logger.Info().Msg("engine.Service session closed")
	}
	if !s.cfg.KeepAlive {
		s.finishedOnce.Do(func() { close(s.finished) })
	}
}

func (s *Service) refuse(conn net.Conn) {
	s.refused.Add(1)
	log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("engine.Service refused connection: session active")
	_ = conn.Close()
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// removeStaleSocket deletes a socket file left behind by a previous process.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("engine: %s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("engine: socket %s is in use", path)
	}
	return os.Remove(path)
}
