// Package server exposes a syncer.Engine over HTTP with gin.
//
// Federation routes answer peers. Local routes drive the instance from
// the CLI and accept loopback clients only.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/fedlog/internal/syncer"
	"github.com/roach88/fedlog/internal/wire"
)

const (
	// DefaultWriteTimeout bounds each stream frame write.
	DefaultWriteTimeout = 10 * time.Second

	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 16 << 20
)

// Server serves one engine.
type Server struct {
	engine       *syncer.Engine
	logger       *slog.Logger
	router       *gin.Engine
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithWriteTimeout bounds stream frame writes.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// New builds the router for engine.
func New(engine *syncer.Engine, opts ...Option) *Server {
	s := &Server{
		engine:       engine,
		logger:       slog.Default(),
		writeTimeout: DefaultWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.accessLog())
	s.routes(r)
	s.router = r
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET(wire.PathHealth, s.health)

	fed := r.Group("/")
	{
		fed.POST(wire.PathRegister, s.register)
		fed.POST(wire.PathEvents, s.push)
		fed.GET(wire.PathEvents, s.pull)
		fed.GET(wire.PathStream, s.stream)
		fed.GET(wire.PathIdentity, s.identity)
		fed.GET(wire.PathStatus, s.status)
	}

	local := r.Group("/", loopbackOnly())
	{
		local.POST(wire.PathLocalEvents, s.appendLocal)
		local.GET(wire.PathLocalPeers, s.listPeers)
		local.POST(wire.PathLocalPeers, s.addPeer)
		local.DELETE(wire.PathLocalPeers+"/:key", s.removePeer)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully. Open
// streams are closed through their request contexts.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
