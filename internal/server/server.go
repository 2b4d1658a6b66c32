package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/bridge"
	"github.com/Tyrowin/chatrelay/internal/config"
)

// Authenticator validates handshake credentials and conversation access
// against the backend. *auth.Verifier satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.User, error)
	ConversationAuthorizer
}

// Server composes the hub, the handshake gate, the event bridge and the
// HTTP surface. Its dependencies are injected and owned for its lifetime.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	auth     Authenticator
	bridge   *bridge.Bridge
	origins  *originPolicy
	upgrader websocket.Upgrader
	clock    *healthClock
	log      *zap.Logger

	hubOnce sync.Once
}

// New builds a Server. subscriber may be nil when the bus is not used,
// in which case Serve runs without a bridge.
func New(cfg *config.Config, authenticator Authenticator, subscriber bridge.Subscriber, log *zap.Logger) *Server {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		hub:     NewHub(log),
		auth:    authenticator,
		origins: newOriginPolicy(cfg.AllowedOrigins, log.Named("origin")),
		clock:   newHealthClock(),
		log:     log.Named("server"),
	}
	s.upgrader = s.newUpgrader()
	if subscriber != nil {
		s.bridge = bridge.New(cfg.ChannelPrefix, subscriber, s.hub, log)
	}
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	return s.SetupRoutes()
}

// StartHub starts the hub loop once. Serve calls it; tests that mount
// Handler on their own listener call it directly.
func (s *Server) StartHub() {
	s.hubOnce.Do(func() {
		go s.hub.Run()
		s.log.Info("Hub started and ready to manage WebSocket connections")
	})
}

// Shutdown stops the hub, closing every client connection.
func (s *Server) Shutdown() error {
	s.StartHub()
	return s.hub.Shutdown(s.cfg.ShutdownTimeout)
}

// Run listens on the configured port and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the hub, the bridge and the HTTP server on ln until ctx is
// cancelled or one of them fails, then shuts everything down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.StartHub()

	httpServer := CreateServer(ln.Addr().String(), s.Handler())
	g, gctx := errgroup.WithContext(ctx)

	if s.bridge != nil {
		g.Go(func() error {
			return s.bridge.Run(gctx)
		})
	}

	g.Go(func() error {
		s.log.Info("Server listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		httpErr := ShutdownServer(httpServer, s.cfg.ShutdownTimeout, s.log)
		hubErr := s.hub.Shutdown(s.cfg.ShutdownTimeout)
		if hubErr != nil {
			hubErr = fmt.Errorf("hub shutdown: %w", hubErr)
		}
		return errors.Join(httpErr, hubErr)
	})

	return g.Wait()
}
