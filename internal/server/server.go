// Package server wires the OrbitMesh control plane together: store, event
// bus, agent registry, job dispatcher, workflow engine and the HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/api"
	"github.com/orbitmesh/orbitmesh/internal/common/config"
	"github.com/orbitmesh/orbitmesh/internal/common/httpmw"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/dispatch"
	"github.com/orbitmesh/orbitmesh/internal/events/bus"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/session"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/store/sqlite"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// Server is the composed OrbitMesh control plane.
type Server struct {
	cfg *config.Config
	log *logger.Logger

	store      store.Store
	bus        bus.EventBus
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	engine     *workflow.Engine
	auth       session.Authenticator
	gateway    *session.Gateway
	http       *http.Server
}

// New builds the server from configuration. Nothing starts until Start.
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	serverID := cfg.Server.ServerID
	if serverID == "" {
		serverID = "orbitmesh-" + uuid.New().String()[:8]
	}

	var st store.Store
	var err error
	if cfg.Store.Path != "" {
		st, err = sqlite.New(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		log.Info("Using sqlite store", zap.String("path", cfg.Store.Path))
	} else {
		st = store.NewMemoryStore()
		log.Info("Using in-memory store")
	}

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}

	reg := registry.New(st, eventBus, cfg.Session, serverID, log)
	disp := dispatch.New(st, reg, eventBus, cfg.Dispatcher, log)
	reg.SetSink(disp)
	engine := workflow.NewEngine(st, disp, eventBus, cfg.Workflow, log)

	var auth session.Authenticator
	switch cfg.Auth.Mode {
	case "static":
		auth = session.NewStaticAuthenticator(cfg.Auth.StaticTokens)
	case "insecure":
		auth = session.InsecureAuthenticator{}
		log.Warn("Agent authentication disabled; do not run this in production")
	default:
		auth = session.NewStoreAuthenticator(st)
	}
	gateway := session.NewGateway(auth, reg, cfg.Session, log)

	s := &Server{
		cfg:        cfg,
		log:        log,
		store:      st,
		bus:        eventBus,
		registry:   reg,
		dispatcher: disp,
		engine:     engine,
		auth:       auth,
		gateway:    gateway,
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.buildRouter(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(s.log, "orbitmesh"))
	router.Use(httpmw.Recovery(s.log))
	router.Use(httpmw.CORS())

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, s.registry, s.dispatcher, s.engine, s.store, s.bus, s.log)

	// Agent connections bypass gin routing beyond path matching; the
	// gateway owns the websocket handshake.
	router.GET("/api/v1/connect", gin.WrapH(s.gateway))

	router.GET("/health", s.health)
	return router
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok", "bus_connected": s.bus.IsConnected()}
	if !s.bus.IsConnected() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// Authenticator exposes the configured agent authenticator for readiness
// probing at startup.
func (s *Server) Authenticator() session.Authenticator { return s.auth }

// Start brings the components up in dependency order and begins serving.
// The HTTP listener runs in a background goroutine; listen errors go to
// errCh.
func (s *Server) Start(ctx context.Context, errCh chan<- error) error {
	if err := s.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workflow engine: %w", err)
	}

	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return nil
}

// Stop shuts everything down in reverse order of Start. The context bounds
// the HTTP drain; components stop synchronously after it.
func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Error("HTTP server shutdown error", zap.Error(err))
	}
	s.engine.Stop()
	s.dispatcher.Stop()
	s.registry.Stop()
	s.bus.Close()
	if err := s.store.Close(); err != nil {
		s.log.Error("Store close error", zap.Error(err))
	}
}
