// Package webbridge exposes the session server's room catalog and admin
// capabilities over HTTP and WebSocket: a read-only projection for
// spectators, a throttled real-time room-list feed, and a mutating admin
// surface bound to engine.AdminHandle. It never touches RoomStore or
// SessionTable directly; every mutation and every catalog read goes
// through the protocol engine, the same as a TCP client would see.
package webbridge

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rhythmsession/server/internal/banstore"
	"github.com/rhythmsession/server/internal/config"
	"github.com/rhythmsession/server/internal/engine"
	"github.com/rhythmsession/server/internal/federation"
	"github.com/rhythmsession/server/internal/middleware"
	"github.com/rhythmsession/server/internal/ratelimit"
	"github.com/rhythmsession/server/internal/sessiontable"
)

// FederationStatus is the narrow slice of *federation.Manager the bridge
// needs for its status endpoint: federation is an optional collaborator,
// so the bridge depends on this interface rather than forcing every
// caller of New to have a non-nil *federation.Manager in hand.
type FederationStatus interface {
	PublicStatus() (nodeID string, peers []federation.PeerView)
}

// Server wires the engine's admin capabilities and room catalog onto a
// gin router, the same shape as the teacher's cmd/v1/session/main.go
// router assembly, generalized into its own package and reusable type so
// cmd/sessionserver only has to construct and start it.
type Server struct {
	cfg      *config.Config
	eng      *engine.Engine
	sessions *sessiontable.Table
	bans     *banstore.Store
	fed      FederationStatus
	limiter  *ratelimit.RateLimiter
	log      *zap.Logger

	router *gin.Engine
	hub    *hub
	auth   *adminAuth

	httpSrv *http.Server
}

// New constructs a Server and builds its router. fed may be nil when
// federation is disabled.
func New(cfg *config.Config, eng *engine.Engine, sessions *sessiontable.Table, bans *banstore.Store, fed FederationStatus, limiter *ratelimit.RateLimiter, log *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		eng:      eng,
		sessions: sessions,
		bans:     bans,
		fed:      fed,
		limiter:  limiter,
		log:      log,
	}
	s.hub = newHub(eng, log)
	s.hub.allowedOrigins = s.allowedOrigins
	s.registerWsStatus()
	s.auth = newAdminAuth(cfg, limiter)
	s.router = s.buildRouter()
	eng.SetRoomChangeHook(s.hub)
	return s
}

// allowedOrigins parses cfg.AllowedOrigins fresh on every call so the hub
// and the CORS middleware always agree, even though the hub only reads it
// at upgrade time rather than caching it at construction.
func (s *Server) allowedOrigins() []string {
	return allowedOriginsFromConfig(s.cfg)
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = s.allowedOrigins()
	corsCfg.AllowCredentials = true
	r.Use(cors.New(corsCfg))

	if s.limiter != nil {
		r.Use(s.limiter.GlobalMiddleware())
	}

	r.GET("/healthz", s.liveness)
	r.GET("/readyz", s.readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/api/status", s.handleStatus)
	r.GET("/ws", s.hub.serveWs)

	r.POST("/login", s.auth.handleLogin)

	admin := r.Group("/api/admin", s.auth.requireAdmin)
	admin.Use(s.auth.requireCSRFOrigin)
	{
		admin.POST("/rooms/:roomId/kick/:userId", s.handleKick)
		admin.POST("/rooms/:roomId/close", s.handleCloseRoom)
		admin.POST("/rooms/:roomId/lock", s.handleToggleLock)
		admin.POST("/rooms/:roomId/mode", s.handleToggleMode)
		admin.POST("/rooms/:roomId/maxplayers", s.handleSetMaxPlayers)
		admin.POST("/rooms/:roomId/whitelist", s.handleSetWhitelist)
		admin.POST("/rooms/:roomId/blacklist", s.handleSetBlacklist)
		admin.POST("/rooms/:roomId/forcestart", s.handleForceStart)
		admin.POST("/rooms/:roomId/message", s.handleSendServerMessage)
		admin.POST("/bans/id/:userId", s.handleBanID)
		admin.POST("/bans/ip/:ip", s.handleBanIP)
	}

	return r
}

// Router exposes the built gin.Engine, for tests that want to drive
// requests through httptest without going through Serve.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Serve runs the HTTP server until ctx is canceled, mirroring
// transport.Server.Serve's context-cancelable shape.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.Host + ":" + s.cfg.WebPort
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}

	go s.hub.run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("web bridge listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
