package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/bayhq/bay/pkg/cargo"
	"github.com/bayhq/bay/pkg/config"
	"github.com/bayhq/bay/pkg/gc"
	"github.com/bayhq/bay/pkg/log"
	"github.com/bayhq/bay/pkg/metrics"
	"github.com/bayhq/bay/pkg/router"
	"github.com/bayhq/bay/pkg/sandbox"
	"github.com/bayhq/bay/pkg/session"
	"github.com/bayhq/bay/pkg/storage"
)

// Deps are the wired managers the HTTP surface exposes.
type Deps struct {
	Store     storage.Store
	Sandboxes *sandbox.Manager
	Cargos    *cargo.Manager
	Sessions  *session.Manager
	Router    *router.Router
	GC        *gc.Scheduler
	Profiles  *config.ProfileSet
	Replayer  *sandbox.Replayer
	APIKey    string
}

// Server is the versioned HTTP boundary. Everything under /v1 requires the
// bearer token; /health and /metrics are open for probes and scrapers.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the engine and registers every route.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	s := &Server{
		deps:   deps,
		engine: engine,
		logger: log.WithComponent("api"),
	}

	engine.Use(gin.Recovery(), s.observe())

	engine.GET("/health", gin.WrapF(metrics.HealthHandler()))
	engine.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/v1", s.auth())

	v1.POST("/sandboxes", s.createSandbox)
	v1.GET("/sandboxes", s.listSandboxes)
	v1.GET("/sandboxes/:id", s.getSandbox)
	v1.DELETE("/sandboxes/:id", s.deleteSandbox)
	v1.POST("/sandboxes/:id/stop", s.stopSandbox)
	v1.POST("/sandboxes/:id/keepalive", s.keepaliveSandbox)
	v1.POST("/sandboxes/:id/extend_ttl", s.extendTTL)

	// Capability operations are enumerated, not wildcarded: the surface is
	// closed and unknown operations 404 at the routing layer.
	v1.POST("/sandboxes/:id/python/exec", s.capability("python", "exec"))
	v1.POST("/sandboxes/:id/shell/exec", s.capability("shell", "exec"))
	v1.POST("/sandboxes/:id/filesystem/read", s.capability("filesystem", "read"))
	v1.POST("/sandboxes/:id/filesystem/write", s.capability("filesystem", "write"))
	v1.POST("/sandboxes/:id/filesystem/list", s.capability("filesystem", "list"))
	v1.POST("/sandboxes/:id/filesystem/delete", s.capability("filesystem", "delete"))
	v1.POST("/sandboxes/:id/filesystem/upload", s.uploadFile)
	v1.GET("/sandboxes/:id/filesystem/download", s.downloadFile)
	v1.POST("/sandboxes/:id/browser/exec", s.capability("browser", "exec"))

	v1.POST("/cargos", s.createCargo)
	v1.GET("/cargos", s.listCargos)
	v1.GET("/cargos/:id", s.getCargo)
	v1.DELETE("/cargos/:id", s.deleteCargo)

	v1.GET("/profiles", s.listProfiles)

	v1.GET("/admin/gc/status", s.gcStatus)
	v1.POST("/admin/gc/run", s.gcRun)

	return s
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
