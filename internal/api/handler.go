package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"perp-agent/internal/engine"
	"perp-agent/internal/events"
	"perp-agent/internal/monitor"
)

// Server wires HTTP endpoints around the engine service and event bus.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
	log       *zap.Logger
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Backend    string
	Assets     []string
	Interval   string
	AgentKind  string
	InstanceID string
	Version    string
}

func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, metrics))
	r.Use(RateLimitMiddleware(newIPLimiterStore(20, 50), log))
	r.Use(TimeoutMiddleware(30*time.Second, log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Engine:    svc,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	if s.JWTSecret != "" {
		api.Use(AuthMiddleware(s.JWTSecret))
		s.Router.GET("/ws", AuthMiddleware(s.JWTSecret), s.websocket)
	} else {
		s.log.Warn("⚠️ JWT_SECRET not set; control API is unauthenticated")
		s.Router.GET("/ws", s.websocket)
	}
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		api.GET("/engine/status", s.getEngineStatus)
		api.POST("/engine/start", s.startEngine)
		api.POST("/engine/stop", s.stopEngine)

		api.GET("/positions", s.getPositions)
		api.POST("/positions/:asset/close", s.closePosition)

		api.GET("/proposals", s.getPendingProposals)
		api.GET("/proposals/history", s.getProposalHistory)
		api.POST("/proposals/:id/approve", s.approveProposal)
		api.POST("/proposals/:id/reject", s.rejectProposal)

		api.GET("/diary", s.getDiary)
		api.GET("/fills", s.getFills)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.Engine.IsRunning()})
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
