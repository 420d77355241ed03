package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/config"
	"github.com/detonator-project/detonator/internal/engine"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/match"
	"github.com/detonator-project/detonator/internal/network"
	"github.com/detonator-project/detonator/internal/protocol"
	"github.com/detonator-project/detonator/internal/util"
)

// MatchView is the read side of the match manager.
type MatchView interface {
	Phase() events.MatchPhase
	Session() *match.Session
	Config() match.ManagerConfig
	Board() (protocol.BoardSnapshot, error)
	Players() ([]engine.PlayerStatus, error)
}

// PlayerLister lists the admitted TCP clients.
type PlayerLister interface {
	List() []network.ClientInfo
	Count() int
}

// AddrSource reports a bound listener address.
type AddrSource interface {
	Addr() net.Addr
}

// HealthView exposes the last health sample.
type HealthView interface {
	ProcessStats() *util.ProcessStats
}

// Server is the admin REST API and spectator endpoint.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	match    MatchView
	players  PlayerLister

	// Dependencies
	health     HealthView
	admission  AddrSource
	journal    JournalView
	spectators *SpectatorHub

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, matchView MatchView, players PlayerLister) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		match:    matchView,
		players:  players,
	}
	if cfg.GetApplicationData().API.Spectators {
		s.spectators = NewSpectatorHub()
		s.spectators.Attach(eventBus)
	}
	s.router = s.buildRouter()
	return s
}

// SetDependencies injects components created after the server. Either
// may be nil.
func (s *Server) SetDependencies(health HealthView, admission AddrSource) {
	s.health = health
	s.admission = admission
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Spectators returns the spectator hub, nil when spectators are disabled.
func (s *Server) Spectators() *SpectatorHub {
	return s.spectators
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	addr := fmt.Sprintf(":%d", apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		if s.spectators != nil {
			s.spectators.CloseAll()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetApplicationData().API
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleServerInfo)
		if s.spectators != nil {
			public.GET("/spectate", s.spectators.Handler(s.currentFrame))
		}
	}

	whitelist := IPWhitelist(apiCfg.IPWhitelist)

	monitor := router.Group("/api/monitor")
	monitor.Use(whitelist)
	{
		monitor.GET("/match", s.handleMatch)
		monitor.GET("/players", s.handlePlayers)
		monitor.GET("/board", s.handleBoard)
		monitor.GET("/system", s.handleSystem)
		monitor.GET("/logs", s.handleLogEntries)
		monitor.GET("/journal/ticks", s.handleJournalTicks)
		monitor.GET("/journal/snapshot/:seq", s.handleJournalSnapshot)
	}

	configure := router.Group("/api/configure")
	configure.Use(whitelist)
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/log_level", s.handleSetLogLevel)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "detonator API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
