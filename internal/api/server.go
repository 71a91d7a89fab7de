package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/lkrzak/mniam-headless/internal/config"
	"github.com/lkrzak/mniam-headless/internal/db"
	"github.com/lkrzak/mniam-headless/internal/events"
	"github.com/lkrzak/mniam-headless/internal/network"
	"github.com/lkrzak/mniam-headless/internal/util"
)

// Server is the admin REST API of the game host.
type Server struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	game      *network.Server
	sessions  *db.SessionStore
	gatherer  prometheus.Gatherer
	runID     string
	startedAt time.Time

	httpServer *http.Server
	routerOnce sync.Once
	router     *gin.Engine
}

// NewServer creates a new API server. sessions may be nil when the session
// store is disabled; gatherer defaults to the global prometheus registry.
func NewServer(
	cfg *config.Config,
	eventBus *events.EventBus,
	game *network.Server,
	sessions *db.SessionStore,
	gatherer prometheus.Gatherer,
	runID string,
) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		cfg:       cfg,
		eventBus:  eventBus,
		game:      game,
		sessions:  sessions,
		gatherer:  gatherer,
		runID:     runID,
		startedAt: time.Now(),
	}
}

// Handler returns the router serving every API route.
func (s *Server) Handler() http.Handler {
	s.routerOnce.Do(func() {
		s.router = s.buildRouter()
	})
	return s.router
}

// Start serves the API on the configured port until ctx is cancelled. With
// TLS enabled a self-signed certificate is generated when none exists.
func (s *Server) Start(ctx context.Context) error {
	appData := s.cfg.GetApplicationData()
	addr := fmt.Sprintf(":%d", appData.API.Port)

	tlsCfg, err := s.tlsConfig(appData.Security)
	if err != nil {
		return fmt.Errorf("API TLS setup: %w", err)
	}

	lc := network.ReusableListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API listen on %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API shutdown incomplete")
		}
	})
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsCfg != nil).Msg("REST API listening")
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API serve: %w", err)
	}
	return nil
}

// tlsConfig returns nil when TLS is off.
func (s *Server) tlsConfig(sec config.SecurityConfig) (*tls.Config, error) {
	if !sec.TLSEnabled {
		return nil, nil
	}
	localIP, _ := util.GetLocalIP()
	if _, err := util.EnsureSelfSignedCert(sec.TLSCertFile, sec.TLSKeyFile, localIP); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(sec.TLSCertFile, sec.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	security := s.cfg.GetApplicationData().Security

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/system", s.handleGetSystem)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(security.APIToken))

	clients := protected.Group("/clients")
	{
		clients.GET("", s.handleListClients)
		clients.GET("/:id", s.handleGetClient)
		clients.GET("/:id/session", s.handleGetClientSession)
		clients.DELETE("/:id", s.handleRemoveClient)
		clients.POST("/prune", s.handlePruneClients)
	}

	srv := protected.Group("/server")
	{
		srv.GET("/status", s.handleServerStatus)
		srv.POST("/accept", s.handleAccept)
		srv.POST("/reject", s.handleReject)
	}

	protected.GET("/sessions", s.handleListSessions)
	protected.GET("/alerts", s.handleListAlerts)
	protected.POST("/alerts/:id/ack", s.handleAcknowledgeAlert)

	protected.GET("/config", s.handleGetConfig)
	protected.PATCH("/config/server", s.handlePatchServerConfig)

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "mniam admin API is running"})
	})

	return router
}
