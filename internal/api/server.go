// Package api exposes the HTTP surface: payment verification, license
// validation, webhook management and the admin endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"srpk-license-server/config"
	"srpk-license-server/internal/auth"
	"srpk-license-server/internal/cache"
	"srpk-license-server/internal/chain"
	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
	"srpk-license-server/internal/issuer"
	"srpk-license-server/internal/logging"
	"srpk-license-server/internal/pricing"
	"srpk-license-server/internal/verifier"
	"srpk-license-server/internal/webhook"
)

// RateLimiter provides simple in-memory rate limiting per endpoint.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	repo        *database.Repository
	bus         *events.Bus
	verifier    *verifier.Verifier
	issuer      *issuer.Issuer
	oracle      *pricing.Oracle
	dispatcher  *webhook.Dispatcher
	authService *auth.Service
	redis       *cache.Service // optional, health reporting only
	registry    *chain.Registry
	chainCfg    config.ChainConfig
	cfg         config.ServerConfig
	rateLimiter *RateLimiter
	hub         *WSHub
	logger      zerolog.Logger
}

// Deps bundles the collaborators the server needs.
type Deps struct {
	Repo        *database.Repository
	Bus         *events.Bus
	Verifier    *verifier.Verifier
	Issuer      *issuer.Issuer
	Oracle      *pricing.Oracle
	Dispatcher  *webhook.Dispatcher
	AuthService *auth.Service
	Redis       *cache.Service
	Registry    *chain.Registry
	ChainConfig config.ChainConfig
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		repo:        deps.Repo,
		bus:         deps.Bus,
		verifier:    deps.Verifier,
		issuer:      deps.Issuer,
		oracle:      deps.Oracle,
		dispatcher:  deps.Dispatcher,
		authService: deps.AuthService,
		redis:       deps.Redis,
		registry:    deps.Registry,
		chainCfg:    deps.ChainConfig,
		cfg:         cfg,
		rateLimiter: NewRateLimiter(120, time.Minute),
		hub:         NewWSHub(),
		logger:      logging.WithComponent("api"),
	}

	server.setupRoutes()
	server.hub.Attach(deps.Bus)

	return server
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"path":  path,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		crypto := api.Group("/crypto")
		{
			crypto.POST("/verify-payment", s.handleVerifyPayment)
			crypto.POST("/calculate-amount", s.handleCalculateAmount)
			crypto.GET("/payment-info", s.handlePaymentInfo)
		}

		api.GET("/licenses/validate", s.handleValidateLicense)

		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("", s.handleRegisterWebhook)
			webhooks.PUT("/:id", s.handleUpdateWebhook)
			webhooks.DELETE("/:id", s.handleRemoveWebhook)
			webhooks.GET("/:id/deliveries", s.handleListDeliveries)
		}

		api.POST("/admin/login", s.handleAdminLogin)

		admin := api.Group("/admin")
		admin.Use(auth.Middleware(s.authService))
		{
			admin.POST("/licenses/:key/revoke", s.handleRevokeLicense)
			admin.GET("/licenses", s.handleListLicenses)
			admin.GET("/licenses/stats", s.handleLicenseStats)
			admin.GET("/webhooks/failures", s.handleDeadLetters)
		}
	}
}

// Start runs the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	checks := gin.H{}

	if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
		status = "degraded"
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	if s.redis != nil {
		if s.redis.Healthy() {
			checks["redis"] = "ok"
		} else {
			checks["redis"] = "unreachable"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
