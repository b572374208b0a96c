package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wenwu/saas-platform/key-service/internal/config"
)

// RateLimiter is a simple in-memory sliding-window limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether another request fits in the caller's window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware keys the limit on the user id, falling back to IP.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("userID")
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
}

// Per-user request budget for the read endpoints.
var userRateLimiter = NewRateLimiter(30, time.Minute)

// Server switches are expensive (two panel round-trips); keys get a small
// allowance anyway, so a tight per-hour budget is enough for retries.
var switchRateLimiter = NewRateLimiter(5, time.Hour)

func NewServer(cfg *config.Config, handler *Handler) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		handler: handler,
		cfg:     cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "key-service"})
	})

	// Internal API: called by the settlement service once money is confirmed.
	internal := s.router.Group("/internal", InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/keys", s.handler.CreateKey)
		internal.POST("/keys/:id/extend", s.handler.ExtendKey)
		internal.POST("/keys/:id/retry", s.handler.RetryProvision)
	}

	// User API: called by the chat UI / user portal on behalf of owners.
	user := s.router.Group("/api/v1", JWTAuthMiddleware(s.cfg.JWT.SecretKey), RateLimitMiddleware(userRateLimiter))
	{
		user.GET("/keys", s.handler.ListKeys)
		user.GET("/keys/:id", s.handler.GetKey)
		user.GET("/keys/:id/config", s.handler.GetAccessConfig)
		user.POST("/keys/:id/switch", RateLimitMiddleware(switchRateLimiter), s.handler.SwitchServer)
	}

	// Admin API
	admin := s.router.Group("/admin", AdminAuthMiddleware(s.cfg.AdminAPIKey))
	{
		admin.GET("/servers", s.handler.ListServers)
		admin.POST("/servers/:id/enable", s.handler.EnableServer)
		admin.POST("/servers/:id/disable", s.handler.DisableServer)
		admin.POST("/servers/:id/reconcile", s.handler.ReconcileServer)
		admin.GET("/locations", s.handler.ListLocations)
		admin.DELETE("/keys/:id", s.handler.DeleteKey)
		admin.POST("/keys/:id/disable", s.handler.DisableKey)
		admin.POST("/keys/:id/enable", s.handler.EnableKey)
		admin.GET("/keys/:id/logs", s.handler.GetKeyLogs)
	}
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
