// Package httpapi exposes token issuance, scanning, offline sync and live
// updates over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"checkin/internal/attendance"
	"checkin/internal/auth"
	"checkin/internal/config"
	"checkin/internal/httpmiddleware"
	"checkin/internal/metrics"
	"checkin/internal/notify"
	"checkin/internal/token"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the collaborators a Server routes to.
type Deps struct {
	Config config.App
	Engine *attendance.Engine
	// Attendees backs admin registration; the route is omitted when nil.
	Attendees attendance.Registrar
	Codec     token.Codec
	Nonces    token.NonceStore // consulted only when Config.TokenSingleUse is set
	Hub       *notify.Hub
	Metrics   *metrics.Metrics
	Health    map[string]HealthCheck
	// Gatherer backs /metrics; the default registry is used when nil.
	Gatherer prometheus.Gatherer
}

// Server holds the handlers.
type Server struct {
	cfg      config.App
	engine   *attendance.Engine
	registry attendance.Registrar
	codec    token.Codec
	nonces   token.NonceStore
	hub      *notify.Hub
	metrics  *metrics.Metrics
	health   map[string]HealthCheck
	gatherer prometheus.Gatherer
	now      func() time.Time
}

// New creates a server.
func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		engine:   d.Engine,
		registry: d.Attendees,
		codec:    d.Codec,
		hub:      d.Hub,
		metrics:  d.Metrics,
		health:   d.Health,
		gatherer: d.Gatherer,
		now:      time.Now,
	}
	if d.Config.TokenSingleUse {
		s.nonces = d.Nonces
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// Router builds the gin engine with every route and middleware.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	if mw := corsMiddleware(s.cfg.CORSOrigins); mw != nil {
		r.Use(mw)
	}
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.healthz)

	r.POST("/v1/stations/register", s.requireAdminKey(), s.registerStation)
	r.POST("/v1/attendees/session", s.requireAdminKey(), s.attendeeSession)
	if s.registry != nil {
		r.POST("/v1/attendees", s.requireAdminKey(), s.registerAttendee)
	}

	limiter := httpmiddleware.NewTokenBucket(s.cfg.RateLimitPerMin, s.cfg.RateLimitPerMin)
	limit := limiter.GinMiddleware(callerKey)

	v1 := r.Group("/v1", auth.Bearer(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, false))
	v1.POST("/tokens", limit, s.issueToken)
	v1.GET("/tokens/:attendeeId/qr.png", limit, s.tokenQR)

	staff := v1.Group("", auth.RequireRoles(auth.StaffRoles...))
	staff.POST("/scan", limit, s.scan)
	staff.POST("/sync", s.sync)
	staff.GET("/sync/changes", s.changes)

	r.GET("/v1/ws", auth.Bearer(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, true), s.subscribe)
	return r
}

// callerKey rate-limits authenticated callers by subject and everyone else by IP.
func callerKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok {
		return "sub:" + claims.Subject
	}
	return "ip:" + c.ClientIP()
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return nil
	}
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Device-Info"}
	cfg.MaxAge = 24 * time.Hour
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cors.New(cfg)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
