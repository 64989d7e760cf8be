package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anaphygon/askgate/internal/auth"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/anaphygon/askgate/internal/pipeline"
	"github.com/anaphygon/askgate/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	ctxRequestID = "request_id"
	ctxUser      = "user"
	ctxClientKey = "client_key"
)

// patterns that never appear in a legitimate URL of this service
var suspiciousPatterns = []string{
	"..",
	"/etc/passwd",
	"/proc/self",
	"<script",
	"javascript:",
}

// requestIDMiddleware tags every request with an X-Request-ID
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.New().String()
		}
		c.Set(ctxRequestID, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// loggerMiddleware logs HTTP requests
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		s.logger.Info("HTTP Request",
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// metricsMiddleware counts and times requests by matched route
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	s.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "askgate_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})
	s.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "askgate_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	s.registry.MustRegister(s.httpRequests, s.httpDuration)

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		s.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) metricsHandler() gin.HandlerFunc {
	h := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
	return gin.WrapH(h)
}

// securityHeadersMiddleware sets the browser hardening headers
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		h.Set("Content-Security-Policy",
			"default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'; frame-ancestors 'none'")
		c.Next()
	}
}

// suspiciousURLMiddleware rejects path traversal and script injection attempts
func (s *Server) suspiciousURLMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.ToLower(c.Request.URL.Path + "?" + c.Request.URL.RawQuery)
		if unescaped, err := url.QueryUnescape(raw); err == nil {
			raw = unescaped
		}
		for _, p := range suspiciousPatterns {
			if strings.Contains(raw, p) {
				s.logger.Warn("Suspicious request blocked",
					zap.String("client_ip", c.ClientIP()),
					zap.String("pattern", p),
					zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{
					Success:     false,
					Message:     "Invalid request",
					ErrorType:   "INVALID_REQUEST",
					Suggestions: []string{},
				})
				return
			}
		}
		c.Next()
	}
}

// bodyLimitMiddleware rejects payloads above the configured size
func (s *Server) bodyLimitMiddleware() gin.HandlerFunc {
	limit := s.cfg.Server.MaxBodyBytes
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
				Success:     false,
				Message:     "Request body too large",
				ErrorType:   "PAYLOAD_TOO_LARGE",
				Suggestions: []string{"Send a shorter question"},
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// corsMiddleware handles CORS
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range s.cfg.Security.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			}
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Admin-Token, X-Request-ID")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
			c.Writer.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, X-RateLimit-Window, Retry-After, X-Request-ID")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// identityMiddleware resolves who is asking. In session mode a valid
// session cookie is required; in anonymous mode the client key doubles as
// the user ID.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxClientKey, ratelimit.ClientKey(c.ClientIP(), c.Request.UserAgent()))

		if s.cfg.Auth.Mode == authModeAnonymous {
			c.Next()
			return
		}

		user, err := s.sessionUser(c)
		if err != nil {
			if !errors.Is(err, auth.ErrSessionInvalid) && !errors.Is(err, auth.ErrInactive) {
				s.logger.Error("Failed to resolve session", zap.Error(err))
			}
			s.abortWithError(c, pipeline.NewError(pipeline.ErrUnauthorized, err))
			return
		}
		c.Set(ctxUser, user)
		c.Next()
	}
}

// adminAuthMiddleware checks admin authentication
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Token")

		if token == "" || !s.validAdminToken(token) {
			if token != "" {
				s.logger.Warn("Invalid admin token attempt",
					zap.String("client_ip", c.ClientIP()))
			}
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) validAdminToken(token string) bool {
	if s.cfg.Security.AdminPassword == "" {
		return false
	}
	expected := generateToken(s.cfg.Security.AdminPassword)
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// setRateLimitHeaders publishes the limiter decision to the client
func (s *Server) setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	c.Header("X-RateLimit-Window", strconv.Itoa(int(s.limiter.Config().Window.Seconds())))
	if !d.Allowed {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
