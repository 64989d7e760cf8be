package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/anaphygon/askgate/internal/auth"
	"github.com/anaphygon/askgate/internal/cache"
	"github.com/anaphygon/askgate/internal/clock"
	"github.com/anaphygon/askgate/internal/completion"
	"github.com/anaphygon/askgate/internal/config"
	"github.com/anaphygon/askgate/internal/embed"
	"github.com/anaphygon/askgate/internal/gemini"
	"github.com/anaphygon/askgate/internal/oauth"
	"github.com/anaphygon/askgate/internal/pipeline"
	"github.com/anaphygon/askgate/internal/quota"
	"github.com/anaphygon/askgate/internal/ratelimit"
	"github.com/anaphygon/askgate/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	authModeSession   = "session"
	authModeAnonymous = "anonymous"
)

type (
	// Option overrides a collaborator the server would otherwise build from
	// its configuration
	Option func(s *Server)

	// Server wires the chat pipeline, authentication and admin API into a
	// gin engine
	Server struct {
		cfg      *config.Config
		logger   *zap.Logger
		router   *gin.Engine
		clock    clock.Clock
		registry *prometheus.Registry

		users      storage.Users // registered accounts
		quotaUsers storage.Users // whose quota is tracked; anonymous mode auto-provisions
		sessions   *storage.SessionStore
		usage      *storage.UsageStore
		provider   completion.Provider

		auth         *auth.Service
		limiter      *ratelimit.Limiter
		loginLimiter *ratelimit.Limiter
		quota        *quota.Tracker
		cache        *cache.Cache
		completer    *completion.Client
		pipeline     *pipeline.Pipeline
		validator    *chatValidator

		httpRequests *prometheus.CounterVec
		httpDuration *prometheus.HistogramVec
	}
)

// WithClock sets the time source of every component
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithProvider replaces the Gemini provider
func WithProvider(p completion.Provider) Option {
	return func(s *Server) { s.provider = p }
}

// WithUsers replaces the configured user store
func WithUsers(u storage.Users) Option {
	return func(s *Server) { s.users = u }
}

// New creates a new server instance
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		router:   gin.New(),
		clock:    clock.Real{},
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := s.initStorage(); err != nil {
		return nil, err
	}
	if err := s.initComponents(); err != nil {
		return nil, err
	}

	tmpl, err := embed.Templates()
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	s.router.SetHTMLTemplate(tmpl)

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) initStorage() error {
	if s.users == nil {
		switch s.cfg.Storage.Backend {
		case "redis":
			rdb := redis.NewClient(&redis.Options{
				Addr:     s.cfg.Storage.Redis.Addr,
				Password: s.cfg.Storage.Redis.Password,
				DB:       s.cfg.Storage.Redis.DB,
			})
			s.users = storage.NewRedisUserStore(rdb)
			s.logger.Info("Using redis user store", zap.String("addr", s.cfg.Storage.Redis.Addr))
		default:
			s.users = storage.NewUserStore(s.cfg.Storage.UsersDir)
		}
	}

	s.quotaUsers = s.users
	if s.cfg.Auth.Mode == authModeAnonymous {
		s.quotaUsers = storage.NewAnonymousUserStore(s.cfg.Quota.DefaultLimit)
	}

	s.sessions = storage.NewSessionStore(s.cfg.Storage.SessionsDir)
	loc, err := s.cfg.Quota.Location()
	if err != nil {
		return fmt.Errorf("failed to load quota timezone: %w", err)
	}
	s.usage = storage.NewUsageStore(s.cfg.Storage.UsageDir,
		storage.WithUsageClock(s.clock),
		storage.WithUsageLocation(loc))
	return nil
}

func (s *Server) initComponents() error {
	loc, err := s.cfg.Quota.Location()
	if err != nil {
		return fmt.Errorf("failed to load quota timezone: %w", err)
	}

	if s.provider == nil {
		g := s.cfg.Gemini
		httpClient := oauth.NewHTTPClient(context.Background(), oauth.Config{
			ClientID:     g.OAuth.ClientID,
			ClientSecret: g.OAuth.ClientSecret,
			RefreshToken: g.OAuth.RefreshToken,
		}, &http.Client{}, s.logger)

		s.provider, err = gemini.NewProvider(context.Background(), gemini.Config{
			Backend:      g.Backend,
			APIKey:       g.APIKey,
			BaseURL:      g.BaseURL,
			Model:        g.Model,
			SystemPrompt: g.SystemPrompt,
			Params: gemini.Params{
				Temperature:     g.Temperature,
				TopP:            g.TopP,
				TopK:            g.TopK,
				MaxOutputTokens: g.MaxOutputTokens,
				StopSequences:   g.StopSequences,
				SafetyThreshold: g.SafetyThreshold,
			},
			ContextItems: g.ContextItems,
			ContextChars: g.ContextChars,
			Timeout:      g.Timeout,
		}, httpClient, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create gemini provider: %w", err)
		}
	}

	s.auth = auth.NewService(auth.Config{
		BcryptCost:        s.cfg.Auth.BcryptCost,
		DefaultChatLimit:  s.cfg.Quota.DefaultLimit,
		MinPasswordLength: s.cfg.Auth.MinPasswordLength,
		SessionTTL:        s.cfg.Auth.SessionTTL,
		RememberTTL:       s.cfg.Auth.RememberTTL,
	}, s.users, s.sessions, auth.WithClock(s.clock), auth.WithLogger(s.logger))

	s.limiter = ratelimit.New(limiterConfig(s.cfg.RateLimit),
		ratelimit.WithName("chat"),
		ratelimit.WithClock(s.clock),
		ratelimit.WithLogger(s.logger),
		ratelimit.WithRegisterer(s.registry),
	)
	s.loginLimiter = ratelimit.New(limiterConfig(s.cfg.LoginLimit),
		ratelimit.WithName("login"),
		ratelimit.WithClock(s.clock),
		ratelimit.WithLogger(s.logger),
		ratelimit.WithRegisterer(s.registry),
	)

	s.quota = quota.NewTracker(s.quotaUsers,
		quota.WithClock(s.clock),
		quota.WithLocation(loc),
		quota.WithLogger(s.logger),
	)

	s.cache = cache.New(cache.Config{
		TTL:        s.cfg.Cache.TTL,
		MaxEntries: s.cfg.Cache.MaxEntries,
	}, cache.WithClock(s.clock), cache.WithLogger(s.logger), cache.WithRegisterer(s.registry))

	s.completer = completion.NewClient(s.provider,
		completion.WithPolicy(completion.Policy{
			MaxAttempts:  s.cfg.Retry.MaxAttempts,
			BaseDelay:    s.cfg.Retry.BaseDelay,
			MaxDelay:     s.cfg.Retry.MaxDelay,
			Multiplier:   s.cfg.Retry.Multiplier,
			EmptyRetries: s.cfg.Retry.EmptyRetries,
		}),
		completion.WithAttemptTimeout(s.cfg.Gemini.Timeout),
		completion.WithFallback(!s.cfg.Fallback.Disabled),
		completion.WithRequestsPerMinute(s.cfg.Gemini.RequestsPerMinute),
		completion.WithLogger(s.logger),
		completion.WithRegisterer(s.registry),
	)

	s.pipeline = pipeline.New(s.limiter, s.quota, s.cache, s.completer,
		pipeline.WithUsage(s.usage),
		pipeline.WithClock(s.clock),
		pipeline.WithLogger(s.logger),
		pipeline.WithRegisterer(s.registry),
	)

	s.validator = newChatValidator(s.cfg.Validation)
	return nil
}

func limiterConfig(c config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Window:             c.Window,
		MaxRequests:        c.MaxRequests,
		ViolationThreshold: c.ViolationThreshold,
		BlacklistDuration:  c.BlacklistDuration,
		IdleMultiplier:     c.IdleMultiplier,
	}
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start launches the background maintenance loops. They stop when ctx is
// done.
func (s *Server) Start(ctx context.Context) {
	s.limiter.StartSweeper(ctx, s.cfg.RateLimit.SweepInterval)
	s.loginLimiter.StartSweeper(ctx, s.cfg.LoginLimit.SweepInterval)
	s.cache.StartSweeper(ctx, s.cfg.Cache.SweepInterval)
	if s.cfg.Auth.Mode == authModeSession {
		s.auth.StartCleanup(ctx, s.cfg.Auth.CleanupInterval)
	}

	s.logger.Info("Background maintenance started",
		zap.Duration("ratelimit_sweep", s.cfg.RateLimit.SweepInterval),
		zap.Duration("cache_sweep", s.cfg.Cache.SweepInterval),
		zap.Duration("session_cleanup", s.cfg.Auth.CleanupInterval))
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggerMiddleware())
	s.router.Use(s.metricsMiddleware())
	s.router.Use(s.securityHeadersMiddleware())
	s.router.Use(s.suspiciousURLMiddleware())
	s.router.Use(s.bodyLimitMiddleware())

	if s.cfg.Security.EnableCORS {
		s.router.Use(s.corsMiddleware())
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/chat")
	})

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ping", s.ping)
	s.router.GET("/metrics", s.metricsHandler())

	s.router.GET("/chat", s.chatPage)

	authGroup := s.router.Group("/auth")
	{
		authGroup.GET("/login", s.loginPage)
		authGroup.POST("/login", s.login)
		authGroup.POST("/register", s.register)
		authGroup.POST("/logout", s.logout)
		authGroup.GET("/user", s.currentUser)
	}

	api := s.router.Group("/api")
	api.Use(s.identityMiddleware())
	{
		api.POST("/chat", s.chat)
		api.GET("/quota", s.quotaStatus)
	}

	admin := s.router.Group("/admin")
	{
		admin.POST("/login", s.adminLogin)
		admin.GET("/verify", s.adminVerify)

		protected := admin.Group("/")
		protected.Use(s.adminAuthMiddleware())
		{
			protected.GET("/stats", s.adminStats)
			protected.POST("/ratelimit/reset", s.adminResetClient)
			protected.GET("/users", s.adminListUsers)
			protected.POST("/users/limit", s.adminSetLimit)
			protected.POST("/cache/clear", s.adminClearCache)
			protected.GET("/logs", s.getLogs)
			protected.DELETE("/logs", s.clearLogs)
			protected.GET("/usage", s.adminUsage)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"model":     s.completer.Model(),
		"authMode":  s.cfg.Auth.Mode,
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}
