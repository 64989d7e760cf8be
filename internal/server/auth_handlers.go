package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/anaphygon/askgate/internal/auth"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/anaphygon/askgate/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Remember bool   `json:"remember"`
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) loginPage(c *gin.Context) {
	if _, err := s.sessionUser(c); err == nil {
		c.Redirect(http.StatusFound, "/chat")
		return
	}
	c.HTML(http.StatusOK, "login.html", gin.H{
		"Title":             appTitle,
		"MinPasswordLength": s.cfg.Auth.MinPasswordLength,
	})
}

func (s *Server) login(c *gin.Context) {
	key := ratelimit.ClientKey(c.ClientIP(), c.Request.UserAgent())
	if !s.admitLogin(c, key) {
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		authFailed(c, http.StatusBadRequest, "VALIDATION_ERROR", "Username and password are required")
		return
	}

	session, user, err := s.auth.Login(c.Request.Context(), req.Username, req.Password, req.Remember)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			s.logger.Warn("Failed login attempt",
				zap.String("username", req.Username),
				zap.String("client_ip", c.ClientIP()))
			authFailed(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
		case errors.Is(err, auth.ErrInactive):
			authFailed(c, http.StatusForbidden, "ACCOUNT_DISABLED", "This account is disabled")
		default:
			s.logger.Error("Login failed", zap.Error(err))
			authFailed(c, http.StatusInternalServerError, "UNKNOWN", "Login failed, please try again")
		}
		return
	}

	s.loginLimiter.Reset(key)
	s.setSessionCookie(c, session)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"user":      user,
		"expiresAt": session.ExpiresAt,
	})
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		authFailed(c, http.StatusBadRequest, "VALIDATION_ERROR", "Username, email and password are required")
		return
	}

	ctx := c.Request.Context()
	user, err := s.auth.Register(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			authFailed(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		case errors.Is(err, auth.ErrUserExists):
			authFailed(c, http.StatusConflict, "USER_EXISTS", "Username is already taken")
		case errors.Is(err, auth.ErrEmailExists):
			authFailed(c, http.StatusConflict, "EMAIL_EXISTS", "Email is already registered")
		default:
			s.logger.Error("Registration failed", zap.Error(err))
			authFailed(c, http.StatusInternalServerError, "UNKNOWN", "Registration failed, please try again")
		}
		return
	}

	session, _, err := s.auth.Login(ctx, req.Username, req.Password, false)
	if err != nil {
		s.logger.Error("Login after registration failed", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusCreated, gin.H{"success": true, "user": user})
		return
	}

	s.setSessionCookie(c, session)
	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"user":      user,
		"expiresAt": session.ExpiresAt,
	})
}

func (s *Server) logout(c *gin.Context) {
	if sessionID, err := c.Cookie(s.cfg.Auth.CookieName); err == nil {
		if err := s.auth.Logout(c.Request.Context(), sessionID); err != nil {
			s.logger.Warn("Failed to delete session", zap.Error(err))
		}
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cfg.Auth.CookieName, "", -1, "/", "", s.cfg.Security.SecureCookies, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) currentUser(c *gin.Context) {
	user, err := s.sessionUser(c)
	if err != nil {
		authFailed(c, http.StatusUnauthorized, "UNAUTHORIZED", "Not logged in")
		return
	}

	resp := gin.H{"success": true, "user": user}
	if status, err := s.quota.Check(c.Request.Context(), user.ID); err == nil {
		resp["quota"] = status.Info()
	}
	c.JSON(http.StatusOK, resp)
}

// admitLogin throttles credential guessing per client
func (s *Server) admitLogin(c *gin.Context, key string) bool {
	d := s.loginLimiter.Admit(key)
	if d.Allowed {
		return true
	}
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
		Success:     false,
		Message:     "Too many login attempts. Please try again later.",
		ErrorType:   "RATE_LIMITED",
		Retryable:   true,
		Suggestions: []string{"Wait a few minutes before trying again"},
		Details:     map[string]interface{}{"retryAfter": retryAfterSeconds(d.RetryAfter)},
	})
	return false
}

func (s *Server) setSessionCookie(c *gin.Context, session *models.Session) {
	maxAge := int(session.ExpiresAt.Sub(session.CreatedAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cfg.Auth.CookieName, session.SessionID, maxAge, "/", "", s.cfg.Security.SecureCookies, true)
}

func authFailed(c *gin.Context, status int, errorType, message string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Success:     false,
		Message:     message,
		ErrorType:   errorType,
		Suggestions: []string{},
	})
}
