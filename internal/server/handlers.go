package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/anaphygon/askgate/internal/logger"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/anaphygon/askgate/internal/ratelimit"
	"github.com/anaphygon/askgate/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ==================== admin auth ====================

func (s *Server) adminLogin(c *gin.Context) {
	key := "admin_" + ratelimit.ClientKey(c.ClientIP(), c.Request.UserAgent())
	if !s.admitLogin(c, key) {
		return
	}

	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}

	if s.cfg.Security.AdminPassword == "" ||
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.Security.AdminPassword)) != 1 {
		s.logger.Warn("Failed admin login attempt", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid password"})
		return
	}

	s.loginLimiter.Reset(key)
	s.logger.Info("Admin logged in successfully", zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"token":   generateToken(req.Password),
	})
}

func (s *Server) adminVerify(c *gin.Context) {
	token := c.GetHeader("X-Admin-Token")
	if token == "" || !s.validAdminToken(token) {
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// ==================== monitoring ====================

func (s *Server) adminStats(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"rateLimit":  s.limiter.Stats(),
		"loginLimit": s.loginLimiter.Stats(),
		"cache":      s.cache.Stats(),
		"model":      s.completer.Model(),
		"authMode":   s.cfg.Auth.Mode,
		"system": gin.H{
			"goroutines":  runtime.NumGoroutine(),
			"memoryAlloc": fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			"memorySys":   fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
			"numGC":       m.NumGC,
		},
	})
}

func (s *Server) adminResetClient(c *gin.Context) {
	var req struct {
		ClientKey string `json:"clientKey"`
		IP        string `json:"ip"`
		UserAgent string `json:"userAgent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}

	key := strings.TrimSpace(req.ClientKey)
	if key == "" {
		if req.IP == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "clientKey or ip is required"})
			return
		}
		key = ratelimit.ClientKey(req.IP, req.UserAgent)
	}

	s.limiter.Reset(key)
	s.logger.Info("Rate limit reset by admin", zap.String("client_key", key))
	c.JSON(http.StatusOK, gin.H{"success": true, "clientKey": key})
}

func (s *Server) adminClearCache(c *gin.Context) {
	n := s.cache.Clear()
	s.logger.Info("Response cache cleared by admin", zap.Int("entries", n))
	c.JSON(http.StatusOK, gin.H{"success": true, "cleared": n})
}

// ==================== users ====================

func (s *Server) adminListUsers(c *gin.Context) {
	users, err := s.quotaUsers.List(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to list users", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to list users"})
		return
	}

	out := make([]*models.User, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": out, "total": len(out)})
}

func (s *Server) adminSetLimit(c *gin.Context) {
	var req struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
		Limit    *int   `json:"limit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit is required"})
		return
	}
	if *req.Limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must not be negative"})
		return
	}

	ctx := c.Request.Context()
	userID := req.UserID
	if userID == "" {
		if req.Username == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "userId or username is required"})
			return
		}
		u, err := s.quotaUsers.FindByUsername(ctx, req.Username)
		if err != nil {
			s.userLookupFailed(c, err)
			return
		}
		userID = u.ID
	}

	status, err := s.quota.SetLimit(ctx, userID, *req.Limit)
	if err != nil {
		s.userLookupFailed(c, err)
		return
	}

	s.logger.Info("Chat limit changed by admin",
		zap.String("user_id", userID),
		zap.Int("limit", *req.Limit))
	c.JSON(http.StatusOK, gin.H{"success": true, "userId": userID, "quota": status})
}

func (s *Server) userLookupFailed(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "User not found"})
		return
	}
	s.logger.Error("User lookup failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to update user"})
}

// ==================== logs and usage ====================

func (s *Server) getLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"logs":    logger.GlobalBuffer.GetRecent(limit),
		"total":   logger.GlobalBuffer.Len(),
	})
}

func (s *Server) clearLogs(c *gin.Context) {
	n := logger.GlobalBuffer.Clear()
	c.JSON(http.StatusOK, gin.H{"success": true, "cleared": n})
}

func (s *Server) adminUsage(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days < 0 || days > 365 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "days must be between 0 and 365"})
		return
	}

	records, err := s.usage.GetUsageHistory(days)
	if err != nil {
		s.logger.Error("Failed to read usage history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to read usage"})
		return
	}

	var requests, input, output int64
	for _, r := range records {
		requests += r.RequestCount
		input += r.InputTokens
		output += r.OutputTokens
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"records": records,
		"summary": gin.H{
			"totalRequests": requests,
			"inputTokens":   input,
			"outputTokens":  output,
			"totalTokens":   input + output,
		},
	})
}

// generateToken derives the admin token from the admin password
func generateToken(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
