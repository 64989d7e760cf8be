package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/anaphygon/askgate/internal/auth"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/anaphygon/askgate/internal/pipeline"
	"github.com/anaphygon/askgate/internal/quota"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const appTitle = "askgate"

func (s *Server) chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
				Success:     false,
				Message:     "Request body too large",
				ErrorType:   "PAYLOAD_TOO_LARGE",
				Suggestions: []string{"Send a shorter question"},
			})
			return
		}
		s.validationFailed(c, &validationError{Field: "body", Message: "question is required"})
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.validationFailed(c, err)
		return
	}

	clientKey := c.GetString(ctxClientKey)
	out := s.pipeline.Handle(c.Request.Context(), pipeline.Request{
		ClientKey: clientKey,
		UserID:    s.quotaUserID(c),
		Question:  req.Question,
		Context:   req.Context,
		Mode:      req.Mode,
	})

	s.setRateLimitHeaders(c, out.Admission)
	if out.Err != nil {
		s.abortWithError(c, out.Err)
		return
	}

	answer := out.Answer
	meta := models.ChatMetadata{
		ResponseTime: out.ResponseTime.Milliseconds(),
		FromCache:    out.FromCache,
		Attempts:     answer.Attempts,
		Model:        answer.Model,
		RequestID:    c.GetString(ctxRequestID),
		Category:     answer.FallbackCategory,
	}
	if out.Quota != nil {
		meta.Quota = out.Quota.Info()
	}
	if answer.PromptTokens > 0 || answer.CompletionTokens > 0 {
		meta.Usage = &models.TokenUsage{
			PromptTokens:     answer.PromptTokens,
			CompletionTokens: answer.CompletionTokens,
		}
	}

	c.JSON(http.StatusOK, models.ChatResponse{
		Success:      true,
		Message:      answer.Message,
		Fallback:     answer.Fallback,
		FallbackType: answer.FallbackType,
		Metadata:     meta,
	})
}

func (s *Server) quotaStatus(c *gin.Context) {
	status, err := s.quota.Check(c.Request.Context(), s.quotaUserID(c))
	if err != nil {
		if errors.Is(err, quota.ErrUserNotFound) {
			s.abortWithError(c, pipeline.NewError(pipeline.ErrUnauthorized, err))
			return
		}
		s.logger.Error("Failed to read quota", zap.Error(err))
		s.abortWithError(c, pipeline.NewError(pipeline.ErrUnknown, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"quota": gin.H{
			"used":       status.Used,
			"limit":      status.Limit,
			"remaining":  status.Remaining,
			"canProceed": status.CanProceed,
			"resetAt":    status.ResetAt,
		},
	})
}

func (s *Server) chatPage(c *gin.Context) {
	var user *models.User
	if s.cfg.Auth.Mode == authModeSession {
		u, err := s.sessionUser(c)
		if err != nil {
			c.Redirect(http.StatusFound, "/auth/login")
			return
		}
		user = u
	}
	c.HTML(http.StatusOK, "chat.html", gin.H{
		"Title":             appTitle,
		"User":              user,
		"MaxQuestionLength": s.cfg.Validation.MaxQuestionLength,
	})
}

// quotaUserID is the logged-in user, or the client key in anonymous mode
func (s *Server) quotaUserID(c *gin.Context) string {
	if v, ok := c.Get(ctxUser); ok {
		if u, ok := v.(*models.User); ok {
			return u.ID
		}
	}
	return c.GetString(ctxClientKey)
}

func (s *Server) sessionUser(c *gin.Context) (*models.User, error) {
	sessionID, err := c.Cookie(s.cfg.Auth.CookieName)
	if err != nil || sessionID == "" {
		return nil, auth.ErrSessionInvalid
	}
	return s.auth.UserBySession(c.Request.Context(), sessionID)
}

func (s *Server) validationFailed(c *gin.Context, err error) {
	msg := err.Error()
	details := map[string]interface{}{}
	var verr *validationError
	if errors.As(err, &verr) {
		msg = verr.Message
		details["field"] = verr.Field
	}
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Success:     false,
		Message:     msg,
		ErrorType:   "VALIDATION_ERROR",
		Retryable:   false,
		Suggestions: []string{"Check your question and try again"},
		Details:     details,
	})
}

// abortWithError renders a terminal pipeline error
func (s *Server) abortWithError(c *gin.Context, e *pipeline.Error) {
	resp := models.ErrorResponse{
		Success:     false,
		Message:     e.Message,
		ErrorType:   string(e.Type),
		Retryable:   e.Retryable,
		Suggestions: e.Suggestions,
	}
	if e.RetryAfter > 0 {
		secs := retryAfterSeconds(e.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(secs))
		resp.Details = map[string]interface{}{"retryAfter": secs}
	}
	c.AbortWithStatusJSON(e.HTTPStatus(), resp)
}
