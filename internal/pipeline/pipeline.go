// Package pipeline runs a chat request through admission, quota, cache and
// the completion client.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/anaphygon/askgate/internal/cache"
	"github.com/anaphygon/askgate/internal/clock"
	"github.com/anaphygon/askgate/internal/completion"
	"github.com/anaphygon/askgate/internal/gemini"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/anaphygon/askgate/internal/quota"
	"github.com/anaphygon/askgate/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Admitter decides whether a client may send another request
type Admitter interface {
	Admit(clientKey string) ratelimit.Decision
}

// QuotaTracker checks and consumes daily quota
type QuotaTracker interface {
	Check(ctx context.Context, userID string) (quota.Status, error)
	Consume(ctx context.Context, userID string) (quota.Status, error)
}

// AnswerCache stores successful answers
type AnswerCache interface {
	Get(key string) (*models.Answer, bool)
	Put(key string, value *models.Answer) bool
}

// Completer produces answers
type Completer interface {
	Complete(ctx context.Context, req *completion.Request) (*models.Answer, error)
}

// UsageRecorder accumulates token usage per user
type UsageRecorder interface {
	RecordUsage(userID string, inputTokens, outputTokens int64) error
}

// Request is one chat question from an identified client
type Request struct {
	ClientKey string
	UserID    string
	Question  string
	Context   []models.ChatTurn
	Mode      string
}

// Outcome is the result of Handle. Exactly one of Answer and Err is set.
type Outcome struct {
	Answer       *models.Answer
	FromCache    bool
	ResponseTime time.Duration
	Admission    ratelimit.Decision
	Quota        *quota.Status
	Err          *Error
}

type (
	// Option configures the pipeline
	Option func(p *Pipeline)

	// Pipeline wires the request path together
	Pipeline struct {
		limiter   Admitter
		quota     QuotaTracker
		cache     AnswerCache
		completer Completer
		usage     UsageRecorder

		clock      clock.Clock
		logger     *zap.Logger
		registerer prometheus.Registerer
		outcomes   *prometheus.CounterVec
	}
)

// WithUsage records token usage of every answered request
func WithUsage(u UsageRecorder) Option {
	return func(p *Pipeline) { p.usage = u }
}

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithRegisterer registers the pipeline's collectors
func WithRegisterer(r prometheus.Registerer) Option {
	return func(p *Pipeline) { p.registerer = r }
}

// New creates a pipeline
func New(limiter Admitter, tracker QuotaTracker, c AnswerCache, completer Completer, opts ...Option) *Pipeline {
	p := &Pipeline{
		limiter:   limiter,
		quota:     tracker,
		cache:     c,
		completer: completer,
		clock:     clock.Real{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "askgate_pipeline_outcomes_total",
		Help: "Chat requests by final outcome.",
	}, []string{"outcome"})
	if p.registerer != nil {
		p.registerer.MustRegister(p.outcomes)
	}

	return p
}

// Handle runs one request to completion
func (p *Pipeline) Handle(ctx context.Context, req Request) Outcome {
	start := p.clock.Now()
	out := p.handle(ctx, req)
	out.ResponseTime = p.clock.Now().Sub(start)

	switch {
	case out.Err != nil:
		p.outcomes.WithLabelValues(string(out.Err.Type)).Inc()
	case out.FromCache:
		p.outcomes.WithLabelValues("cache_hit").Inc()
	case out.Answer.Fallback:
		p.outcomes.WithLabelValues("fallback").Inc()
	default:
		p.outcomes.WithLabelValues("success").Inc()
	}
	return out
}

func (p *Pipeline) handle(ctx context.Context, req Request) Outcome {
	var out Outcome

	out.Admission = p.limiter.Admit(req.ClientKey)
	if !out.Admission.Allowed {
		typ := ErrRateLimited
		if out.Admission.Reason == ratelimit.ReasonBlacklisted {
			typ = ErrBlacklisted
		}
		e := NewError(typ, nil)
		e.RetryAfter = out.Admission.RetryAfter
		out.Err = e
		p.logger.Warn("Request rejected by rate limiter",
			zap.String("client_key", req.ClientKey),
			zap.String("reason", string(out.Admission.Reason)),
			zap.Duration("retry_after", e.RetryAfter))
		return out
	}

	status, err := p.quota.Check(ctx, req.UserID)
	if err != nil {
		out.Err = p.quotaError(req, err)
		return out
	}
	out.Quota = &status
	if !status.CanProceed {
		e := NewError(ErrQuotaExceeded, nil)
		e.RetryAfter = status.ResetAt.Sub(p.clock.Now())
		out.Err = e
		p.logger.Info("Daily quota exhausted",
			zap.String("user_id", req.UserID),
			zap.Int("limit", status.Limit))
		return out
	}

	mode := gemini.NormalizeMode(req.Mode)
	key := cache.Key(req.Question, mode, req.Context)
	if cached, ok := p.cache.Get(key); ok {
		out.Answer = cached
		out.FromCache = true
		return out
	}

	answer, err := p.completer.Complete(ctx, &completion.Request{
		Question: req.Question,
		Context:  req.Context,
		Mode:     mode,
	})
	if err != nil {
		out.Err = completionError(err)
		p.logger.Error("Completion failed",
			zap.String("user_id", req.UserID),
			zap.String("error_type", string(out.Err.Type)),
			zap.Error(err))
		return out
	}
	out.Answer = answer

	if answer.Fallback {
		p.logger.Info("Served fallback answer",
			zap.String("user_id", req.UserID),
			zap.String("fallback_type", answer.FallbackType))
		return out
	}

	consumed, err := p.quota.Consume(ctx, req.UserID)
	if err != nil {
		p.logger.Error("Failed to consume quota", zap.String("user_id", req.UserID), zap.Error(err))
	} else {
		out.Quota = &consumed
	}

	p.cache.Put(key, answer)

	if p.usage != nil {
		if err := p.usage.RecordUsage(req.UserID, int64(answer.PromptTokens), int64(answer.CompletionTokens)); err != nil {
			p.logger.Warn("Failed to record usage", zap.String("user_id", req.UserID), zap.Error(err))
		}
	}

	return out
}

func (p *Pipeline) quotaError(req Request, err error) *Error {
	if errors.Is(err, quota.ErrUserNotFound) {
		return NewError(ErrUnauthorized, err)
	}
	p.logger.Error("Quota check failed", zap.String("user_id", req.UserID), zap.Error(err))
	return NewError(ErrUnknown, err)
}

func completionError(err error) *Error {
	var cerr *completion.Error
	if errors.As(err, &cerr) {
		return NewError(typeForClass(cerr.Class), err)
	}
	return NewError(typeForClass(completion.Classify(err)), err)
}
