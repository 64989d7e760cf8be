package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anaphygon/askgate/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error is returned when all attempts failed and no fallback was produced
type Error struct {
	Class    ErrorClass
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("completion failed after %d attempt(s) (%s): %v", e.Attempts, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

var blockedReasons = map[string]string{
	"SAFETY":             FallbackSafetyBlocked,
	"BLOCKLIST":          FallbackSafetyBlocked,
	"PROHIBITED_CONTENT": FallbackSafetyBlocked,
	"SPII":               FallbackSafetyBlocked,
	"RECITATION":         FallbackRecitationBlocked,
}

var blockedMessages = map[string]string{
	FallbackSafetyBlocked:     "Sorry, I can't answer that question because it touches on content I'm not allowed to discuss. Please try a more general question.",
	FallbackRecitationBlocked: "Sorry, I can't provide that information. Is there something else I can help with?",
}

type (
	// Option configures the client
	Option func(c *Client)

	// Client runs the attempt loop around a Provider
	Client struct {
		provider       Provider
		policy         Policy
		attemptTimeout time.Duration
		fallback       bool
		selector       *FallbackSelector
		pacer          *rate.Limiter
		sleep          SleepFunc
		logger         *zap.Logger

		attempts   *prometheus.CounterVec
		results    *prometheus.CounterVec
		duration   prometheus.Histogram
		registerer prometheus.Registerer
	}
)

// WithPolicy sets the retry policy
func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithAttemptTimeout bounds every single provider call
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithFallback turns the degraded answer on or off
func WithFallback(enabled bool) Option {
	return func(c *Client) { c.fallback = enabled }
}

// WithSelector replaces the fallback keyword table
func WithSelector(s *FallbackSelector) Option {
	return func(c *Client) { c.selector = s }
}

// WithRequestsPerMinute paces outgoing provider calls; 0 disables pacing
func WithRequestsPerMinute(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pacer = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
		}
	}
}

// WithSleep replaces the wait between attempts
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRegisterer registers the client's collectors
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = r }
}

// NewClient wraps provider. Defaults: DefaultPolicy, 25s per attempt,
// fallback enabled.
func NewClient(provider Provider, opts ...Option) *Client {
	c := &Client{
		provider:       provider,
		policy:         DefaultPolicy(),
		attemptTimeout: 25 * time.Second,
		fallback:       true,
		sleep:          sleepContext,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.selector == nil {
		c.selector = NewFallbackSelector(nil)
	}

	c.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "askgate_completion_attempts_total",
		Help: "Provider attempts by result class.",
	}, []string{"class"})
	c.results = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "askgate_completion_results_total",
		Help: "Completion calls by final outcome.",
	}, []string{"outcome"})
	c.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "askgate_completion_attempt_duration_seconds",
		Help:    "Duration of single provider attempts.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 25, 50},
	})
	if c.registerer != nil {
		c.registerer.MustRegister(c.attempts, c.results, c.duration)
	}

	return c
}

// Model returns the provider's model name
func (c *Client) Model() string {
	return c.provider.Model()
}

// Complete asks the provider, retrying per policy. A degraded answer has
// Fallback set; an error is returned only when fallback is disabled or ctx
// is done.
func (c *Client) Complete(ctx context.Context, req *Request) (*models.Answer, error) {
	var (
		state   = State{}
		lastErr error
		class   ErrorClass
	)

	for attempt := 1; ; attempt++ {
		state.Attempt = attempt

		if c.pacer != nil {
			if err := c.pacer.Wait(ctx); err != nil {
				return c.fail(ctx, req, ClassNetwork, attempt-1, err)
			}
		}

		resp, err := c.try(ctx, req)
		if err == nil {
			if typ, blocked := blockedReasons[strings.ToUpper(resp.FinishReason)]; blocked {
				c.attempts.WithLabelValues(string(ClassSafetyBlocked)).Inc()
				c.results.WithLabelValues("blocked").Inc()
				c.logger.Warn("Answer blocked by provider",
					zap.String("finish_reason", resp.FinishReason),
					zap.Int("attempt", attempt))
				return &models.Answer{
					Message:      blockedMessages[typ],
					Model:        c.modelOf(resp),
					FinishReason: resp.FinishReason,
					Attempts:     attempt,
					Fallback:     true,
					FallbackType: typ,
				}, nil
			}
			if strings.TrimSpace(resp.Text) != "" {
				c.attempts.WithLabelValues("OK").Inc()
				c.results.WithLabelValues("success").Inc()
				return &models.Answer{
					Message:          resp.Text,
					Model:            c.modelOf(resp),
					FinishReason:     resp.FinishReason,
					Attempts:         attempt,
					PromptTokens:     resp.PromptTokens,
					CompletionTokens: resp.CompletionTokens,
				}, nil
			}
			err = ErrEmptyResponse
		}

		lastErr = err
		class = Classify(err)
		c.attempts.WithLabelValues(string(class)).Inc()

		if ctx.Err() != nil {
			return c.fail(ctx, req, class, attempt, lastErr)
		}

		verdict := c.policy.Decide(state, class)
		c.logger.Warn("Completion attempt failed",
			zap.Int("attempt", attempt),
			zap.String("class", string(class)),
			zap.Bool("retry", verdict.Retry),
			zap.Duration("delay", verdict.Delay),
			zap.Error(err))
		if !verdict.Retry {
			return c.fail(ctx, req, class, attempt, lastErr)
		}
		if class == ClassEmptyResponse {
			state.EmptyRetries++
		}

		if err := c.sleep(ctx, verdict.Delay); err != nil {
			return c.fail(ctx, req, class, attempt, lastErr)
		}
	}
}

// try runs a single attempt under its own deadline
func (c *Client) try(ctx context.Context, req *Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.provider.Generate(attemptCtx, req)
	c.duration.Observe(time.Since(start).Seconds())

	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}

func (c *Client) fail(ctx context.Context, req *Request, class ErrorClass, attempts int, err error) (*models.Answer, error) {
	if !c.fallback || ctx.Err() != nil {
		c.results.WithLabelValues("error").Inc()
		return nil, &Error{Class: class, Attempts: attempts, Err: err}
	}

	answer := c.selector.Select(req.Question, class)
	answer.Model = c.provider.Model()
	answer.Attempts = attempts
	c.results.WithLabelValues("fallback").Inc()
	c.logger.Info("Serving fallback answer",
		zap.String("class", string(class)),
		zap.String("fallback_type", answer.FallbackType),
		zap.String("category", answer.FallbackCategory),
		zap.Int("attempts", attempts))
	return answer, nil
}

func (c *Client) modelOf(resp *Response) string {
	if resp.Model != "" {
		return resp.Model
	}
	return c.provider.Model()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
