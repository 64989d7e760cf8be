package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays results in order and repeats the last one
type scriptedProvider struct {
	mu      sync.Mutex
	results []result
	calls   int
}

type result struct {
	resp *Response
	err  error
}

func (p *scriptedProvider) Generate(ctx context.Context, _ *Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	return p.results[i].resp, p.results[i].err
}

func (p *scriptedProvider) Model() string { return "test-model" }

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func ok(text string) result {
	return result{resp: &Response{Text: text, FinishReason: "STOP", PromptTokens: 3, CompletionTokens: 5}}
}

func fails(err error) result {
	return result{err: err}
}

func status(code int) error {
	return &ProviderError{StatusCode: code, Message: http.StatusText(code)}
}

func newTestClient(p Provider, opts ...Option) (*Client, *sleepRecorder) {
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	return NewClient(p, opts...), rec
}

func TestComplete_Success(t *testing.T) {
	p := &scriptedProvider{results: []result{ok("Go is a language.")}}
	c, rec := newTestClient(p)

	a, err := c.Complete(context.Background(), &Request{Question: "What is Go?"})
	require.NoError(t, err)
	assert.Equal(t, "Go is a language.", a.Message)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, "test-model", a.Model)
	assert.False(t, a.Fallback)
	assert.Equal(t, 5, a.CompletionTokens)
	assert.Empty(t, rec.delays)
}

func TestComplete_RetriesThenSucceeds(t *testing.T) {
	p := &scriptedProvider{results: []result{fails(status(503)), ok("answer")}}
	c, rec := newTestClient(p)

	a, err := c.Complete(context.Background(), &Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestComplete_RetryableStopsAtMaxAttempts(t *testing.T) {
	for _, err := range []error{status(429), status(503), io.ErrUnexpectedEOF} {
		t.Run(err.Error(), func(t *testing.T) {
			p := &scriptedProvider{results: []result{fails(err)}}
			c, _ := newTestClient(p, WithPolicy(Policy{MaxAttempts: 4}), WithFallback(false))

			a, cerr := c.Complete(context.Background(), &Request{Question: "q"})
			assert.Nil(t, a)

			var ce *Error
			require.ErrorAs(t, cerr, &ce)
			assert.Equal(t, 4, ce.Attempts)
			assert.Equal(t, 4, p.Calls())
		})
	}
}

func TestComplete_NetworkBackoffGrows(t *testing.T) {
	p := &scriptedProvider{results: []result{fails(status(502))}}
	c, rec := newTestClient(p, WithPolicy(Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    3 * time.Second,
		Multiplier:  2,
	}))

	_, err := c.Complete(context.Background(), &Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, rec.delays)
}

func TestComplete_RateLimitFlatDelay(t *testing.T) {
	p := &scriptedProvider{results: []result{fails(status(429))}}
	c, rec := newTestClient(p)

	a, err := c.Complete(context.Background(), &Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.delays)
	assert.Equal(t, FallbackRateLimit, a.FallbackType)
	assert.Equal(t, 3, a.Attempts)
}

func TestComplete_NonRetryableShortCircuits(t *testing.T) {
	p := &scriptedProvider{results: []result{fails(status(401))}}
	c, rec := newTestClient(p, WithPolicy(Policy{MaxAttempts: 10}))

	a, err := c.Complete(context.Background(), &Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Calls())
	assert.Empty(t, rec.delays)
	assert.True(t, a.Fallback)
	assert.Equal(t, FallbackAuthError, a.FallbackType)
}

func TestComplete_SafetyBlockedIsSoftSuccess(t *testing.T) {
	for reason, typ := range map[string]string{
		"SAFETY":     FallbackSafetyBlocked,
		"RECITATION": FallbackRecitationBlocked,
		"BLOCKLIST":  FallbackSafetyBlocked,
	} {
		p := &scriptedProvider{results: []result{{resp: &Response{FinishReason: reason}}}}
		c, _ := newTestClient(p, WithPolicy(Policy{MaxAttempts: 10}))

		a, err := c.Complete(context.Background(), &Request{Question: "q"})
		require.NoError(t, err, reason)
		assert.Equal(t, 1, p.Calls(), reason)
		assert.True(t, a.Fallback)
		assert.Equal(t, typ, a.FallbackType)
		assert.Equal(t, reason, a.FinishReason)
		assert.NotEmpty(t, a.Message)
	}
}

func TestComplete_EmptyRetriedOnce(t *testing.T) {
	p := &scriptedProvider{results: []result{{resp: &Response{Text: "  "}}}}
	c, _ := newTestClient(p, WithPolicy(Policy{MaxAttempts: 5, EmptyRetries: 1}), WithFallback(false))

	_, err := c.Complete(context.Background(), &Request{Question: "q"})

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassEmptyResponse, ce.Class)
	assert.Equal(t, 2, p.Calls())
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestComplete_FallbackKeywordCategory(t *testing.T) {
	p := &scriptedProvider{results: []result{fails(status(500))}}
	c, _ := newTestClient(p)

	a, err := c.Complete(context.Background(), &Request{Question: "How do I start programming in Python?"})
	require.NoError(t, err)
	assert.True(t, a.Fallback)
	assert.Equal(t, FallbackKeywordMatch, a.FallbackType)
	assert.Equal(t, "programming", a.FallbackCategory)
	assert.Equal(t, 3, a.Attempts)
}

func TestComplete_GenericFallbackByClass(t *testing.T) {
	p := &scriptedProvider{results: []result{fails(errors.New("weird failure"))}}
	c, _ := newTestClient(p)

	a, err := c.Complete(context.Background(), &Request{Question: "Explain the tax law of Mars"})
	require.NoError(t, err)
	assert.Equal(t, FallbackGenericError, a.FallbackType)
	assert.Empty(t, a.FallbackCategory)
	assert.Equal(t, 1, a.Attempts)
}

func TestComplete_AttemptTimeoutIsNetwork(t *testing.T) {
	slow := providerFunc(func(ctx context.Context, _ *Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c, _ := newTestClient(slow, WithAttemptTimeout(5*time.Millisecond), WithPolicy(Policy{MaxAttempts: 2}), WithFallback(false))

	_, err := c.Complete(context.Background(), &Request{Question: "q"})

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassNetwork, ce.Class)
	assert.Equal(t, 2, ce.Attempts)
}

func TestComplete_CallerCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := providerFunc(func(context.Context, *Request) (*Response, error) {
		calls++
		cancel()
		return nil, status(503)
	})
	c, _ := newTestClient(p)

	a, err := c.Complete(ctx, &Request{Question: "hello"})
	assert.Nil(t, a)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestComplete_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := &scriptedProvider{results: []result{fails(status(503)), ok("fine")}}
	c, _ := newTestClient(p, WithRegisterer(reg))

	_, err := c.Complete(context.Background(), &Request{Question: "q"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues(string(ClassNetwork))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.results.WithLabelValues("success")))
}

func TestWithRequestsPerMinute(t *testing.T) {
	c := NewClient(&scriptedProvider{results: []result{ok("x")}}, WithRequestsPerMinute(60))
	require.NotNil(t, c.pacer)
	assert.Equal(t, 1.0, float64(c.pacer.Limit()))

	c = NewClient(&scriptedProvider{results: []result{ok("x")}}, WithRequestsPerMinute(0))
	assert.Nil(t, c.pacer)
}

type providerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f providerFunc) Generate(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

func (f providerFunc) Model() string { return "func-model" }

func TestErrorMessage(t *testing.T) {
	err := &Error{Class: ClassAuth, Attempts: 1, Err: status(403)}
	assert.Contains(t, err.Error(), "AUTH_ERROR")
	assert.Contains(t, fmt.Sprint(err), "403")
}
