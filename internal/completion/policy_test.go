package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name  string
		state State
		class ErrorClass
		want  Verdict
	}{
		{"rate limited retries flat", State{Attempt: 2}, ClassRateLimited, Verdict{Retry: true, Delay: time.Second}},
		{"network first backoff", State{Attempt: 1}, ClassNetwork, Verdict{Retry: true, Delay: time.Second}},
		{"network second backoff", State{Attempt: 2}, ClassNetwork, Verdict{Retry: true, Delay: 2 * time.Second}},
		{"empty retried once", State{Attempt: 1}, ClassEmptyResponse, Verdict{Retry: true, Delay: time.Second}},
		{"empty not twice", State{Attempt: 2, EmptyRetries: 1}, ClassEmptyResponse, Verdict{}},
		{"auth fails", State{Attempt: 1}, ClassAuth, Verdict{}},
		{"safety fails", State{Attempt: 1}, ClassSafetyBlocked, Verdict{}},
		{"unknown fails", State{Attempt: 1}, ClassUnknown, Verdict{}},
		{"max attempts reached", State{Attempt: 3}, ClassNetwork, Verdict{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.state, tt.class))
		})
	}
}

func TestDecide_ZeroPolicyUsesDefaults(t *testing.T) {
	v := Policy{}.Decide(State{Attempt: 2}, ClassNetwork)
	assert.Equal(t, Verdict{Retry: true, Delay: 2 * time.Second}, v)
	assert.False(t, Policy{}.Decide(State{Attempt: 3}, ClassNetwork).Retry)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{status(429), ClassRateLimited},
		{status(401), ClassAuth},
		{status(403), ClassAuth},
		{status(500), ClassNetwork},
		{status(502), ClassNetwork},
		{status(503), ClassNetwork},
		{status(504), ClassNetwork},
		{status(400), ClassUnknown},
		{&ProviderError{StatusCode: 400, Message: "quota project not set", Err: errors.New("request timeout field invalid")}, ClassUnknown},
		{&ProviderError{StatusCode: 404, Err: errors.New("rate limit config missing")}, ClassUnknown},
		{&ProviderError{StatusCode: 503, Err: errors.New("overloaded")}, ClassNetwork},
		{context.DeadlineExceeded, ClassNetwork},
		{fmt.Errorf("post: %w", syscall.ECONNRESET), ClassNetwork},
		{io.EOF, ClassNetwork},
		{timeoutErr{}, ClassNetwork},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, ClassNetwork},
		{ErrEmptyResponse, ClassEmptyResponse},
		{fmt.Errorf("decode: %w", ErrEmptyResponse), ClassEmptyResponse},
		{errors.New("resource quota exhausted"), ClassRateLimited},
		{errors.New("something odd"), ClassUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
	assert.Equal(t, ErrorClass(""), Classify(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, ClassRateLimited.Retryable())
	assert.True(t, ClassNetwork.Retryable())
	assert.True(t, ClassEmptyResponse.Retryable())
	assert.False(t, ClassAuth.Retryable())
	assert.False(t, ClassSafetyBlocked.Retryable())
	assert.False(t, ClassUnknown.Retryable())
}
