// Package completion wraps a text-generation provider with per-attempt
// timeouts, classified retries and a keyword fallback.
package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/anaphygon/askgate/internal/models"
)

// ErrEmptyResponse is returned by providers when the payload carries no text
var ErrEmptyResponse = errors.New("empty response from provider")

// Provider generates one answer per call
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Model() string
}

// Request is the provider-neutral question
type Request struct {
	Question string
	Context  []models.ChatTurn
	Mode     string
}

// Response is a provider answer
type Response struct {
	Text             string
	FinishReason     string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// ProviderError is a non-success status returned by the provider
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
